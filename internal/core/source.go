package core

import (
	"errors"
	"sync"

	"github.com/xiaopang/tavernai/internal/config"
	"github.com/xiaopang/tavernai/internal/model"
	"github.com/xiaopang/tavernai/internal/provider"
)

// 错误定义
var (
	ErrNoProviders      = errors.New("no providers available")
	ErrProviderNotFound = errors.New("provider not found")
)

// ProviderSet 提供方注册表，保持配置顺序
type ProviderSet struct {
	mu      sync.RWMutex
	order   []model.ProviderName
	clients map[model.ProviderName]*provider.Client
}

// NewProviderSet 按配置创建客户端
func NewProviderSet(providers []config.ProviderConfig, opts ...provider.Option) *ProviderSet {
	s := &ProviderSet{clients: make(map[model.ProviderName]*provider.Client)}
	for _, p := range providers {
		s.Add(provider.New(p, opts...))
	}
	return s
}

// Add 注册或替换客户端
func (s *ProviderSet) Add(c *provider.Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[c.Name()]; !ok {
		s.order = append(s.order, c.Name())
	}
	s.clients[c.Name()] = c
}

// Get 按名称获取客户端
func (s *ProviderSet) Get(name model.ProviderName) (*provider.Client, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.clients[name]
	return c, ok
}

// List 按注册顺序列出
func (s *ProviderSet) List() []*provider.Client {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*provider.Client, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.clients[name])
	}
	return out
}

// Names 按注册顺序列出名称
func (s *ProviderSet) Names() []model.ProviderName {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.ProviderName(nil), s.order...)
}

// ConfiguredCount 已配置 API Key 的数量
func (s *ProviderSet) ConfiguredCount() int {
	n := 0
	for _, c := range s.List() {
		if c.Configured() {
			n++
		}
	}
	return n
}
