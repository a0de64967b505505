package core

import (
	"sync"
	"time"
)

// RateLimiter 按客户端滑动窗口限流
type RateLimiter struct {
	mu          sync.Mutex
	windows     map[string][]time.Time // key -> request timestamps
	maxRequests int
	window      time.Duration
	now         func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

// NewRateLimiter 创建频率限制器，maxRequests <= 0 表示不限制
func NewRateLimiter(maxRequests int, window time.Duration) *RateLimiter {
	if window <= 0 {
		window = time.Minute
	}
	rl := &RateLimiter{
		windows:     make(map[string][]time.Time),
		maxRequests: maxRequests,
		window:      window,
		now:         time.Now,
		stop:        make(chan struct{}),
	}
	go rl.cleanup(10 * time.Minute)
	return rl
}

// Allow 检查并记录一次请求；被拒绝时返回需要等待的时间
func (r *RateLimiter) Allow(key string) (bool, time.Duration) {
	if r.maxRequests <= 0 {
		return true, 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	valid := r.prune(key, now)
	if len(valid) >= r.maxRequests {
		retryAfter := valid[0].Add(r.window).Sub(now)
		if retryAfter < 0 {
			retryAfter = 0
		}
		return false, retryAfter
	}
	r.windows[key] = append(valid, now)
	return true, 0
}

// Remaining 窗口内剩余的请求数
func (r *RateLimiter) Remaining(key string) int {
	if r.maxRequests <= 0 {
		return -1
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	left := r.maxRequests - len(r.prune(key, r.now()))
	if left < 0 {
		return 0
	}
	return left
}

// Limit 窗口内允许的最大请求数
func (r *RateLimiter) Limit() int { return r.maxRequests }

// prune 清理窗口外的时间戳，调用方持有锁
func (r *RateLimiter) prune(key string, now time.Time) []time.Time {
	windowStart := now.Add(-r.window)
	timestamps := r.windows[key]
	valid := timestamps[:0]
	for _, t := range timestamps {
		if t.After(windowStart) {
			valid = append(valid, t)
		}
	}
	if len(valid) == 0 {
		delete(r.windows, key)
		return nil
	}
	r.windows[key] = valid
	return valid
}

// Stop 停止后台清理
func (r *RateLimiter) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
}

// cleanup periodically drops idle keys
func (r *RateLimiter) cleanup(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

func (r *RateLimiter) sweep() {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	for k := range r.windows {
		r.prune(k, now)
	}
}
