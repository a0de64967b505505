package api

import (
	"errors"

	"github.com/gin-gonic/gin"

	"github.com/xiaopang/tavernai/internal/core"
	"github.com/xiaopang/tavernai/internal/memory"
	"github.com/xiaopang/tavernai/internal/model"
)

// AgentHandler 酒馆角色对话与记忆
type AgentHandler struct {
	chat     *memory.Chat
	memories *memory.Service
}

// NewAgentHandler 创建角色处理器
func NewAgentHandler(chat *memory.Chat, memories *memory.Service) *AgentHandler {
	return &AgentHandler{chat: chat, memories: memories}
}

// persona 校验路径中的角色 ID
func (h *AgentHandler) persona(c *gin.Context) (memory.Persona, bool) {
	p, ok := h.chat.Persona(c.Param("id"))
	if !ok {
		abortError(c, 404, "not_found_error", "unknown_agent", "Agent not found: "+c.Param("id"))
	}
	return p, ok
}

// Chat 与角色对话
func (h *AgentHandler) Chat(c *gin.Context) {
	var body struct {
		PlayerID string             `json:"player_id"`
		Message  string             `json:"message" binding:"required"`
		Provider model.ProviderName `json:"provider"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		abortError(c, 400, "invalid_request_error", "invalid_body", "Invalid request: "+err.Error())
		return
	}
	if _, ok := h.persona(c); !ok {
		return
	}

	reply, err := h.chat.Send(c.Request.Context(), memory.ChatRequest{
		AgentID:  c.Param("id"),
		PlayerID: body.PlayerID,
		Message:  body.Message,
		Provider: body.Provider,
	})
	if err != nil {
		switch {
		case errors.Is(err, memory.ErrUnknownAgent):
			abortError(c, 404, "not_found_error", "unknown_agent", err.Error())
		case errors.Is(err, core.ErrProviderNotFound):
			abortError(c, 400, "invalid_request_error", "unknown_provider", err.Error())
		default:
			abortError(c, 500, "internal_error", "chat_failed", err.Error())
		}
		return
	}
	c.JSON(200, gin.H{"data": reply})
}

// GetMemory 角色对玩家的记忆
func (h *AgentHandler) GetMemory(c *gin.Context) {
	p, ok := h.persona(c)
	if !ok {
		return
	}
	player := c.Query("player_id")
	c.JSON(200, gin.H{
		"data":             h.memories.Memory(p.ID, player),
		"preferred_topics": h.memories.PreferredTopics(p.ID, player),
	})
}

// AddNote 记录关于玩家的备注
func (h *AgentHandler) AddNote(c *gin.Context) {
	var body struct {
		PlayerID string `json:"player_id"`
		Note     string `json:"note" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		abortError(c, 400, "invalid_request_error", "invalid_body", "Invalid request: "+err.Error())
		return
	}
	p, ok := h.persona(c)
	if !ok {
		return
	}
	added := h.memories.AddNote(p.ID, body.PlayerID, body.Note)
	c.JSON(200, gin.H{"added": added})
}

// ClearMemory 忘记玩家；未指定 player_id 时忘记默认玩家
func (h *AgentHandler) ClearMemory(c *gin.Context) {
	p, ok := h.persona(c)
	if !ok {
		return
	}
	h.memories.Clear(p.ID, c.Query("player_id"))
	c.JSON(200, gin.H{"message": "Memory cleared"})
}
