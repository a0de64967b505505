package model

// ChatCompletionRequest 发往上游的 OpenAI 兼容请求体
type ChatCompletionRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature float64   `json:"temperature"`
	Stream      bool      `json:"stream"`
	Stop        []string  `json:"stop"` // 未设置时序列化为 null
}

// ChatRequest 客户端发来的请求（字段可选，由服务端补默认值）
type ChatRequest struct {
	Model       string       `json:"model,omitempty"`
	Messages    []Message    `json:"messages"`
	MaxTokens   *int         `json:"max_tokens,omitempty"`
	Temperature *float64     `json:"temperature,omitempty"`
	Stream      bool         `json:"stream,omitempty"`
	Stop        []string     `json:"stop,omitempty"`
	Provider    ProviderName `json:"provider,omitempty"` // 首选提供方
}

// Message 消息
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

// ChatCompletionResponse OpenAI 兼容的聊天补全响应
type ChatCompletionResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   *Usage   `json:"usage,omitempty"`
}

// Choice 选项
type Choice struct {
	Index        int      `json:"index"`
	Message      *Message `json:"message,omitempty"`
	Delta        *Delta   `json:"delta,omitempty"` // 流式响应
	FinishReason string   `json:"finish_reason,omitempty"`
}

// Delta 流式增量，结束块为空对象
type Delta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

// Usage Token 使用量
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// StreamChunk SSE 流式响应块
type StreamChunk struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   *Usage   `json:"usage,omitempty"`
	// Groq 在最后一个块的 x_groq 字段里返回用量
	XGroq *struct {
		Usage *Usage `json:"usage,omitempty"`
	} `json:"x_groq,omitempty"`
}

// ChunkUsage 返回块中携带的用量（兼容 x_groq）
func (c *StreamChunk) ChunkUsage() *Usage {
	if c.Usage != nil {
		return c.Usage
	}
	if c.XGroq != nil {
		return c.XGroq.Usage
	}
	return nil
}

// ChatResult 路由完成后返回给客户端的结果
type ChatResult struct {
	Content        string       `json:"content"`
	Provider       ProviderName `json:"provider"`
	Model          string       `json:"model,omitempty"`
	Tokens         int          `json:"tokens"`
	ResponseTimeMs int64        `json:"response_time_ms"`
}

// ErrorResponse 错误响应
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail 错误详情
type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Param   string `json:"param,omitempty"`
	Code    string `json:"code,omitempty"`
}
