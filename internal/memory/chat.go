package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/xiaopang/tavernai/internal/core"
	"github.com/xiaopang/tavernai/internal/logger"
	"github.com/xiaopang/tavernai/internal/model"
)

// ErrUnknownAgent is returned for agent ids without a persona.
var ErrUnknownAgent = errors.New("unknown agent")

// Persona describes a tavern agent.
type Persona struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Faction     string   `json:"faction"`
	Career      string   `json:"career"`
	Traits      []string `json:"traits"`
	Speech      []string `json:"speech"`
	FallbackMsg string   `json:"fallback,omitempty"`
}

// DefaultPersonas are the agents known out of the box.
var DefaultPersonas = []Persona{
	{
		ID:          "marcus",
		Name:        "Sir Marcus Ironforge",
		Faction:     "Empire",
		Career:      "Knight",
		Traits:      []string{"honorable", "brave", "loyal"},
		Speech:      []string{"speaks formally", "uses military terminology"},
		FallbackMsg: "By Sigmar, my thoughts wander. Ask me again, friend.",
	},
	{
		ID:          "grimjaw",
		Name:        "Grimjaw Ironbeard",
		Faction:     "Dwarfs",
		Career:      "Ironbreaker",
		Traits:      []string{"stubborn", "proud", "suspicious of elves"},
		Speech:      []string{"gruff", "mentions grudges"},
		FallbackMsg: "Hmph. The ale's gone to my head. Say that again, umgi.",
	},
	{
		ID:          "elara",
		Name:        "Elara Moonwhisper",
		Faction:     "High Elves",
		Career:      "Loremaster",
		Traits:      []string{"wise", "aloof", "curious"},
		Speech:      []string{"measured", "poetic"},
		FallbackMsg: "The winds of magic are restless tonight. Give me a moment.",
	},
}

const genericFallback = "The tavern is too loud, I did not catch that. Could you repeat it?"

// Completer produces chat completions with fallback.
type Completer interface {
	Complete(ctx context.Context, messages []model.Message, opts core.Options) (*model.ChatResult, error)
}

// ChatRequest is one player message to an agent.
type ChatRequest struct {
	AgentID  string
	PlayerID string
	Message  string
	Provider model.ProviderName
	Stream   bool
	OnDelta  func(p model.ProviderName, fragment string)
}

// ChatReply is the agent's answer.
type ChatReply struct {
	AgentID  string             `json:"agent_id"`
	PlayerID string             `json:"player_id"`
	Content  string             `json:"content"`
	Provider model.ProviderName `json:"provider"`
	Model    string             `json:"model,omitempty"`
	Tokens   int                `json:"tokens"`
	Fallback bool               `json:"fallback"`
}

// Chat builds prompts from agent memory and calls the completer.
type Chat struct {
	memories  *Service
	completer Completer
	recorder  core.Recorder
	personas  map[string]Persona
	log       *logger.Logger
}

// NewChat creates a Chat with the default personas.
func NewChat(memories *Service, completer Completer, recorder core.Recorder, log *logger.Logger) *Chat {
	if log == nil {
		log = logger.Default()
	}
	c := &Chat{
		memories:  memories,
		completer: completer,
		recorder:  recorder,
		personas:  make(map[string]Persona, len(DefaultPersonas)),
		log:       log,
	}
	for _, p := range DefaultPersonas {
		c.personas[p.ID] = p
	}
	return c
}

// Persona looks up an agent.
func (c *Chat) Persona(id string) (Persona, bool) {
	p, ok := c.personas[id]
	return p, ok
}

// SystemPrompt renders the persona and memory context.
func (c *Chat) SystemPrompt(p Persona, playerID string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s, a %s of the %s, drinking in a tavern of the Old World.\n", p.Name, p.Career, p.Faction)
	if len(p.Traits) > 0 {
		fmt.Fprintf(&b, "Personality: %s.\n", strings.Join(p.Traits, ", "))
	}
	if len(p.Speech) > 0 {
		fmt.Fprintf(&b, "Speech: %s.\n", strings.Join(p.Speech, ", "))
	}
	if topics := c.memories.PreferredTopics(p.ID, playerID); len(topics) > 0 {
		fmt.Fprintf(&b, "The player enjoys talking about: %s.\n", strings.Join(topics, ", "))
	}
	b.WriteString("Stay in character and answer in at most three sentences.\n\n")
	b.WriteString(c.memories.Context(p.ID, playerID))
	return b.String()
}

// Send answers a player message. When every provider fails the agent replies
// with an in-character line and the error is logged, not returned.
func (c *Chat) Send(ctx context.Context, req ChatRequest) (*ChatReply, error) {
	p, ok := c.personas[req.AgentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, req.AgentID)
	}
	playerID := playerOrDefault(req.PlayerID)

	messages := []model.Message{
		{Role: "system", Content: c.SystemPrompt(p, playerID)},
		{Role: "user", Content: req.Message},
	}

	reply := &ChatReply{AgentID: p.ID, PlayerID: playerID}
	start := time.Now()
	result, err := c.completer.Complete(ctx, messages, core.Options{
		PreferredProvider: req.Provider,
		Stream:            req.Stream,
		OnDelta:           req.OnDelta,
	})
	if err != nil {
		if errors.Is(err, core.ErrProviderNotFound) {
			return nil, err
		}
		c.log.Warn("agent chat fell back to canned reply", "agent", p.ID, "error", err)
		reply.Content = p.FallbackMsg
		if reply.Content == "" {
			reply.Content = genericFallback
		}
		reply.Provider = model.ProviderFallback
		reply.Fallback = true
		if c.recorder != nil {
			c.recorder.Record(model.Metric{
				Provider:       model.ProviderFallback,
				Operation:      model.OperationChatCompletion,
				ResponseTimeMs: time.Since(start).Milliseconds(),
				Success:        true,
			})
		}
		return reply, nil
	}

	reply.Content = result.Content
	reply.Provider = result.Provider
	reply.Model = result.Model
	reply.Tokens = result.Tokens
	c.memories.RecordInteraction(p.ID, playerID, req.Message, result.Content)
	return reply, nil
}
