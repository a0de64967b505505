// Package memory keeps what each tavern agent remembers about each player.
package memory

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"

	"github.com/xiaopang/tavernai/internal/logger"
	"github.com/xiaopang/tavernai/internal/store"
)

// DefaultPlayer is used when a caller does not identify the player.
const DefaultPlayer = "default"

const (
	maxInteractions   = 50
	maxNotes          = 10
	relationshipStep  = 5
	relationshipLimit = 100
)

// Sentiment of a player message.
type Sentiment string

const (
	SentimentPositive Sentiment = "positive"
	SentimentNegative Sentiment = "negative"
	SentimentNeutral  Sentiment = "neutral"
)

// Style is how an agent addresses a player.
type Style string

const (
	StyleFriendly Style = "friendly"
	StyleFormal   Style = "formal"
	StyleHostile  Style = "hostile"
	StyleNeutral  Style = "neutral"
)

// Interaction is one exchange between player and agent.
type Interaction struct {
	ID            string    `json:"id"`
	Timestamp     time.Time `json:"timestamp"`
	PlayerMessage string    `json:"player_message"`
	AgentResponse string    `json:"agent_response"`
	Sentiment     Sentiment `json:"sentiment"`
	Topics        []string  `json:"topics"`
	Context       string    `json:"context,omitempty"`
}

// AgentMemory is everything an agent knows about one player.
type AgentMemory struct {
	AgentID           string         `json:"agent_id"`
	PlayerID          string         `json:"player_id"`
	Interactions      []Interaction  `json:"interactions"`
	RelationshipScore int            `json:"relationship_score"`
	LastInteraction   time.Time      `json:"last_interaction"`
	PersonalityNotes  []string       `json:"personality_notes"`
	TopicPreferences  map[string]int `json:"topic_preferences"`
	ConversationStyle Style          `json:"conversation_style"`
}

func (m *AgentMemory) clone() *AgentMemory {
	c := *m
	c.Interactions = make([]Interaction, len(m.Interactions))
	for i, in := range m.Interactions {
		in.Topics = append([]string(nil), in.Topics...)
		c.Interactions[i] = in
	}
	c.PersonalityNotes = append([]string(nil), m.PersonalityNotes...)
	c.TopicPreferences = make(map[string]int, len(m.TopicPreferences))
	for k, v := range m.TopicPreferences {
		c.TopicPreferences[k] = v
	}
	return &c
}

// Service owns all agent memories.
type Service struct {
	mu       sync.Mutex
	memories map[string]*AgentMemory
	kv       store.KV
	now      func() time.Time
	log      *logger.Logger
}

// NewService loads memories from kv. A nil kv keeps memories in process only.
func NewService(kv store.KV, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Default()
	}
	s := &Service{
		memories: make(map[string]*AgentMemory),
		kv:       kv,
		now:      time.Now,
		log:      log,
	}
	s.load()
	return s
}

func memoryKey(agentID, playerID string) string {
	return agentID + "_" + playerOrDefault(playerID)
}

func playerOrDefault(playerID string) string {
	if strings.TrimSpace(playerID) == "" {
		return DefaultPlayer
	}
	return playerID
}

func (s *Service) load() {
	if s.kv == nil {
		return
	}
	data, err := s.kv.Get(store.KeyAgentMemories)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.log.Error("failed to load agent memories", "error", err)
		}
		return
	}
	var loaded map[string]*AgentMemory
	if err := sonic.Unmarshal(data, &loaded); err != nil {
		s.log.Error("discarding corrupt agent memories", "error", err)
		return
	}
	for k, m := range loaded {
		if m == nil {
			continue
		}
		if m.TopicPreferences == nil {
			m.TopicPreferences = make(map[string]int)
		}
		s.memories[k] = m
	}
	s.log.Info("loaded agent memories", "count", len(s.memories))
}

// saveLocked writes all memories. Errors are logged only.
func (s *Service) saveLocked() {
	if s.kv == nil {
		return
	}
	data, err := sonic.Marshal(s.memories)
	if err != nil {
		s.log.Error("failed to encode agent memories", "error", err)
		return
	}
	if err := s.kv.Put(store.KeyAgentMemories, data); err != nil {
		s.log.Error("failed to save agent memories", "error", err)
	}
}

// getLocked returns the memory for the pair, creating it when absent.
func (s *Service) getLocked(agentID, playerID string) *AgentMemory {
	key := memoryKey(agentID, playerID)
	m, ok := s.memories[key]
	if !ok {
		m = &AgentMemory{
			AgentID:           agentID,
			PlayerID:          playerOrDefault(playerID),
			Interactions:      []Interaction{},
			LastInteraction:   s.now(),
			PersonalityNotes:  []string{},
			TopicPreferences:  make(map[string]int),
			ConversationStyle: StyleNeutral,
		}
		s.memories[key] = m
	}
	return m
}

// Memory returns a copy of the memory for the pair.
func (s *Service) Memory(agentID, playerID string) *AgentMemory {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(agentID, playerID).clone()
}

// RecordInteraction stores an exchange and updates relationship, topic
// preferences and style from the player's message.
func (s *Service) RecordInteraction(agentID, playerID, playerMessage, agentResponse string) Interaction {
	sentiment := AnalyzeSentiment(playerMessage)
	topics := ExtractTopics(playerMessage)

	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.getLocked(agentID, playerID)
	in := Interaction{
		ID:            uuid.NewString(),
		Timestamp:     s.now(),
		PlayerMessage: playerMessage,
		AgentResponse: agentResponse,
		Sentiment:     sentiment,
		Topics:        topics,
	}
	m.Interactions = append(m.Interactions, in)
	m.LastInteraction = in.Timestamp

	m.RelationshipScore = nextRelationship(m.RelationshipScore, sentiment)
	delta := topicDelta(sentiment)
	for _, t := range topics {
		m.TopicPreferences[t] += delta
	}
	m.ConversationStyle = styleFor(m.RelationshipScore)

	if len(m.Interactions) > maxInteractions {
		m.Interactions = append([]Interaction(nil), m.Interactions[len(m.Interactions)-maxInteractions:]...)
	}
	s.saveLocked()
	return in
}

// AddNote remembers something about the player. Duplicates are ignored and
// only the newest notes are kept.
func (s *Service) AddNote(agentID, playerID, note string) bool {
	note = strings.TrimSpace(note)
	if note == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.getLocked(agentID, playerID)
	for _, n := range m.PersonalityNotes {
		if n == note {
			return false
		}
	}
	m.PersonalityNotes = append(m.PersonalityNotes, note)
	if len(m.PersonalityNotes) > maxNotes {
		m.PersonalityNotes = append([]string(nil), m.PersonalityNotes[len(m.PersonalityNotes)-maxNotes:]...)
	}
	s.saveLocked()
	return true
}

// PreferredTopics returns up to five topics by descending preference.
func (s *Service) PreferredTopics(agentID, playerID string) []string {
	s.mu.Lock()
	m := s.getLocked(agentID, playerID)
	type kv struct {
		topic string
		score int
	}
	prefs := make([]kv, 0, len(m.TopicPreferences))
	for t, v := range m.TopicPreferences {
		prefs = append(prefs, kv{t, v})
	}
	s.mu.Unlock()

	sort.Slice(prefs, func(i, j int) bool {
		if prefs[i].score != prefs[j].score {
			return prefs[i].score > prefs[j].score
		}
		return prefs[i].topic < prefs[j].topic
	})
	if len(prefs) > 5 {
		prefs = prefs[:5]
	}
	out := make([]string, len(prefs))
	for i, p := range prefs {
		out[i] = p.topic
	}
	return out
}

// Clear forgets one agent/player pair.
func (s *Service) Clear(agentID, playerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.memories, memoryKey(agentID, playerID))
	s.saveLocked()
}

// ClearAll forgets everything and removes the persisted key.
func (s *Service) ClearAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.memories = make(map[string]*AgentMemory)
	if s.kv == nil {
		return
	}
	if err := s.kv.Delete(store.KeyAgentMemories); err != nil {
		s.log.Error("failed to delete agent memories", "error", err)
	}
}

// Len returns the number of agent/player pairs remembered.
func (s *Service) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.memories)
}
