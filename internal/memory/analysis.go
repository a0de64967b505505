package memory

import (
	"fmt"
	"strings"
)

var (
	positiveWords = []string{"good", "great", "excellent", "wonderful", "amazing", "love", "like", "enjoy", "happy", "pleased"}
	negativeWords = []string{"bad", "terrible", "awful", "hate", "dislike", "angry", "upset", "disappointed", "frustrated"}
)

// topicKeywords is ordered so extracted topics come out in a stable order.
var topicKeywords = []struct {
	topic    string
	keywords []string
}{
	{"combat", []string{"fight", "battle", "war", "sword", "weapon", "armor", "enemy"}},
	{"magic", []string{"spell", "magic", "wizard", "enchant", "potion", "ritual"}},
	{"trade", []string{"buy", "sell", "gold", "coin", "merchant", "trade", "price"}},
	{"politics", []string{"empire", "king", "lord", "noble", "law", "rule", "govern"}},
	{"religion", []string{"sigmar", "god", "pray", "temple", "priest", "faith", "blessing"}},
	{"travel", []string{"journey", "road", "travel", "destination", "map", "path"}},
	{"rumors", []string{"rumor", "gossip", "news", "heard", "whisper", "story"}},
}

func countContained(s string, words []string) int {
	n := 0
	for _, w := range words {
		if strings.Contains(s, w) {
			n++
		}
	}
	return n
}

// AnalyzeSentiment compares substring hits against small word lists.
func AnalyzeSentiment(message string) Sentiment {
	lower := strings.ToLower(message)
	pos := countContained(lower, positiveWords)
	neg := countContained(lower, negativeWords)
	switch {
	case pos > neg:
		return SentimentPositive
	case neg > pos:
		return SentimentNegative
	default:
		return SentimentNeutral
	}
}

// ExtractTopics returns every topic with at least one keyword in message.
func ExtractTopics(message string) []string {
	lower := strings.ToLower(message)
	topics := []string{}
	for _, tk := range topicKeywords {
		if countContained(lower, tk.keywords) > 0 {
			topics = append(topics, tk.topic)
		}
	}
	return topics
}

func nextRelationship(score int, s Sentiment) int {
	switch s {
	case SentimentPositive:
		return min(relationshipLimit, score+relationshipStep)
	case SentimentNegative:
		return max(-relationshipLimit, score-relationshipStep)
	}
	// neutral exchanges drift one point toward zero
	switch {
	case score > 0:
		return score - 1
	case score < 0:
		return score + 1
	}
	return 0
}

func topicDelta(s Sentiment) int {
	switch s {
	case SentimentPositive:
		return 2
	case SentimentNegative:
		return -1
	}
	return 0
}

func styleFor(score int) Style {
	switch {
	case score > 50:
		return StyleFriendly
	case score < -50:
		return StyleHostile
	case score > 20:
		return StyleNeutral
	default:
		return StyleFormal
	}
}

// RelationshipDescription maps a score to words for the prompt.
func RelationshipDescription(score int) string {
	switch {
	case score > 75:
		return "very friendly"
	case score > 50:
		return "friendly"
	case score > 25:
		return "cordial"
	case score > -25:
		return "neutral"
	case score > -50:
		return "unfriendly"
	case score > -75:
		return "hostile"
	default:
		return "very hostile"
	}
}

// StyleDescription maps a style to words for the prompt.
func StyleDescription(s Style) string {
	switch s {
	case StyleFriendly:
		return "warm and welcoming"
	case StyleFormal:
		return "polite but distant"
	case StyleHostile:
		return "cold and suspicious"
	default:
		return "neutral and professional"
	}
}

// Context renders what the agent remembers as prompt text.
func (s *Service) Context(agentID, playerID string) string {
	m := s.Memory(agentID, playerID)
	if len(m.Interactions) == 0 {
		return "This is your first conversation with the player."
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Relationship with player: %s (score: %d)\n", RelationshipDescription(m.RelationshipScore), m.RelationshipScore)
	fmt.Fprintf(&b, "Your conversation style with them: %s\n", StyleDescription(m.ConversationStyle))

	if n := len(m.PersonalityNotes); n > 0 {
		notes := m.PersonalityNotes[max(0, n-3):]
		fmt.Fprintf(&b, "Notes about the player: %s\n", strings.Join(notes, ", "))
	}

	recent := m.Interactions[max(0, len(m.Interactions)-5):]
	b.WriteString("\nRecent conversation history:\n")
	for i, in := range recent {
		fmt.Fprintf(&b, "%d. Player: %q\n", i+1, in.PlayerMessage)
		fmt.Fprintf(&b, "   You: %q\n", in.AgentResponse)
	}
	return b.String()
}
