package history

import "time"

// Role values for a conversation turn.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Turn is a single utterance in an agent conversation.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Conversation is the transcript kept per thread key, plus the rolling summary
// produced by compaction.
type Conversation struct {
	ThreadKey         string
	TeamID            string
	Channel           string
	ThreadTS          string
	UserID            string
	Turns             []Turn
	Summary           string
	LastInteractionAt time.Time
}

// Clone returns a deep copy so callers and the cache never alias turn slices.
func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Turns = make([]Turn, len(c.Turns))
	copy(cp.Turns, c.Turns)
	return &cp
}
