package model

import (
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"
)

type ThreadID string

// NewThreadID generates a new unique ThreadID
func NewThreadID() ThreadID {
	return ThreadID(uuid.New().String())
}

// ThreadKey identifies a conversation thread of a user
type ThreadKey struct {
	UserID   UserID   `json:"user_id"`
	ThreadID ThreadID `json:"thread_id"`
}

func (x ThreadKey) String() string {
	return string(x.UserID) + "/" + string(x.ThreadID)
}

// keySegment is the form of an ID that is safe as an object path segment
// and a Redis key part
var keySegment = regexp.MustCompile(`^[A-Za-z0-9_.@-]{1,128}$`)

func validSegment(s string) bool {
	return keySegment.MatchString(s) && s != "." && s != ".."
}

// Validate rejects IDs that could escape their namespace in a storage key
func (x ThreadKey) Validate() error {
	if !validSegment(string(x.UserID)) {
		return goerr.New("invalid user ID", goerr.V("user_id", x.UserID))
	}
	if !validSegment(string(x.ThreadID)) {
		return goerr.New("invalid thread ID", goerr.V("thread_id", x.ThreadID))
	}
	return nil
}

// ConversationState is the state carried through one turn. Messages is
// append-only across turns, every other field is reset at the start of a turn.
type ConversationState struct {
	UserInput        string          `json:"user_input"`
	RewrittenQuery   string          `json:"rewritten_query"`
	QueryType        QueryType       `json:"query_type"`
	Messages         []Message       `json:"messages"`
	RelevantMemories []*ScoredMemory `json:"relevant_memories,omitempty"`
	ProductContext   string          `json:"product_context,omitempty"`
	Response         string          `json:"response"`
	MemoriesToSave   []*Memory       `json:"memories_to_save,omitempty"`
}

// Checkpoint is the persisted snapshot of a thread
type Checkpoint struct {
	Thread    ThreadKey         `json:"thread"`
	State     ConversationState `json:"state"`
	Recent    *History          `json:"recent"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// NewCheckpoint returns an empty checkpoint for a thread that has no turns yet
func NewCheckpoint(key ThreadKey) *Checkpoint {
	return &Checkpoint{
		Thread: key,
		Recent: NewHistory(RecentMessageLimit),
	}
}

// RecentHistory returns the ring buffer, rebuilding it from messages when the
// checkpoint was written without one
func (x *Checkpoint) RecentHistory() *History {
	if x.Recent == nil {
		x.Recent = NewHistory(RecentMessageLimit)
		x.Recent.Append(x.State.Messages...)
	}
	return x.Recent
}
