package model

import (
	"encoding/json"
	"strings"

	"github.com/m-mizutani/goerr/v2"
)

// RecentMessageLimit is the capacity of the window used for query rewriting
// (three exchanges)
const RecentMessageLimit = 6

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	Role Role   `json:"role"`
	Text string `json:"text"`
}

// History is a fixed-capacity ring buffer of messages. When full, appending
// drops the oldest message.
type History struct {
	buf   []Message
	start int
	size  int
}

// NewHistory creates an empty History holding at most capacity messages
func NewHistory(capacity int) *History {
	if capacity < 1 {
		capacity = 1
	}
	return &History{buf: make([]Message, capacity)}
}

func (x *History) Cap() int { return len(x.buf) }
func (x *History) Len() int { return x.size }

// Append pushes messages in order
func (x *History) Append(msgs ...Message) {
	for _, m := range msgs {
		if x.size < len(x.buf) {
			x.buf[(x.start+x.size)%len(x.buf)] = m
			x.size++
			continue
		}
		x.buf[x.start] = m
		x.start = (x.start + 1) % len(x.buf)
	}
}

// Messages returns the buffered messages from oldest to newest
func (x *History) Messages() []Message {
	out := make([]Message, 0, x.size)
	for i := 0; i < x.size; i++ {
		out = append(out, x.buf[(x.start+i)%len(x.buf)])
	}
	return out
}

// Transcript renders the buffer as "USER: ..." / "ASSISTANT: ..." lines
func (x *History) Transcript() string {
	var lines []string
	for _, m := range x.Messages() {
		lines = append(lines, strings.ToUpper(string(m.Role))+": "+m.Text)
	}
	return strings.Join(lines, "\n")
}

type historyJSON struct {
	Capacity int       `json:"capacity"`
	Messages []Message `json:"messages"`
}

func (x *History) MarshalJSON() ([]byte, error) {
	return json.Marshal(historyJSON{Capacity: x.Cap(), Messages: x.Messages()})
}

func (x *History) UnmarshalJSON(data []byte) error {
	var v historyJSON
	if err := json.Unmarshal(data, &v); err != nil {
		return goerr.Wrap(err, "failed to unmarshal history")
	}
	if v.Capacity < 1 {
		v.Capacity = RecentMessageLimit
	}
	*x = *NewHistory(v.Capacity)
	x.Append(v.Messages...)
	return nil
}
