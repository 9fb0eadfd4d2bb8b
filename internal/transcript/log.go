package transcript

import (
	"sync"
	"time"

	"github.com/ent0n29/webpilot/internal/broadcast"
)

// Message is one transcript entry. IDs increase monotonically within a
// transcript incarnation.
type Message struct {
	ID        int       `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

const welcomeText = "Browser agent ready. Submit a task to start driving the session."

// Log is the ordered conversation transcript shared by the HTTP layer,
// the controller, and the analyzer. Appends and edits are mirrored to
// the broadcaster.
type Log struct {
	mu          sync.Mutex
	messages    []Message
	nextID      int
	broadcaster *broadcast.Broadcaster
}

func NewLog(b *broadcast.Broadcaster) *Log {
	l := &Log{broadcaster: b}
	l.messages = l.seed()
	return l
}

func (l *Log) seed() []Message {
	l.nextID = 0
	return []Message{l.makeMessage("assistant", welcomeText)}
}

func (l *Log) makeMessage(role, content string) Message {
	m := Message{
		ID:        l.nextID,
		Role:      role,
		Content:   content,
		Timestamp: time.Now().UTC(),
	}
	l.nextID++
	return m
}

// Append records a new message and broadcasts it.
func (l *Log) Append(role, content string) Message {
	l.mu.Lock()
	m := l.makeMessage(role, content)
	l.messages = append(l.messages, m)
	l.mu.Unlock()

	if l.broadcaster != nil {
		l.broadcaster.PushMessage(m)
	}
	return m
}

// Update rewrites the content of an existing message in place and
// broadcasts the edit. Returns false when the ID is unknown.
func (l *Log) Update(id int, content string) (Message, bool) {
	l.mu.Lock()
	var updated Message
	found := false
	for i := range l.messages {
		if l.messages[i].ID == id {
			l.messages[i].Content = content
			updated = l.messages[i]
			found = true
			break
		}
	}
	l.mu.Unlock()

	if !found {
		return Message{}, false
	}
	if l.broadcaster != nil {
		l.broadcaster.PushUpdate(updated)
	}
	return updated, true
}

// Snapshot returns a copy of the transcript.
func (l *Log) Snapshot() []Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Message, len(l.messages))
	copy(out, l.messages)
	return out
}

// Len returns the number of messages.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.messages)
}

// Reset restores the seeded transcript, restarts the ID sequence, and
// tells listeners to clear their local state.
func (l *Log) Reset() []Message {
	l.mu.Lock()
	l.messages = l.seed()
	out := make([]Message, len(l.messages))
	copy(out, l.messages)
	l.mu.Unlock()

	if l.broadcaster != nil {
		l.broadcaster.PushReset()
	}
	return out
}
