// Package transcript holds the chat log a client shows for its room.
package transcript

import (
	"strings"
	"sync"
	"time"

	"go-listen/internal/protocol"
)

// TimeFormat is how message times are stamped on the sending client.
const TimeFormat = "15:04"

const maxTextLength = 1000

// Emitter sends an event to the room.
type Emitter interface {
	Emit(msgType string, payload any)
}

// Transcript is an append-only, in-memory list of chat messages in the
// order this client saw them. Nothing is deduplicated or persisted.
type Transcript struct {
	author  protocol.MemberInfo
	emitter Emitter
	now     func() time.Time

	mu       sync.Mutex
	messages []protocol.ChatPayload
	subs     []chan protocol.ChatPayload
}

// New returns a transcript that stamps sent messages with author.
func New(author protocol.MemberInfo, emitter Emitter) *Transcript {
	return &Transcript{author: author, emitter: emitter, now: time.Now}
}

// SetEmitter replaces the room emitter.
func (t *Transcript) SetEmitter(e Emitter) {
	t.mu.Lock()
	t.emitter = e
	t.mu.Unlock()
}

// Send appends a message from the local user and emits it. Blank text is
// ignored.
func (t *Transcript) Send(text string) (protocol.ChatPayload, bool) {
	text = protocol.Sanitize(text, maxTextLength)
	if strings.TrimSpace(text) == "" {
		return protocol.ChatPayload{}, false
	}
	msg := protocol.ChatPayload{
		Author: t.author.Name,
		UserID: t.author.UserID,
		Avatar: t.author.Avatar,
		Text:   text,
		Time:   t.now().Format(TimeFormat),
	}

	t.mu.Lock()
	t.append(msg)
	emitter := t.emitter
	t.mu.Unlock()

	if emitter != nil {
		emitter.Emit(protocol.TypeChatMessage, msg)
	}
	return msg, true
}

// Receive appends a message from another member.
func (t *Transcript) Receive(msg protocol.ChatPayload) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.append(msg)
}

// Messages returns a copy of the transcript in insertion order.
func (t *Transcript) Messages() []protocol.ChatPayload {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]protocol.ChatPayload(nil), t.messages...)
}

func (t *Transcript) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.messages)
}

// Subscribe returns a channel of newly appended messages. Messages are
// dropped for a subscriber whose buffer is full; Messages stays complete.
func (t *Transcript) Subscribe(buffer int) <-chan protocol.ChatPayload {
	ch := make(chan protocol.ChatPayload, buffer)
	t.mu.Lock()
	t.subs = append(t.subs, ch)
	t.mu.Unlock()
	return ch
}

func (t *Transcript) append(msg protocol.ChatPayload) {
	t.messages = append(t.messages, msg)
	for _, ch := range t.subs {
		select {
		case ch <- msg:
		default:
		}
	}
}
