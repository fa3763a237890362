// Package chat holds the ordered message log shown to the visitor and the
// rules for merging inbound replies into it.
package chat

import (
	"sync"

	"github.com/omochice/chatwidget/pkg/protocol"
)

// Role identifies who authored a message in the log.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry in the log. A Placeholder is an assistant entry with
// no content yet, shown while a reply is awaited.
type Message struct {
	Role        Role
	Content     string
	Placeholder bool
}

// Log is an append-only sequence of messages with in-place placeholder
// replacement. It is safe for concurrent use.
//
// At most one placeholder exists at a time and it is always the last entry.
type Log struct {
	mu       sync.RWMutex
	messages []Message
}

// NewLog returns an empty Log.
func NewLog() *Log {
	return &Log{}
}

// AppendUser appends the visitor's text followed by a placeholder for the
// reply and returns the placeholder's index. While an earlier placeholder is
// still unfilled nothing is appended and ok is false.
func (l *Log) AppendUser(text string) (idx int, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if n := len(l.messages); n > 0 && l.messages[n-1].Placeholder {
		return -1, false
	}
	l.messages = append(l.messages,
		Message{Role: RoleUser, Content: text},
		Message{Role: RoleAssistant, Placeholder: true},
	)
	return len(l.messages) - 1, true
}

// ApplyInbound merges an inbound event. Only message.created events from a
// replying actor are accepted; everything else is ignored and ok is false.
// The first reply fills the trailing placeholder; later replies are appended.
// idx is the index of the entry that now holds the reply.
func (l *Log) ApplyInbound(ev protocol.Event) (idx int, ok bool) {
	if ev.Name != protocol.EventMessageCreated || !ev.Reply.ActorKind.IsReply() {
		return -1, false
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	msg := Message{Role: RoleAssistant, Content: ev.Reply.Content}
	if n := len(l.messages); n > 0 && l.messages[n-1].Placeholder {
		l.messages[n-1] = msg
		return n - 1, true
	}
	l.messages = append(l.messages, msg)
	return len(l.messages) - 1, true
}

// FailPending replaces the trailing placeholder with text, or appends text as
// an assistant message when there is none. It returns the affected index.
func (l *Log) FailPending(text string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	msg := Message{Role: RoleAssistant, Content: text}
	if n := len(l.messages); n > 0 && l.messages[n-1].Placeholder {
		l.messages[n-1] = msg
		return n - 1
	}
	l.messages = append(l.messages, msg)
	return len(l.messages) - 1
}

// HasPlaceholder reports whether a reply is still pending.
func (l *Log) HasPlaceholder() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	n := len(l.messages)
	return n > 0 && l.messages[n-1].Placeholder
}

// Messages returns a copy of the log.
func (l *Log) Messages() []Message {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Message, len(l.messages))
	copy(out, l.messages)
	return out
}

// Len returns the number of entries.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.messages)
}

// Clear empties the log.
func (l *Log) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = nil
}
