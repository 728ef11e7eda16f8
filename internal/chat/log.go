// Package chat keeps the bounded chat log and presence count of a stream.
package chat

import (
	"sync"

	"broadcaster/native/internal/domain"
)

const (
	// DefaultHistory is the capacity of the log in visible windows.
	DefaultHistory = 4
	// DefaultWindow is the visible height used when none is configured.
	DefaultWindow = 20
)

type logEntry struct {
	msg    domain.ChatMessage
	height int
}

// Log is a bounded, ordered chat log with a scroll viewport. Heights are in
// arbitrary rendering units; by default every message is one unit tall.
type Log struct {
	window  int
	history int
	measure func(domain.ChatMessage) int

	mu      sync.Mutex
	entries []logEntry
	height  int
	offset  int
}

type LogOption func(*Log)

// WithHistory sets the capacity as a multiple of the visible window.
func WithHistory(multiple int) LogOption {
	return func(l *Log) {
		if multiple > 0 {
			l.history = multiple
		}
	}
}

// WithMeasure sets the rendered height of a message.
func WithMeasure(fn func(domain.ChatMessage) int) LogOption {
	return func(l *Log) {
		if fn != nil {
			l.measure = fn
		}
	}
}

func NewLog(window int, opts ...LogOption) *Log {
	if window <= 0 {
		window = 1
	}
	l := &Log{
		window:  window,
		history: DefaultHistory,
		measure: func(domain.ChatMessage) int { return 1 },
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Append adds msg and evicts the oldest entry once the log is over
// capacity. Messages without a nickname or body are dropped.
func (l *Log) Append(msg domain.ChatMessage) bool {
	if msg.Validate() != nil {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	atBottom := l.atBottomLocked()
	h := l.measure(msg)
	l.entries = append(l.entries, logEntry{msg: msg, height: h})
	l.height += h

	if l.height > l.history*l.window {
		evicted := l.entries[0]
		l.entries[0] = logEntry{}
		l.entries = l.entries[1:]
		l.height -= evicted.height
		if !atBottom {
			l.offset = max(0, l.offset-evicted.height)
		}
	}

	if atBottom {
		l.offset = l.maxOffsetLocked()
	}
	return true
}

// Delete replaces the body of message id with the moderation notice.
func (l *Log) Delete(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.entries {
		if l.entries[i].msg.ID == id {
			l.entries[i].msg.Body = domain.ModeratedBody
			l.entries[i].msg.Deleted = true
			return true
		}
	}
	return false
}

// Messages returns a copy of the log, oldest first.
func (l *Log) Messages() []domain.ChatMessage {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]domain.ChatMessage, len(l.entries))
	for i, e := range l.entries {
		out[i] = e.msg
	}
	return out
}

func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Height is the total rendered height of the log.
func (l *Log) Height() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.height
}

// ScrollTo moves the viewport, clamped to the content.
func (l *Log) ScrollTo(offset int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.offset = min(max(0, offset), l.maxOffsetLocked())
}

func (l *Log) Offset() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.offset
}

// AtBottom reports whether the viewport shows the newest message.
func (l *Log) AtBottom() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.atBottomLocked()
}

func (l *Log) atBottomLocked() bool {
	return l.offset >= l.maxOffsetLocked()
}

func (l *Log) maxOffsetLocked() int {
	return max(0, l.height-l.window)
}
