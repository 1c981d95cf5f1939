// Package history keeps the short per-channel message context the heuristics read.
package history

import (
	"context"
	"sync"

	"guildwarden/internal/model"
)

// Provider records inbound messages and answers "what was said recently here".
// Recent returns messages from all authors, most recent first.
type Provider interface {
	Record(ctx context.Context, msg model.Message) error
	Recent(ctx context.Context, channelID string, limit int) ([]model.Message, error)
}

// DefaultSize covers a six message context plus the message being evaluated.
const DefaultSize = 7

// Memory is a bounded ring per channel. The ring holds the current message as
// well, so it needs one slot more than the context a policy reads.
type Memory struct {
	mu       sync.Mutex
	size     int
	channels map[string][]model.Message
}

func NewMemory(size int) *Memory {
	if size <= 0 {
		size = DefaultSize
	}
	return &Memory{size: size, channels: make(map[string][]model.Message)}
}

func (m *Memory) Record(ctx context.Context, msg model.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	buf := m.channels[msg.ChannelID]
	buf = append([]model.Message{msg}, buf...)
	if len(buf) > m.size {
		buf = buf[:m.size]
	}
	m.channels[msg.ChannelID] = buf
	return nil
}

func (m *Memory) Recent(ctx context.Context, channelID string, limit int) ([]model.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	buf := m.channels[channelID]
	if limit <= 0 || limit > len(buf) {
		limit = len(buf)
	}
	out := make([]model.Message, limit)
	copy(out, buf[:limit])
	return out, nil
}
