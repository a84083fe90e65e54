package sequencer

import (
	"context"
	"sync/atomic"
)

// Memory is a process-local sequence starting at 1.
type Memory struct {
	name string
	last atomic.Int64
}

// NewMemory returns a memory sequencer whose first value is 1.
func NewMemory(name string) *Memory {
	return &Memory{name: name}
}

func (m *Memory) Name() string { return m.name }

func (m *Memory) Next(ctx context.Context) (int64, error) {
	return m.last.Add(1), nil
}

func init() {
	Register("memory", Constructor{
		Plain: func(name string) (Sequencer, error) {
			return NewMemory(name), nil
		},
	})
}
