package events

import (
	"context"
	"fmt"
	"sync"
)

type memoryBus struct {
	mu   sync.RWMutex
	subs map[int]func(Event)
	next int
}

// NewMemoryBus delivers events synchronously within one process.
func NewMemoryBus() Bus {
	return &memoryBus{subs: make(map[int]func(Event))}
}

func (b *memoryBus) Publish(_ context.Context, ev Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, fn := range b.subs {
		fn(ev)
	}
	return nil
}

func (b *memoryBus) StartForwarder(ctx context.Context, onEvent func(ev Event)) error {
	if onEvent == nil {
		return fmt.Errorf("onEvent callback required")
	}
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = onEvent
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}()
	return nil
}

func (b *memoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = make(map[int]func(Event))
	return nil
}
