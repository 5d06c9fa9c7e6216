package app

import "sync"

// Update is anything a background unit reports to the foreground loop:
// engine turn progress, windows.Event, daemon.Result,
// daemon.RecipesChanged, oauth.Event and the types in updates.go.
type Update = any

// Bus is the single channel background goroutines report on. Only the
// foreground loop receives from it.
type Bus struct {
	ch   chan Update
	done chan struct{}
	once sync.Once
}

func NewBus(size int) *Bus {
	if size <= 0 {
		size = 256
	}
	return &Bus{ch: make(chan Update, size), done: make(chan struct{})}
}

// Emit queues u. After Close it drops u instead of blocking.
func (b *Bus) Emit(u Update) {
	select {
	case <-b.done:
		return
	default:
	}
	select {
	case b.ch <- u:
	case <-b.done:
	}
}

func (b *Bus) C() <-chan Update {
	return b.ch
}

// Close unblocks pending and future emitters. The channel itself stays open.
func (b *Bus) Close() {
	b.once.Do(func() { close(b.done) })
}
