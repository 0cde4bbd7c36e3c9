package realtime

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/vtranscriptor/vtsync/internal/schema"
	"github.com/vtranscriptor/vtsync/internal/store"
)

// FeedConfig configures a Feed.
type FeedConfig struct {
	// Store receives the changes (required)
	Store *store.Store

	// Transport opens subscriptions (required)
	Transport Transport

	// OnEvent is called after each applied event (optional)
	OnEvent func(Event)

	// Logger (default: stderr with [realtime] prefix)
	Logger *log.Logger
}

// Feed keeps the local store current with one realtime topic at a time.
type Feed struct {
	store     *store.Store
	transport Transport
	logger    *log.Logger

	// lifecycle serializes Subscribe and Unsubscribe so at most one
	// stream is ever open.
	lifecycle sync.Mutex

	mu      sync.Mutex
	onEvent func(Event)
	active  *subscription
}

type subscription struct {
	topic  string
	stream Stream
	cancel context.CancelFunc
	done   chan struct{}
}

// NewFeed creates a feed.
func NewFeed(cfg FeedConfig) (*Feed, error) {
	if cfg.Store == nil || cfg.Transport == nil {
		return nil, fmt.Errorf("store and transport are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[realtime] ", log.LstdFlags)
	}
	return &Feed{
		store:     cfg.Store,
		transport: cfg.Transport,
		onEvent:   cfg.OnEvent,
		logger:    cfg.Logger,
	}, nil
}

// Subscribe opens topic, replacing any active subscription. Events are
// applied in the background until Unsubscribe, ctx is done, or the stream
// fails.
func (f *Feed) Subscribe(ctx context.Context, topic string) error {
	f.lifecycle.Lock()
	defer f.lifecycle.Unlock()

	f.unsubscribe()

	stream, err := f.transport.Open(ctx, topic)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{
		topic:  topic,
		stream: stream,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	f.mu.Lock()
	f.active = sub
	f.mu.Unlock()

	go f.run(runCtx, sub)
	f.logger.Printf("Subscribed to %s", topic)
	return nil
}

// Unsubscribe closes the active subscription, if any. It is safe to call
// repeatedly.
func (f *Feed) Unsubscribe() {
	f.lifecycle.Lock()
	defer f.lifecycle.Unlock()
	f.unsubscribe()
}

func (f *Feed) unsubscribe() {
	f.mu.Lock()
	sub := f.active
	f.active = nil
	f.mu.Unlock()

	if sub == nil {
		return
	}
	sub.cancel()
	_ = sub.stream.Close()
	<-sub.done
	f.logger.Printf("Unsubscribed from %s", sub.topic)
}

// SetOnEvent replaces the callback run after each applied event.
func (f *Feed) SetOnEvent(fn func(Event)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onEvent = fn
}

// Topic returns the active topic, or "".
func (f *Feed) Topic() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.active == nil {
		return ""
	}
	return f.active.topic
}

// Done returns a channel closed when the active subscription ends, or nil
// if there is none.
func (f *Feed) Done() <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.active == nil {
		return nil
	}
	return f.active.done
}

func (f *Feed) run(ctx context.Context, sub *subscription) {
	defer close(sub.done)

	for {
		ev, err := sub.stream.Recv(ctx)
		if err != nil {
			if ctx.Err() == nil {
				f.logger.Printf("Realtime stream for %s ended: %v", sub.topic, err)
			}
			f.mu.Lock()
			if f.active == sub {
				f.active = nil
			}
			f.mu.Unlock()
			return
		}

		if ev.Topic != sub.topic {
			continue
		}
		if err := f.Apply(ctx, ev); err != nil {
			f.logger.Printf("Failed to apply %s event: %v", ev.Type, err)
			continue
		}
		f.mu.Lock()
		fn := f.onEvent
		f.mu.Unlock()
		if fn != nil {
			fn(ev)
		}
	}
}

// Apply writes one event to the store. Inserts never overwrite an existing
// record, updates follow last-write-wins, and deletes are unconditional.
func (f *Feed) Apply(ctx context.Context, ev Event) error {
	if !ev.Table.IsValid() {
		return nil
	}

	switch ev.Type {
	case EventInsert:
		rec, err := schema.RowToRecord(ev.Table, ev.Row)
		if err != nil {
			return err
		}
		_, err = f.store.PutIfAbsent(ctx, rec)
		return err

	case EventUpdate:
		rec, err := schema.RowToRecord(ev.Table, ev.Row)
		if err != nil {
			return err
		}
		_, err = f.store.Merge(ctx, rec)
		return err

	case EventDelete:
		id := ev.Row.ID()
		if id == "" {
			return errors.New("delete event without id")
		}
		return f.store.Delete(ctx, ev.Table, id)
	}
	return nil
}
