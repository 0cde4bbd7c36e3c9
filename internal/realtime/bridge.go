package realtime

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/vtranscriptor/vtsync/internal/remote"
	"github.com/vtranscriptor/vtsync/internal/schema"
)

// Publisher accepts events for fan-out. *Hub satisfies it.
type Publisher interface {
	Publish(ev Event)
}

// Bridge converts remote change notifications into topic events.
type Bridge struct {
	pub    Publisher
	logger *log.Logger
}

// NewBridge creates a bridge publishing to pub.
//
// If logger is nil, a default logger writing to stderr is used.
func NewBridge(pub Publisher, logger *log.Logger) *Bridge {
	if logger == nil {
		logger = log.New(os.Stderr, "[bridge] ", log.LstdFlags)
	}
	return &Bridge{pub: pub, logger: logger}
}

// TopicFor returns the realtime topic for a change, or "" if the change is
// not streamed. Only comments are streamed, keyed by transcript.
func TopicFor(c remote.Change) string {
	if c.Table != schema.TableComments {
		return ""
	}
	parent, _ := c.Row["transcription_id"].(string)
	if parent == "" {
		return ""
	}
	return schema.CommentTopic(parent)
}

// OnChange publishes c if it belongs to a topic.
func (b *Bridge) OnChange(c remote.Change) {
	topic := TopicFor(c)
	if topic == "" {
		return
	}
	b.pub.Publish(Event{
		Type:      EventType(c.Type),
		Topic:     topic,
		Table:     c.Table,
		Row:       c.Row,
		Timestamp: time.Now(),
	})
}

// Run relays notifications from n until ctx is done or the listener fails.
func (b *Bridge) Run(ctx context.Context, n remote.Notifier) error {
	b.logger.Printf("Relaying remote changes")
	return n.Listen(ctx, b.OnChange)
}
