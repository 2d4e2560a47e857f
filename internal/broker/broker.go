package broker

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/lupppig/snsbus/internal/events"
)

// DefaultSubjectPrefix is prepended to the lowercased delivery status.
const DefaultSubjectPrefix = "snsbus.events"

type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
	Close() error
}

// Forwarder mirrors delivery events from the hub onto a broker so other
// processes can observe deliveries without polling the HTTP stream.
type Forwarder struct {
	hub    *events.Hub
	pub    Publisher
	prefix string
	buffer int
}

func NewForwarder(hub *events.Hub, pub Publisher, prefix string, buffer int) *Forwarder {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if buffer <= 0 {
		buffer = 256
	}
	return &Forwarder{hub: hub, pub: pub, prefix: prefix, buffer: buffer}
}

// Subject is where an event with the given status is published.
func (f *Forwarder) Subject(status events.DeliveryStatus) string {
	return f.prefix + "." + strings.ToLower(string(status))
}

// Run forwards events until ctx is done. Publish failures are logged and the
// event dropped. Events lost to a full feed are reported on exit.
func (f *Forwarder) Run(ctx context.Context) {
	feed := f.hub.Subscribe(events.Filter{}, f.buffer)
	defer f.hub.Unsubscribe(feed)

	for {
		select {
		case <-ctx.Done():
			if n := feed.Dropped(); n > 0 {
				slog.Warn("event forwarder fell behind", "code", "EVENT_FORWARD", "dropped", n)
			}
			return
		case ev, ok := <-feed.Events():
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if err := f.pub.Publish(ctx, f.Subject(ev.Status), data); err != nil && ctx.Err() == nil {
				slog.Warn("event forward failed", "code", "EVENT_FORWARD",
					"message_id", ev.MessageID, "status", ev.Status, "error", err)
			}
		}
	}
}
