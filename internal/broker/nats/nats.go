package nats

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	StreamName    = "SNSBUS_EVENTS"
	DefaultMaxAge = 24 * time.Hour
)

type Options struct {
	URL    string
	Prefix string
	// MaxAge bounds how long delivery events are retained in the stream.
	MaxAge time.Duration
}

// Publisher appends delivery events to a limits-retention JetStream stream
// capturing every subject under the prefix.
type Publisher struct {
	conn *nats.Conn
	js   jetstream.JetStream
}

func New(ctx context.Context, opts Options) (*Publisher, error) {
	if opts.MaxAge <= 0 {
		opts.MaxAge = DefaultMaxAge
	}
	conn, err := nats.Connect(opts.URL, nats.Name("snsbus-events"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}
	if _, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      StreamName,
		Subjects:  []string{opts.Prefix + ".>"},
		Retention: jetstream.LimitsPolicy,
		MaxAge:    opts.MaxAge,
		Storage:   jetstream.FileStorage,
	}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ensure stream %s: %w", StreamName, err)
	}
	return &Publisher{conn: conn, js: js}, nil
}

func (p *Publisher) Publish(ctx context.Context, subject string, data []byte) error {
	if _, err := p.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Close flushes pending publishes before closing the connection.
func (p *Publisher) Close() error {
	err := p.conn.Drain()
	if err != nil {
		p.conn.Close()
	}
	return err
}
