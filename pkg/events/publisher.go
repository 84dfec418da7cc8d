// Package events fans committed venue events out over NATS.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/luxfi/log"
	"github.com/nats-io/nats.go"

	"github.com/luxfi/klp/pkg/chain"
)

// SubjectPrefix is prepended to every event topic.
const SubjectPrefix = "klp."

// Conn is the part of *nats.Conn the publisher uses.
type Conn interface {
	Publish(subj string, data []byte) error
	Flush() error
	Close()
}

// Publisher is a chain.Sink publishing each event as JSON on klp.<topic>.
type Publisher struct {
	conn    Conn
	logger  log.Logger
	observe func(error)
}

// Connect dials url and keeps reconnecting for the life of the process.
func Connect(url, name string, logger log.Logger) (*Publisher, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.Timeout(5*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("NATS reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	return NewPublisher(nc, logger), nil
}

func NewPublisher(conn Conn, logger log.Logger) *Publisher {
	return &Publisher{conn: conn, logger: logger}
}

// OnPublish registers fn to be told the outcome of every publish.
func (p *Publisher) OnPublish(fn func(error)) { p.observe = fn }

// Subject maps an event topic to its NATS subject.
func Subject(topic string) string { return SubjectPrefix + topic }

// Deliver publishes events in order. Failures are logged and do not stop the
// remaining events.
func (p *Publisher) Deliver(events []chain.Event) {
	for _, ev := range events {
		err := p.publish(ev)
		if err != nil {
			p.logger.Warn("Failed to publish event", "topic", ev.Topic, "seq", ev.Seq, "error", err)
		}
		if p.observe != nil {
			p.observe(err)
		}
	}
}

func (p *Publisher) publish(ev chain.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return p.conn.Publish(Subject(ev.Topic), data)
}

// Close flushes buffered messages and closes the connection.
func (p *Publisher) Close() {
	if err := p.conn.Flush(); err != nil {
		p.logger.Warn("Failed to flush NATS", "error", err)
	}
	p.conn.Close()
}
