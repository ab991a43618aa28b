package notify

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// Conn wraps a NATS connection with logging handlers.
type Conn struct {
	conn   *nats.Conn
	logger *slog.Logger
}

// NewConn connects to NATS with reconnection options. Telemetry is optional;
// callers should treat a connect failure as non-fatal.
func NewConn(cfg ConnConfig) (*Conn, error) {
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			cfg.Logger.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			cfg.Logger.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.URL, err)
	}

	cfg.Logger.Info("Connected to NATS", "url", cfg.URL)
	return &Conn{conn: conn, logger: cfg.Logger}, nil
}

// ConnConfig contains NATS connection settings
type ConnConfig struct {
	URL           string
	Name          string
	MaxReconnects int
	ReconnectWait time.Duration
	Logger        *slog.Logger
}

// IsConnected returns true if connected to NATS
func (c *Conn) IsConnected() bool {
	return c != nil && c.conn != nil && c.conn.IsConnected()
}

// Close drains and closes the connection. Safe on nil receiver.
func (c *Conn) Close() {
	if c == nil || c.conn == nil {
		return
	}
	c.conn.Close()
}

// Publisher publishes controller events to NATS as flat JSON. Designed to be
// optional: a nil Publisher is a no-op, and the controller runs fully
// without it.
type Publisher struct {
	conn       *Conn
	eventsSubj string
	linesSubj  string
	instanceID string
	logger     *slog.Logger
	publishRaw bool
}

// PublisherConfig contains configuration for Publisher
type PublisherConfig struct {
	Conn          *Conn
	SubjectPrefix string // e.g. "bifrost" -> bifrost.events.{instance}, bifrost.lines.{instance}
	InstanceID    string
	PublishLines  bool // also mirror raw device lines to the lines subject
	Logger        *slog.Logger
}

// NewPublisher creates a Publisher. Returns nil if the connection is nil
// (disabled mode).
func NewPublisher(cfg *PublisherConfig) *Publisher {
	if cfg == nil || cfg.Conn == nil {
		return nil
	}

	return &Publisher{
		conn:       cfg.Conn,
		eventsSubj: cfg.SubjectPrefix + ".events." + cfg.InstanceID,
		linesSubj:  cfg.SubjectPrefix + ".lines." + cfg.InstanceID,
		instanceID: cfg.InstanceID,
		logger:     cfg.Logger,
		publishRaw: cfg.PublishLines,
	}
}

// Handle is a dispatcher Callback that mirrors events to NATS. Safe on nil
// receiver, so wiring it unconditionally is fine.
func (p *Publisher) Handle(event Event) {
	if p == nil || !p.conn.IsConnected() {
		return
	}

	if event.InstanceID == "" {
		event.InstanceID = p.instanceID
	}

	subject := p.eventsSubj
	if event.Type == EventLine {
		if !p.publishRaw {
			return
		}
		subject = p.linesSubj
	}

	data, err := json.Marshal(event)
	if err != nil {
		p.logger.Error("Failed to marshal event", "error", err, "type", event.Type)
		return
	}

	if err := p.conn.conn.Publish(subject, data); err != nil {
		p.logger.Warn("Failed to publish event", "error", err, "type", event.Type)
	}
}
