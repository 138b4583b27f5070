// Package nats publishes domain events (document ingested, turn completed)
// to a NATS server.
package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	EventDocumentIngested = "document.ingested"
	EventTurnCompleted    = "turn.completed"
)

type Client struct {
	conn   *nats.Conn
	prefix string
	logger *slog.Logger
}

func NewClient(ctx context.Context, url, token, prefix string, logger *slog.Logger) (*Client, error) {
	opts := []nats.Option{
		nats.Name("rawrag"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(60),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("nats reconnected")
		}),
	}
	if token != "" {
		opts = append(opts, nats.Token(token))
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect failed: %w", err)
	}
	return &Client{conn: nc, prefix: prefix, logger: logger}, nil
}

// Publish sends data as JSON on the event's prefixed subject.
func (c *Client) Publish(event string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal event payload failed: %w", err)
	}
	if err := c.conn.Publish(Subject(c.prefix, event), payload); err != nil {
		return fmt.Errorf("publish %s failed: %w", event, err)
	}
	return nil
}

func (c *Client) Connected() bool {
	return c.conn.IsConnected()
}

func (c *Client) Close() {
	if err := c.conn.Drain(); err != nil {
		c.conn.Close()
	}
}

// Subject joins prefix and event with a dot, ignoring an empty prefix.
func Subject(prefix, event string) string {
	prefix = strings.Trim(prefix, ".")
	if prefix == "" {
		return event
	}
	return prefix + "." + event
}
