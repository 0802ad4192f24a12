package client

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/JineeshTS/GanakysPortal-sub008/internal/logger"
)

// NATSClient wraps a NATS connection with a JetStream context for publishing
// workflow events. Publishing goes through JetStream so consumers get
// at-least-once delivery and publishers can attach dedup message ids.
type NATSClient struct {
	conn *nats.Conn
	js   jetstream.JetStream
	log  *logger.Logger
}

// NewNATSClient connects to the given NATS URL. Reconnects are handled by the
// client library; a dropped connection buffers publishes until restored.
func NewNATSClient(url, serviceName string, log *logger.Logger) (*NATSClient, error) {
	conn, err := nats.Connect(url,
		nats.Name(serviceName),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", url, err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("creating JetStream context: %w", err)
	}

	log.Info().Str("url", conn.ConnectedUrl()).Msg("Connected to NATS")
	return &NATSClient{conn: conn, js: js, log: log}, nil
}

// Publish publishes a message to a JetStream subject.
func (c *NATSClient) Publish(ctx context.Context, subject string, data []byte) error {
	_, err := c.js.Publish(ctx, subject, data)
	return err
}

// PublishMsgID publishes with a Nats-Msg-Id header so JetStream deduplicates
// redelivery within the stream's dedup window.
func (c *NATSClient) PublishMsgID(ctx context.Context, subject string, data []byte, msgID string) error {
	_, err := c.js.Publish(ctx, subject, data, jetstream.WithMsgID(msgID))
	return err
}

// Close drains the connection, flushing buffered publishes.
func (c *NATSClient) Close() {
	if c.conn != nil {
		if err := c.conn.Drain(); err != nil {
			c.log.Warn().Err(err).Msg("NATS drain failed")
		}
	}
}
