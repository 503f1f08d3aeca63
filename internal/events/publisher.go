// Package events mirrors presence and channel lifecycle changes onto an
// AMQP exchange so other deployment nodes can react to them.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// Event types published by the relay.
const (
	TypeUserJoined     = "relay.user.joined"
	TypeUserLeft       = "relay.user.left"
	TypeChannelCreated = "relay.channel.created"
	TypeChannelDeleted = "relay.channel.deleted"
)

// Event is one presence or lifecycle change.
type Event struct {
	Type      string `json:"type"`
	ServerID  string `json:"serverId"`
	ChannelID string `json:"channelId,omitempty"`
	UserID    string `json:"userId,omitempty"`
	TimeUNIX  int64  `json:"timeUNIX"`
}

// Publisher forwards events to interested nodes.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// Noop drops all events, used when no broker is configured.
type Noop struct{}

func (Noop) Publish(context.Context, Event) error { return nil }
func (Noop) Close() error                         { return nil }

// AMQP publishes events to a topic exchange, keyed by event type.
type AMQP struct {
	conn     *amqp091.Connection
	exchange string
	serverID string
	log      *zerolog.Logger
}

// DialOptions configure the broker connection retry loop.
type DialOptions struct {
	URL           string
	Exchange      string
	RetryAttempts int
	RetryDelay    time.Duration
}

const maxDialBackoff = 60 * time.Second

// NewAMQP connects to the broker with exponential backoff and declares
// the exchange.
func NewAMQP(ctx context.Context, opts DialOptions, serverID string, logger *zerolog.Logger) (*AMQP, error) {
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = 5
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = time.Second
	}
	conn, err := dialWithRetry(ctx, opts, logger)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	defer ch.Close()
	if err := ch.ExchangeDeclare(opts.Exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, err
	}
	return &AMQP{conn: conn, exchange: opts.Exchange, serverID: serverID, log: logger}, nil
}

func dialWithRetry(ctx context.Context, opts DialOptions, logger *zerolog.Logger) (*amqp091.Connection, error) {
	var lastErr error
	for i := 1; i <= opts.RetryAttempts; i++ {
		conn, err := amqp091.Dial(opts.URL)
		if err == nil {
			if i > 1 {
				logger.Info().Int("attempt", i).Msg("broker connected")
			}
			return conn, nil
		}
		lastErr = err

		sleep := opts.RetryDelay * time.Duration(math.Pow(2, float64(i-1)))
		if sleep > maxDialBackoff {
			sleep = maxDialBackoff
		}
		logger.Warn().Err(err).Int("attempt", i).Dur("sleep", sleep).Msg("broker dial failed")

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, errors.New("dial cancelled: " + ctx.Err().Error())
		case <-timer.C:
		}
	}
	return nil, lastErr
}

// Publish implements Publisher.
func (a *AMQP) Publish(ctx context.Context, ev Event) error {
	ch, err := a.conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	if ev.ServerID == "" {
		ev.ServerID = a.serverID
	}
	if ev.TimeUNIX == 0 {
		ev.TimeUNIX = time.Now().UnixMilli()
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	err = ch.PublishWithContext(ctx, a.exchange, ev.Type, false, false, amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now(),
		Body:         body,
	})
	if err == nil {
		a.log.Debug().Str("type", ev.Type).Str("exchange", a.exchange).Msg("event published")
	}
	return err
}

// Close shuts the broker connection down.
func (a *AMQP) Close() error {
	return a.conn.Close()
}
