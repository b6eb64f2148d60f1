// Package broker forwards lifecycle events to an AMQP exchange.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"correctord/internal/eventbus"
	"correctord/pkg/logx"

	amqp "github.com/rabbitmq/amqp091-go"
)

type Config struct {
	URL        string
	Exchange   string
	RoutingKey string // prefix; the event type is appended
}

// Message is the JSON body published per event.
type Message struct {
	Type string           `json:"type"`
	Time time.Time        `json:"time"`
	Data eventbus.Payload `json:"data"`
}

// Publisher is the part of an AMQP channel the relay uses.
type Publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

type Relay struct {
	pub      Publisher
	exchange string
	prefix   string
	log      logx.Logger
	closers  []func() error
}

// Dial connects, declares a durable topic exchange and returns a relay over it.
func Dial(cfg Config, log logx.Logger) (*Relay, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", cfg.Exchange, err)
	}
	r := NewRelay(ch, cfg.Exchange, cfg.RoutingKey, log)
	r.closers = []func() error{ch.Close, conn.Close}
	return r, nil
}

func NewRelay(pub Publisher, exchange, prefix string, log logx.Logger) *Relay {
	return &Relay{pub: pub, exchange: exchange, prefix: prefix, log: log}
}

// RoutingKey is prefix.type, or type alone without a prefix.
func (r *Relay) RoutingKey(eventType string) string {
	if r.prefix == "" {
		return eventType
	}
	return r.prefix + "." + eventType
}

func (r *Relay) Publish(ctx context.Context, e eventbus.Event) error {
	body, err := json.Marshal(Message{Type: e.Type, Time: e.Time.UTC(), Data: e.Data})
	if err != nil {
		return err
	}
	return r.pub.PublishWithContext(ctx, r.exchange, r.RoutingKey(e.Type), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    e.Time,
		Type:         e.Type,
		Body:         body,
	})
}

// Run forwards bus events until ctx is done. Publish failures are logged and dropped.
func (r *Relay) Run(ctx context.Context, bus eventbus.Bus) {
	ch, unsub := bus.Subscribe(256)
	defer unsub()
	throttle := logx.NewThrottle(30 * time.Second)
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := r.Publish(pctx, e)
			cancel()
			if err != nil && throttle.Allow("publish") {
				r.log.Warn("event relay publish failed", logx.String("type", e.Type), logx.Err(err))
			}
		}
	}
}

func (r *Relay) Close() error {
	var first error
	for _, c := range r.closers {
		if err := c(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
