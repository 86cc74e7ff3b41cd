// internal/bus/nats.go
package bus

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/tendant/simple-invoice-cropper/pkg/schema"
)

const DefaultSubjectPrefix = "invoice.jobs"

type Client struct{ nc *nats.Conn }

func Connect(url string) (*Client, error) {
	nc, err := nats.Connect(url,
		nats.Name("invoicectl"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
	)
	if err != nil {
		return nil, err
	}
	return &Client{nc: nc}, nil
}

func (c *Client) Close() {
	if c.nc != nil {
		_ = c.nc.Drain()
	}
}

func (c *Client) Conn() *nats.Conn { return c.nc }

func (c *Client) PublishJSON(subject string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.nc.Publish(subject, b)
}

func (c *Client) SubscribeJSON(subject string, handler func(ctx context.Context, data []byte)) (*nats.Subscription, error) {
	return c.nc.Subscribe(subject, func(msg *nats.Msg) {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		handler(ctx, msg.Data)
	})
}

// EventPublisher publishes job views on <prefix>.<status>.
type EventPublisher struct {
	client *Client
	prefix string
}

func NewEventPublisher(c *Client, prefix string) *EventPublisher {
	prefix = strings.Trim(prefix, ".")
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &EventPublisher{client: c, prefix: prefix}
}

// Subject returns the subject a view with the given status is published on.
func (p *EventPublisher) Subject(status string) string {
	return p.prefix + "." + strings.ToLower(status)
}

// Wildcard matches every job event under the prefix.
func (p *EventPublisher) Wildcard() string { return p.prefix + ".*" }

func (p *EventPublisher) PublishJob(ctx context.Context, evt schema.JobEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return p.client.PublishJSON(p.Subject(evt.Status), evt)
}

// SubscribeJobs decodes every job event under the prefix and hands it to fn.
// Undecodable messages are passed to onErr when it is set.
func (p *EventPublisher) SubscribeJobs(fn func(context.Context, schema.JobEvent), onErr func(error)) (*nats.Subscription, error) {
	return p.client.SubscribeJSON(p.Wildcard(), func(ctx context.Context, data []byte) {
		var evt schema.JobEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			if onErr != nil {
				onErr(err)
			}
			return
		}
		fn(ctx, evt)
	})
}
