package realtime

import (
	"context"
	"drone-delivery-service/internal/ports"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

const subjectPrefix = "delivery.events."

// Subject is the NATS subject carrying one order's envelopes. The order ID
// must stay a single token, so separators, wildcards and whitespace are
// percent-encoded.
func Subject(orderID string) string {
	var b strings.Builder
	b.WriteString(subjectPrefix)
	if orderID == "" {
		b.WriteString("%00")
	}
	for i := 0; i < len(orderID); i++ {
		c := orderID[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "%%%02X", c)
		}
	}
	return b.String()
}

// NATSBridge shares hub traffic between server instances. Each instance
// stamps its envelopes with its own origin and ignores them on the way back.
type NATSBridge struct {
	conn   *nats.Conn
	hub    *Hub
	origin string
	sub    *nats.Subscription
}

func NewNATSBridge(url string, hub *Hub) (*NATSBridge, error) {
	conn, err := nats.Connect(url, nats.Name("drone-delivery-service"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return &NATSBridge{conn: conn, hub: hub, origin: uuid.NewString()}, nil
}

// Start subscribes to every order subject and registers the bridge as a hub relay.
func (b *NATSBridge) Start() error {
	sub, err := b.conn.Subscribe(subjectPrefix+"*", func(msg *nats.Msg) {
		b.handle(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}
	b.sub = sub
	b.hub.AddRelay(b)

	log.Printf("nats bridge started: origin=%s", b.origin)
	return nil
}

// Relay publishes a locally originated envelope to the other instances.
func (b *NATSBridge) Relay(ctx context.Context, env ports.Envelope) error {
	if env.Origin != "" {
		return nil
	}
	env.Origin = b.origin

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("nats relay: marshal: %w", err)
	}
	if err := b.conn.Publish(Subject(env.OrderID), data); err != nil {
		return fmt.Errorf("nats relay order=%s: %w", env.OrderID, err)
	}
	return nil
}

func (b *NATSBridge) handle(data []byte) {
	var env ports.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Printf("nats bridge: decode failed: err=%v", err)
		return
	}
	if env.Origin == b.origin {
		return
	}
	b.hub.Deliver(env)
}

func (b *NATSBridge) Close() error {
	if b.sub != nil {
		if err := b.sub.Unsubscribe(); err != nil {
			log.Printf("nats bridge: unsubscribe failed: err=%v", err)
		}
	}
	return b.conn.Drain()
}
