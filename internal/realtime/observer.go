package realtime

import (
	"context"
	"drone-delivery-service/internal/ports"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
)

const (
	maxReconnectDelay = 30 * time.Second
	defaultPoll       = 10 * time.Second
)

// Observer follows one order from the outside. Pushed envelopes and the
// periodic pull both feed the same Reducer, so the view converges even when
// the socket drops events or disconnects.
type Observer struct {
	BaseURL      string
	OrderID      string
	PollInterval time.Duration
	Reducer      *Reducer

	HTTP   *http.Client
	Dialer *websocket.Dialer
}

func NewObserver(baseURL, orderID string, poll time.Duration, r *Reducer) *Observer {
	if poll <= 0 {
		poll = defaultPoll
	}
	return &Observer{
		BaseURL:      strings.TrimRight(baseURL, "/"),
		OrderID:      orderID,
		PollInterval: poll,
		Reducer:      r,
		HTTP:         &http.Client{Timeout: 5 * time.Second},
		Dialer:       websocket.DefaultDialer,
	}
}

// Run blocks until ctx is done.
func (o *Observer) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return o.pushLoop(ctx) })
	g.Go(func() error { return o.pollLoop(ctx) })

	err := g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

func (o *Observer) pollLoop(ctx context.Context) error {
	ticker := time.NewTicker(o.PollInterval)
	defer ticker.Stop()

	for {
		if err := o.Poll(ctx); err != nil && ctx.Err() == nil {
			log.Printf("observer poll failed: order=%s err=%v", o.OrderID, err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Poll fetches the order once and reconciles the reducer with it.
func (o *Observer) Poll(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.BaseURL+"/orders/"+url.PathEscape(o.OrderID), nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := o.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("get order: status %d", resp.StatusCode)
	}

	var s Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		return fmt.Errorf("decode order: %w", err)
	}
	o.Reducer.ApplySnapshot(s)
	return nil
}

func (o *Observer) pushLoop(ctx context.Context) error {
	delay := time.Second
	for {
		err := o.stream(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Printf("observer socket closed: order=%s err=%v retry_in=%s", o.OrderID, err, delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		delay = min(delay*2, maxReconnectDelay)
	}
}

func (o *Observer) wsURL() (string, error) {
	u, err := url.Parse(o.BaseURL + "/ws")
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	return u.String(), nil
}

// stream holds one socket connection until it fails or ctx is done.
func (o *Observer) stream(ctx context.Context) error {
	target, err := o.wsURL()
	if err != nil {
		return fmt.Errorf("websocket url: %w", err)
	}

	conn, _, err := o.Dialer.DialContext(ctx, target, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			conn.Close()
		case <-done:
		}
	}()

	if err := conn.WriteJSON(ClientMessage{Type: MsgJoin, OrderID: o.OrderID}); err != nil {
		return fmt.Errorf("join: %w", err)
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var env ports.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Printf("observer decode failed: err=%v", err)
			continue
		}
		if string(env.Type) == ServerErrorType {
			log.Printf("observer server error: order=%s msg=%s", o.OrderID, data)
			continue
		}
		if _, _, err := o.Reducer.Apply(env); err != nil {
			log.Printf("observer apply failed: err=%v", err)
		}
	}
}
