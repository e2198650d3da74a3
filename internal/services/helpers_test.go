package services

import (
	"context"
	"drone-delivery-service/internal/domain"
	"drone-delivery-service/internal/ports"
	"encoding/json"
	"sync"
	"testing"
	"time"
)

var (
	restaurant = domain.Coordinates{Lat: 10.80, Lon: 106.70}
	customer   = domain.Coordinates{Lat: 10.82, Lon: 106.63}
	droneHome  = domain.Coordinates{Lat: 10.795, Lon: 106.71}
)

type recordingPublisher struct {
	mu   sync.Mutex
	envs []ports.Envelope
}

func (p *recordingPublisher) Publish(ctx context.Context, env ports.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.envs = append(p.envs, env)
	return nil
}

func (p *recordingPublisher) ofType(t ports.EventType) []ports.Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []ports.Envelope
	for _, e := range p.envs {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// statuses returns the status sequence carried by status-changed events.
func (p *recordingPublisher) statuses(t *testing.T) []domain.Status {
	t.Helper()
	var out []domain.Status
	for _, e := range p.ofType(ports.EventStatusChanged) {
		var sc ports.StatusChanged
		if err := json.Unmarshal(e.Payload, &sc); err != nil {
			t.Fatalf("decode status change: %v", err)
		}
		out = append(out, sc.Status)
	}
	return out
}

type recordingRefunds struct {
	mu     sync.Mutex
	got    []domain.RefundDescriptor
	ctxErr []error
}

func (r *recordingRefunds) RequestRefund(ctx context.Context, refund domain.RefundDescriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, refund)
	r.ctxErr = append(r.ctxErr, ctx.Err())
	return ctx.Err()
}

func (r *recordingRefunds) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

func eventually(t *testing.T, timeout time.Duration, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func equalStatuses(a, b []domain.Status) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
