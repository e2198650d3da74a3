package realtime

import (
	"drone-delivery-service/internal/ports"
	"encoding/json"
	"strings"
	"testing"
)

func TestNATSBridge_HandleSkipsOwnOrigin(t *testing.T) {
	h := NewHub(4)
	s := h.Subscribe()
	h.Join(s, "o1")

	b := &NATSBridge{hub: h, origin: "me"}

	own, _ := json.Marshal(ports.Envelope{ID: "a", OrderID: "o1", Origin: "me"})
	remote, _ := json.Marshal(ports.Envelope{ID: "b", OrderID: "o1", Origin: "other"})

	b.handle(own)
	b.handle(remote)
	b.handle([]byte("not json"))

	if got := len(s.Events()); got != 1 {
		t.Fatalf("delivered = %d, want 1", got)
	}
	if env := <-s.Events(); env.ID != "b" {
		t.Fatalf("delivered %s, want remote envelope", env.ID)
	}
}

func TestSubject(t *testing.T) {
	tests := []struct {
		id   string
		want string
	}{
		{"order-1001", "delivery.events.order-1001"},
		{"a_B-9", "delivery.events.a_B-9"},
		{"o.1", "delivery.events.o%2E1"},
		{"o*", "delivery.events.o%2A"},
		{">", "delivery.events.%3E"},
		{"a b", "delivery.events.a%20b"},
		{"50%", "delivery.events.50%25"},
		{"", "delivery.events.%00"},
	}
	for _, tt := range tests {
		got := Subject(tt.id)
		if got != tt.want {
			t.Errorf("Subject(%q) = %q, want %q", tt.id, got, tt.want)
		}
		if strings.Count(got, ".") != 2 || strings.ContainsAny(got[len(subjectPrefix):], "*> \t") {
			t.Errorf("Subject(%q) = %q is not a single token", tt.id, got)
		}
	}
}

func TestSubject_DistinctIDsStayDistinct(t *testing.T) {
	if Subject("o.1") == Subject("o%2E1") {
		t.Fatal("encoded subject collides with a literal percent sequence")
	}
}
