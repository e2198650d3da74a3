package services

import (
	"drone-delivery-service/internal/domain"
	"errors"
	"math"
	"sync"
	"testing"
	"time"
)

func TestFlightProgressAt(t *testing.T) {
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	f, err := NewFlight([]domain.Coordinates{restaurant, customer}, 10*time.Minute, start)
	if err != nil {
		t.Fatalf("NewFlight: %v", err)
	}

	p := f.ProgressAt(start.Add(-time.Minute))
	if p.Percent != 0 || p.Position != restaurant {
		t.Fatalf("before start: %+v", p)
	}

	p = f.ProgressAt(start.Add(5 * time.Minute))
	if math.Abs(p.Percent-50) > 0.01 || math.Abs(p.ETAMinutes-5) > 1e-9 || p.Done {
		t.Fatalf("halfway: %+v", p)
	}

	p = f.ProgressAt(start.Add(11 * time.Minute))
	if p.Percent != 100 || p.Position != customer || !p.Done || p.RemainingKm != 0 {
		t.Fatalf("after end: %+v", p)
	}
}

func TestNewFlightValidation(t *testing.T) {
	if _, err := NewFlight(nil, time.Minute, time.Now()); err == nil {
		t.Fatal("expected error for empty path")
	}
	if _, err := NewFlight([]domain.Coordinates{restaurant, customer}, -time.Second, time.Now()); err == nil {
		t.Fatal("expected error for negative duration")
	}
}

type tickRecorder struct {
	mu       sync.Mutex
	percents []float64
	done     int
	doneCh   chan struct{}
	// failFirst makes the first n completion calls fail.
	failFirst int
}

func newTickRecorder() *tickRecorder { return &tickRecorder{doneCh: make(chan struct{}, 4)} }

func (r *tickRecorder) onTick(p Progress) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.percents = append(r.percents, p.Percent)
}

func (r *tickRecorder) onDone(p Progress) error {
	r.mu.Lock()
	r.done++
	fail := r.done <= r.failFirst
	r.mu.Unlock()
	if fail {
		return errors.New("db: connection reset")
	}
	r.doneCh <- struct{}{}
	return nil
}

func (r *tickRecorder) snapshot() ([]float64, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]float64(nil), r.percents...), r.done
}

func TestEngine_MonotonicAndCompletes(t *testing.T) {
	e := NewRouteProgressEngine(2 * time.Millisecond)
	rec := newTickRecorder()

	f, _ := NewFlight([]domain.Coordinates{restaurant, {Lat: 10.81, Lon: 106.69}, customer}, 40*time.Millisecond, time.Time{})
	e.Start("o1", f, rec.onTick, rec.onDone)

	select {
	case <-rec.doneCh:
	case <-time.After(2 * time.Second):
		t.Fatal("flight never completed")
	}

	percents, done := rec.snapshot()
	if done != 1 {
		t.Fatalf("onDone calls = %d, want 1", done)
	}
	for i := 1; i < len(percents); i++ {
		if percents[i] < percents[i-1] {
			t.Fatalf("percent decreased at tick %d: %v", i, percents)
		}
	}
	if last := percents[len(percents)-1]; last != 100 {
		t.Fatalf("final percent = %v, want 100", last)
	}

	eventually(t, time.Second, func() bool { return !e.Running("o1") }, "loop release")
}

func TestEngine_StopSuppressesDone(t *testing.T) {
	e := NewRouteProgressEngine(2 * time.Millisecond)
	rec := newTickRecorder()

	f, _ := NewFlight([]domain.Coordinates{restaurant, customer}, time.Hour, time.Time{})
	e.Start("o1", f, rec.onTick, rec.onDone)
	if !e.Running("o1") {
		t.Fatal("loop not running after Start")
	}

	e.Stop("o1")
	e.Stop("o1")
	if e.Running("o1") {
		t.Fatal("loop still registered after Stop")
	}

	time.Sleep(20 * time.Millisecond)
	if _, done := rec.snapshot(); done != 0 {
		t.Fatalf("onDone ran %d times after Stop", done)
	}
}

func TestEngine_StartReplacesLoop(t *testing.T) {
	e := NewRouteProgressEngine(2 * time.Millisecond)
	first, second := newTickRecorder(), newTickRecorder()

	slow, _ := NewFlight([]domain.Coordinates{restaurant, customer}, time.Hour, time.Time{})
	e.Start("o1", slow, first.onTick, first.onDone)

	if err := e.StartReturn("o1", customer, droneHome, 10*time.Millisecond, second.onTick, second.onDone); err != nil {
		t.Fatalf("StartReturn: %v", err)
	}

	select {
	case <-second.doneCh:
	case <-time.After(2 * time.Second):
		t.Fatal("return leg never completed")
	}
	if _, done := first.snapshot(); done != 0 {
		t.Fatal("replaced loop reported completion")
	}
}

func TestEngine_DegeneratePathCompletesImmediately(t *testing.T) {
	e := NewRouteProgressEngine(time.Hour)
	rec := newTickRecorder()

	f, _ := NewFlight([]domain.Coordinates{droneHome, droneHome}, time.Hour, time.Time{})
	e.Start("o1", f, rec.onTick, rec.onDone)

	select {
	case <-rec.doneCh:
	case <-time.After(time.Second):
		t.Fatal("degenerate flight did not complete on the first tick")
	}
	if percents, _ := rec.snapshot(); len(percents) != 1 || percents[0] != 100 {
		t.Fatalf("percents = %v, want [100]", percents)
	}
}

func TestEngine_FailedCompletionRetriesOnNextTick(t *testing.T) {
	e := NewRouteProgressEngine(2 * time.Millisecond)
	rec := newTickRecorder()
	rec.failFirst = 2

	f, _ := NewFlight([]domain.Coordinates{restaurant, customer}, 0, time.Time{})
	e.Start("o1", f, rec.onTick, rec.onDone)

	select {
	case <-rec.doneCh:
	case <-time.After(2 * time.Second):
		t.Fatal("completion was never retried")
	}

	percents, done := rec.snapshot()
	if done != 3 {
		t.Fatalf("onDone calls = %d, want 3", done)
	}
	if len(percents) != 1 {
		t.Fatalf("final sample ticked %d times, want 1", len(percents))
	}
	eventually(t, time.Second, func() bool { return !e.Running("o1") }, "loop release")
}
