package audit

import (
	"testing"
	"time"
)

func TestNewEvent(t *testing.T) {
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	e := NewEvent(KindRateLimitDenied, "user:u1", "comments", "limit exceeded", at)
	if e.ID == "" {
		t.Error("event id not assigned")
	}
	if e.Kind != KindRateLimitDenied || e.ActorKey != "user:u1" || e.Bucket != "comments" {
		t.Errorf("unexpected event fields: %+v", e)
	}
	if !e.At.Equal(at) {
		t.Errorf("At = %v, want %v", e.At, at)
	}
}

func TestChannelSink_DeliversInOrder(t *testing.T) {
	s := NewChannelSink(8)
	at := time.Now()
	s.Emit(NewEvent(KindAnomalyWarning, "ip:aaaa", "votes", "first", at))
	s.Emit(NewEvent(KindAnomalyAction, "ip:aaaa", "votes", "second", at))

	got := <-s.Events()
	if got.Detail != "first" {
		t.Errorf("first event detail = %q", got.Detail)
	}
	got = <-s.Events()
	if got.Detail != "second" {
		t.Errorf("second event detail = %q", got.Detail)
	}
}

func TestChannelSink_FullBufferDropsWithoutBlocking(t *testing.T) {
	s := NewChannelSink(1)
	at := time.Now()
	s.Emit(NewEvent(KindBreakerRejection, "ip:aaaa", "", "kept", at))

	done := make(chan struct{})
	go func() {
		s.Emit(NewEvent(KindBreakerRejection, "ip:aaaa", "", "dropped", at))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Emit blocked on a full buffer")
	}

	if got := <-s.Events(); got.Detail != "kept" {
		t.Errorf("surviving event detail = %q, want %q", got.Detail, "kept")
	}
	select {
	case e := <-s.Events():
		t.Errorf("unexpected extra event: %+v", e)
	default:
	}
}

func TestChannelSink_DrainForwardsUntilClose(t *testing.T) {
	s := NewChannelSink(4)
	var rec recordingSink
	done := make(chan struct{})
	go func() {
		s.Drain(&rec)
		close(done)
	}()

	at := time.Now()
	s.Emit(NewEvent(KindChallengeRequired, "user:u1", "comments", "", at))
	s.Emit(NewEvent(KindChallengeRequired, "user:u2", "comments", "", at))
	s.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Drain did not return after Close")
	}
	if len(rec.events) != 2 {
		t.Fatalf("forwarded %d events, want 2", len(rec.events))
	}
}

type recordingSink struct {
	events []Event
}

func (r *recordingSink) Emit(e Event) { r.events = append(r.events, e) }
