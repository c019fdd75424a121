package clientsession

import "testing"

func TestNextCommandSequenceIncrements(t *testing.T) {
	s := New(1)
	if got := s.NextCommandSequence(); got != 1 {
		t.Fatalf("first sequence = %d, want 1", got)
	}
	if got := s.NextCommandSequence(); got != 2 {
		t.Fatalf("second sequence = %d, want 2", got)
	}
	if got := s.LastCommandSequence(); got != 2 {
		t.Fatalf("LastCommandSequence() = %d, want 2", got)
	}
}

func TestObserveResponseIgnoresRegressions(t *testing.T) {
	s := New(1)
	s.ObserveResponse(5)
	s.ObserveResponse(3)
	if s.LastResponse() != 5 {
		t.Fatalf("LastResponse() = %d, want 5", s.LastResponse())
	}
}

func TestObserveIndexIsMonotone(t *testing.T) {
	s := New(1)
	s.ObserveIndex(10)
	s.ObserveIndex(9)
	s.ObserveIndex(20)
	if s.ResponseIndex() != 20 {
		t.Fatalf("ResponseIndex() = %d, want 20", s.ResponseIndex())
	}
}

func TestObserveEventIsMonotone(t *testing.T) {
	s := New(1)
	s.ObserveEvent(2)
	s.ObserveEvent(1)
	if s.EventIndex() != 2 {
		t.Fatalf("EventIndex() = %d, want 2", s.EventIndex())
	}
}
