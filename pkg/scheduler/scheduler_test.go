package scheduler

import "testing"

func TestAdvanceFiresInOrder(t *testing.T) {
	s := New()
	var fired []int

	s.Schedule(30, func() { fired = append(fired, 30) })
	s.Schedule(10, func() { fired = append(fired, 10) })
	s.Schedule(20, func() { fired = append(fired, 20) })

	s.Advance(25)

	want := []int{10, 20}
	if len(fired) != len(want) {
		t.Fatalf("fired = %v, want %v", fired, want)
	}
	for i := range want {
		if fired[i] != want[i] {
			t.Fatalf("fired = %v, want %v", fired, want)
		}
	}
	if s.Pending() != 1 {
		t.Fatalf("Pending() = %d, want 1", s.Pending())
	}
}

func TestAdvanceTiesByInsertionOrder(t *testing.T) {
	s := New()
	var fired []int

	s.Schedule(10, func() { fired = append(fired, 1) })
	s.Schedule(10, func() { fired = append(fired, 2) })
	s.Schedule(10, func() { fired = append(fired, 3) })

	s.Advance(10)

	want := []int{1, 2, 3}
	for i := range want {
		if fired[i] != want[i] {
			t.Fatalf("fired = %v, want %v", fired, want)
		}
	}
}

func TestAdvanceNeverGoesBackward(t *testing.T) {
	s := New()
	s.Advance(100)
	s.Advance(50)
	if s.Now() != 100 {
		t.Fatalf("Now() = %d, want 100", s.Now())
	}
}

func TestScheduleDuringAdvanceFiresBeforeReturn(t *testing.T) {
	s := New()
	var fired []string

	s.Schedule(10, func() {
		fired = append(fired, "first")
		// Already-due work scheduled from within a callback must fire
		// before Advance returns.
		s.Schedule(10, func() { fired = append(fired, "nested") })
	})

	s.Advance(10)

	want := []string{"first", "nested"}
	if len(fired) != len(want) || fired[0] != want[0] || fired[1] != want[1] {
		t.Fatalf("fired = %v, want %v", fired, want)
	}
}

func TestCancelPreventsFiring(t *testing.T) {
	s := New()
	fired := false
	h := s.Schedule(10, func() { fired = true })
	h.Cancel()
	s.Advance(10)
	if fired {
		t.Fatal("cancelled callback fired")
	}
}
