package session

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestStateMachine(t *testing.T) {
	sc := New(true, nil)

	steps := []struct {
		name     string
		apply    func()
		want     State
		eligible bool
	}{
		{"initial", func() {}, StateGuest, false},
		{"online as guest", func() { sc.SetOnline(true) }, StateGuest, false},
		{"sign in while online", func() { sc.SignIn("u-1", "a@example.com") }, StateOnline, true},
		{"connection lost", func() { sc.SetOnline(false) }, StateOffline, false},
		{"connection back", func() { sc.SetOnline(true) }, StateOnline, true},
		{"sign out", func() { sc.SignOut() }, StateGuest, false},
		{"continue as guest", func() { sc.ContinueAsGuest() }, StateGuest, false},
	}

	for _, step := range steps {
		step.apply()
		if got := sc.State(); got != step.want {
			t.Errorf("%s: State() = %s, want %s", step.name, got, step.want)
		}
		if got := sc.IsSyncEligible(); got != step.eligible {
			t.Errorf("%s: IsSyncEligible() = %v, want %v", step.name, got, step.eligible)
		}
	}
}

func TestNotConfigured_NeverEligible(t *testing.T) {
	sc := New(false, nil)
	sc.SignIn("u-1", "")
	sc.SetOnline(true)

	if sc.IsSyncEligible() {
		t.Error("session without remote is eligible")
	}
	sc.SetConfigured(true)
	if !sc.IsSyncEligible() {
		t.Error("session not eligible after configuring remote")
	}
}

func TestSubscribe(t *testing.T) {
	sc := New(true, nil)
	ch, stop := sc.Subscribe()

	sc.SignIn("u-1", "")
	sc.SetOnline(true)
	sc.SetOnline(true) // no change, no event

	want := []Transition{
		{From: StateGuest, To: StateOffline, Principal: "u-1"},
		{From: StateOffline, To: StateOnline, Principal: "u-1"},
	}
	for i, w := range want {
		select {
		case got := <-ch:
			if got != w {
				t.Errorf("transition %d = %+v, want %+v", i, got, w)
			}
		case <-time.After(time.Second):
			t.Fatalf("transition %d not delivered", i)
		}
	}
	select {
	case extra := <-ch:
		t.Errorf("unexpected transition %+v", extra)
	default:
	}

	stop()
	stop()
	if _, ok := <-ch; ok {
		t.Error("channel still open after stop")
	}
}

func TestSubscribe_PrincipalSwitch(t *testing.T) {
	sc := New(true, nil)
	sc.SetOnline(true)
	sc.SignIn("u-1", "")

	ch, stop := sc.Subscribe()
	defer stop()

	sc.SignIn("u-2", "")
	select {
	case got := <-ch:
		if got.Principal != "u-2" || got.From != StateOnline || got.To != StateOnline {
			t.Errorf("transition = %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("principal switch not published")
	}
}

func TestSubscribe_SlowSubscriberSeesFinalState(t *testing.T) {
	sc := New(true, nil)
	sc.SignIn("u-1", "")
	ch, stop := sc.Subscribe()
	defer stop()

	// Flap well past the buffer without reading, ending online.
	for i := 0; i < subscriberBuffer*3; i++ {
		sc.SetOnline(true)
		sc.SetOnline(false)
	}
	sc.SetOnline(true)

	var got []Transition
	for {
		select {
		case tr := <-ch:
			got = append(got, tr)
			continue
		default:
		}
		break
	}

	if len(got) == 0 || len(got) > subscriberBuffer {
		t.Fatalf("received %d transitions, want 1..%d", len(got), subscriberBuffer)
	}
	if last := got[len(got)-1]; last.To != StateOnline || last.Principal != "u-1" {
		t.Errorf("last transition = %+v, want to %s", last, StateOnline)
	}
	if got[0].From != StateOffline {
		t.Errorf("first transition starts at %s, want %s", got[0].From, StateOffline)
	}
}

type fakePinger struct {
	fail  atomic.Bool
	calls atomic.Int32
}

func (f *fakePinger) Ping(ctx context.Context) error {
	f.calls.Add(1)
	if f.fail.Load() {
		return errors.New("unreachable")
	}
	return nil
}

func TestMonitor_Check(t *testing.T) {
	sc := New(true, nil)
	sc.SignIn("u-1", "")
	p := &fakePinger{}
	m := NewMonitor(sc, p, MonitorConfig{})

	if !m.Check(context.Background()) || sc.State() != StateOnline {
		t.Fatalf("after successful ping state = %s", sc.State())
	}
	p.fail.Store(true)
	if m.Check(context.Background()) || sc.State() != StateOffline {
		t.Fatalf("after failed ping state = %s", sc.State())
	}
}

func TestMonitor_Run(t *testing.T) {
	sc := New(true, nil)
	p := &fakePinger{}
	m := NewMonitor(sc, p, MonitorConfig{Interval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for p.calls.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	if err := <-done; err != nil {
		t.Errorf("Run() = %v", err)
	}
	if p.calls.Load() < 3 {
		t.Errorf("pinged %d times, want at least 3", p.calls.Load())
	}
	if !sc.IsOnline() {
		t.Error("session not marked online")
	}
}
