package callback

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestRegisterAndFire(t *testing.T) {
	t.Parallel()

	r := New()
	var started, progress atomic.Int32
	var saved string

	if err := r.RegisterGeneral(EventStart, GeneralFunc(func() { started.Add(1) })); err != nil {
		t.Fatalf("RegisterGeneral: %v", err)
	}
	if err := r.RegisterString(EventSaved, StringFunc(func(s string) { saved = s })); err != nil {
		t.Fatalf("RegisterString: %v", err)
	}
	if err := r.RegisterInt(EventProgress, IntFunc(func(i int) { progress.Store(int32(i)) })); err != nil {
		t.Fatalf("RegisterInt: %v", err)
	}

	r.Fire(EventStart)
	r.FireString(EventSaved, "/tmp/out.mkv")
	r.FireInt(EventProgress, 42)

	if started.Load() != 1 {
		t.Errorf("start fired %d times, want 1", started.Load())
	}
	if saved != "/tmp/out.mkv" {
		t.Errorf("saved = %q, want /tmp/out.mkv", saved)
	}
	if progress.Load() != 42 {
		t.Errorf("progress = %d, want 42", progress.Load())
	}
}

func TestLastRegistrationWins(t *testing.T) {
	t.Parallel()

	r := New()
	var got string
	_ = r.RegisterString(EventError, StringFunc(func(string) { got = "first" }))
	_ = r.RegisterString(EventError, StringFunc(func(string) { got = "second" }))

	r.FireString(EventError, "boom")
	if got != "second" {
		t.Fatalf("handler = %q, want second", got)
	}
}

func TestShapeMismatch(t *testing.T) {
	t.Parallel()

	r := New()
	tests := []struct {
		name string
		err  error
	}{
		{"general on saved", r.RegisterGeneral(EventSaved, GeneralFunc(func() {}))},
		{"int on error", r.RegisterInt(EventError, IntFunc(func(int) {}))},
		{"string on progress", r.RegisterString(EventProgress, StringFunc(func(string) {}))},
		{"string on start", r.RegisterString(EventStart, StringFunc(func(string) {}))},
	}
	for _, tt := range tests {
		if !errors.Is(tt.err, ErrHandlerShape) {
			t.Errorf("%s: got %v, want ErrHandlerShape", tt.name, tt.err)
		}
	}

	if err := r.RegisterGeneral(Event(99), GeneralFunc(func() {})); !errors.Is(err, ErrUnknownEvent) {
		t.Errorf("unknown event: got %v, want ErrUnknownEvent", err)
	}
}

func TestFireWithoutHandler(t *testing.T) {
	t.Parallel()

	r := New()
	if r.Fire(EventStart) {
		t.Error("Fire with no binding reported a call")
	}
	if r.FireInt(EventProgress, 1) {
		t.Error("FireInt with no binding reported a call")
	}
}

func TestDisableIsOneWay(t *testing.T) {
	t.Parallel()

	r := New()
	var calls atomic.Int32
	_ = r.RegisterInt(EventProgress, IntFunc(func(int) { calls.Add(1) }))

	r.Disable()
	r.Disable()

	if r.FireInt(EventProgress, 10) {
		t.Error("FireInt after Disable reported a call")
	}
	if calls.Load() != 0 {
		t.Fatalf("handler ran %d times after Disable", calls.Load())
	}
	if err := r.RegisterInt(EventProgress, IntFunc(func(int) {})); !errors.Is(err, ErrTornDown) {
		t.Fatalf("register after Disable: got %v, want ErrTornDown", err)
	}
	if !r.Disabled() {
		t.Fatal("Disabled() = false after Disable")
	}
}

func TestDisableWaitsForInFlightHandler(t *testing.T) {
	t.Parallel()

	r := New()
	entered := make(chan struct{})
	release := make(chan struct{})
	var finished atomic.Bool
	_ = r.RegisterString(EventError, StringFunc(func(string) {
		close(entered)
		<-release
		finished.Store(true)
	}))

	go r.FireString(EventError, "slow")
	<-entered

	disabled := make(chan struct{})
	go func() {
		r.Disable()
		close(disabled)
	}()

	select {
	case <-disabled:
		t.Fatal("Disable returned while a handler was running")
	case <-time.After(20 * time.Millisecond):
	}
	close(release)
	<-disabled
	if !finished.Load() {
		t.Fatal("Disable returned before the in-flight handler finished")
	}
}

func TestConcurrentFireAndDisable(t *testing.T) {
	t.Parallel()

	r := New()
	var afterDisable atomic.Int32
	var disabled atomic.Bool
	_ = r.RegisterInt(EventProgress, IntFunc(func(int) {
		if disabled.Load() {
			afterDisable.Add(1)
		}
	}))

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				r.FireInt(EventProgress, i)
			}
		}()
	}
	time.Sleep(time.Millisecond)
	r.Disable()
	disabled.Store(true)
	wg.Wait()

	if n := afterDisable.Load(); n != 0 {
		t.Fatalf("%d handler calls observed after Disable returned", n)
	}
}
