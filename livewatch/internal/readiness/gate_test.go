package readiness

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type components struct{ id int }

func TestGate_OutOfOrderRegistration(t *testing.T) {
	g := New(func() (*components, error) { return &components{id: 7}, nil },
		[]string{"frames", "changes", "video"})

	g.Register("video")
	g.Register("frames")
	if g.State() != Pending {
		t.Fatalf("state = %s before last provider", g.State())
	}
	if m := g.Missing(); len(m) != 1 || m[0] != "changes" {
		t.Fatalf("missing = %v", m)
	}
	g.Register("changes")

	c, err := g.AwaitReady(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if c.id != 7 || g.State() != Ready {
		t.Fatalf("got %+v, state %s", c, g.State())
	}
}

func TestGate_ConcurrentCallersShareOneBind(t *testing.T) {
	var binds atomic.Int32
	g := New(func() (*components, error) {
		binds.Add(1)
		return &components{id: 1}, nil
	}, []string{"a", "b"}, WithTimeout(5*time.Second))

	const callers = 10
	var wg sync.WaitGroup
	results := make([]*components, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = g.AwaitReady(context.Background())
		}(i)
	}

	time.Sleep(20 * time.Millisecond)
	g.Register("a")
	g.Register("b")
	wg.Wait()

	if n := binds.Load(); n != 1 {
		t.Fatalf("bind ran %d times, want 1", n)
	}
	for i := range results {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if results[i] != results[0] {
			t.Fatalf("caller %d got a different instance", i)
		}
	}
}

func TestGate_TimeoutNamesMissingInOrder(t *testing.T) {
	g := New(func() (int, error) { return 1, nil },
		[]string{"frames", "changes", "video"}, WithTimeout(30*time.Millisecond))
	g.Register("changes")

	_, err := g.AwaitReady(context.Background())
	var ue *UnavailableError
	if !errors.As(err, &ue) {
		t.Fatalf("expected UnavailableError, got %v", err)
	}
	if strings.Join(ue.Missing, ",") != "frames,video" {
		t.Fatalf("missing = %v", ue.Missing)
	}
	if !strings.Contains(err.Error(), "failed to load: frames, video") {
		t.Fatalf("error text = %q", err.Error())
	}
	if ue.UserMessage() != "Failed to load: frames, video. Please refresh the page." {
		t.Fatalf("user message = %q", ue.UserMessage())
	}

	// Late providers do not revive a failed gate.
	g.Register("frames")
	g.Register("video")
	_, err2 := g.AwaitReady(context.Background())
	if err2 != err {
		t.Fatalf("failure not memoized: %v vs %v", err2, err)
	}
	if g.State() != Failed {
		t.Fatalf("state = %s", g.State())
	}
}

func TestGate_BindFailureIsTerminal(t *testing.T) {
	boom := errors.New("constructor exploded")
	var binds atomic.Int32
	g := New(func() (int, error) {
		binds.Add(1)
		return 0, boom
	}, []string{"a"})
	g.Register("a")

	for i := 0; i < 3; i++ {
		_, err := g.AwaitReady(context.Background())
		var be *BindError
		if !errors.As(err, &be) || !errors.Is(err, boom) {
			t.Fatalf("call %d: expected BindError wrapping boom, got %v", i, err)
		}
	}
	if binds.Load() != 1 {
		t.Fatalf("bind ran %d times", binds.Load())
	}
}

func TestGate_CallerContextDoesNotFailGate(t *testing.T) {
	g := New(func() (string, error) { return "ok", nil }, []string{"a"}, WithTimeout(time.Second))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := g.AwaitReady(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected caller deadline, got %v", err)
	}
	if g.State() != Pending {
		t.Fatalf("gate resolved by a caller's ctx: %s", g.State())
	}

	g.Register("a")
	v, err := g.AwaitReady(context.Background())
	if err != nil || v != "ok" {
		t.Fatalf("got %q, %v", v, err)
	}
}

func TestGate_NoRequiredProviders(t *testing.T) {
	g := New(func() (int, error) { return 42, nil }, nil)
	v, err := g.AwaitReady(context.Background())
	if err != nil || v != 42 {
		t.Fatalf("got %d, %v", v, err)
	}
}
