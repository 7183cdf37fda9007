package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/livewatch/check"
	"github.com/hazyhaar/livewatch/connectivity"
	"github.com/hazyhaar/livewatch/dbopen"
	"github.com/hazyhaar/livewatch/idgen"
	"github.com/hazyhaar/livewatch/observability"
)

type recorder struct {
	mu         sync.Mutex
	statuses   []string
	narrations []check.Narration
	completes  []check.Completion
	completeCh chan check.Completion
}

func newRecorder() *recorder { return &recorder{completeCh: make(chan check.Completion, 16)} }

func (r *recorder) Narrate(_ context.Context, n check.Narration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.narrations = append(r.narrations, n)
	return nil
}

func (r *recorder) Status(_ context.Context, u check.StatusUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, u.Text)
	return nil
}

func (r *recorder) Complete(_ context.Context, c check.Completion) error {
	r.mu.Lock()
	r.completes = append(r.completes, c)
	r.mu.Unlock()
	r.completeCh <- c
	return nil
}

func (r *recorder) statusList() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.statuses...)
}

// fakeAgent plays the document side of one tab on the router.
type fakeAgent struct {
	mu       sync.Mutex
	inits    int
	stops    int
	initErr  string
	result   check.Result
	checkErr error
	block    chan struct{}
	entered  chan struct{}
}

func (a *fakeAgent) register(router *connectivity.Router, tabID string) {
	router.RegisterLocal(check.Service(tabID, check.OpInit), func(ctx context.Context, _ []byte) ([]byte, error) {
		a.mu.Lock()
		a.inits++
		msg := a.initErr
		a.mu.Unlock()
		return json.Marshal(check.Reply{Success: msg == "", Error: msg})
	})
	router.RegisterLocal(check.Service(tabID, check.OpStop), func(ctx context.Context, _ []byte) ([]byte, error) {
		a.mu.Lock()
		a.stops++
		a.mu.Unlock()
		return json.Marshal(check.Reply{Success: true})
	})
	router.RegisterLocal(check.Service(tabID, check.OpCheck), func(ctx context.Context, _ []byte) ([]byte, error) {
		a.mu.Lock()
		block, entered, res, cerr := a.block, a.entered, a.result, a.checkErr
		a.mu.Unlock()
		if entered != nil {
			close(entered)
		}
		if block != nil {
			<-block
		}
		if cerr != nil {
			return json.Marshal(check.Reply{Success: false, Error: cerr.Error()})
		}
		if res == nil {
			res = check.NoChange{}
		}
		data, _ := check.Marshal(res)
		router.CallJSON(ctx, check.ServiceComplete, check.Completion{CheckID: "chk_1", TabID: tabID, Result: res}, nil)
		return json.Marshal(check.Reply{Success: true, Result: data})
	})
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newScheduler(t *testing.T, delay time.Duration) (*Scheduler, *connectivity.Router, *recorder) {
	t.Helper()
	router := connectivity.New(connectivity.WithLogger(quiet()))
	rec := newRecorder()
	s := New(router, rec, Config{InitialDelay: delay, IDs: idgen.Sequence("trg_"), Logger: quiet()})
	t.Cleanup(func() { s.Close() })
	return s, router, rec
}

func slowConfig() check.SessionConfig {
	cfg := check.DefaultSessionConfig()
	cfg.IntervalMs = 60_000
	cfg.SpeechRate = 1.5
	return cfg
}

func TestFriendlyError(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"", UnknownErrorMessage},
		{"Could not establish connection. Receiving end does not exist.", rules[0].message},
		{"connectivity: service not routable: tab/t1/init", rules[0].message},
		{"Failed to load: frames, video. Please refresh the page.", rules[1].message},
		{"FrameProcessor is not defined", rules[2].message},
		{"context deadline exceeded", rules[5].message},
		{"Could not connect to description service. Is it running?", rules[6].message},
		{"something odd", "something odd"},
	}
	for _, tt := range tests {
		if got := FriendlyError(tt.raw); got != tt.want {
			t.Errorf("FriendlyError(%q) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}

func TestStart_FirstCheckNarrates(t *testing.T) {
	s, router, rec := newScheduler(t, 10*time.Millisecond)
	agent := &fakeAgent{result: &check.Page{Summary: "1 new elements added", Narration: "Page update: 1 new elements added"}}
	agent.register(router, "t1")

	sess, err := s.Start(context.Background(), "t1", slowConfig())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if sess.TriggerID != "trg_1" {
		t.Fatalf("trigger = %q", sess.TriggerID)
	}

	select {
	case c := <-rec.completeCh:
		if c.Result.Kind() != check.KindPage {
			t.Fatalf("completion kind = %s", c.Result.Kind())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no completion after initial delay")
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		st := rec.statusList()
		if len(st) > 0 && st[len(st)-1] == StatusActive {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("statuses = %v", st)
		}
		time.Sleep(5 * time.Millisecond)
	}
	want := []string{StatusStarted, StatusChecking, StatusComplete, StatusActive}
	if got := rec.statusList(); strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("statuses = %v, want %v", got, want)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.narrations) != 1 || rec.narrations[0].Rate != 1.5 || rec.narrations[0].Text != "Page update: 1 new elements added" {
		t.Fatalf("narrations = %+v", rec.narrations)
	}
}

func TestStart_FailureDropsSession(t *testing.T) {
	s, router, rec := newScheduler(t, time.Hour)
	agent := &fakeAgent{initErr: "Failed to load: video. Please refresh the page."}
	agent.register(router, "t1")

	_, err := s.Start(context.Background(), "t1", slowConfig())
	var se *StartError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want *StartError", err)
	}
	if se.Message != rules[1].message || !strings.Contains(se.Raw, "Failed to load") {
		t.Fatalf("start error = %+v", se)
	}
	if _, ok := s.Status("t1"); ok {
		t.Fatal("session kept after failed start")
	}
	if st := rec.statusList(); len(st) != 1 || !strings.HasPrefix(st[0], "Error: ") {
		t.Fatalf("statuses = %v", st)
	}
}

func TestStart_NoDocument(t *testing.T) {
	s, _, _ := newScheduler(t, time.Hour)
	_, err := s.Start(context.Background(), "ghost", slowConfig())
	var se *StartError
	if !errors.As(err, &se) || se.Message != rules[0].message {
		t.Fatalf("err = %v", err)
	}
}

func TestStart_OneSessionPerTab(t *testing.T) {
	router := connectivity.New(connectivity.WithLogger(quiet()))
	rec := newRecorder()
	events := observability.NewEventLogger(dbopen.OpenMemory(t, dbopen.WithSchema(observability.Schema)))
	s := New(router, rec, Config{InitialDelay: time.Hour, IDs: idgen.Sequence("trg_"), Events: events, Logger: quiet()})
	t.Cleanup(func() { s.Close() })
	agent := &fakeAgent{}
	agent.register(router, "t1")
	ctx := context.Background()

	s.Start(ctx, "t1", slowConfig())
	second, err := s.Start(ctx, "t1", slowConfig())
	if err != nil {
		t.Fatal(err)
	}
	sessions := s.Sessions()
	if len(sessions) != 1 || sessions[0].TriggerID != second.TriggerID || second.TriggerID != "trg_2" {
		t.Fatalf("sessions = %+v", sessions)
	}
	if agent.inits != 2 || agent.stops != 0 {
		t.Fatalf("inits = %d stops = %d", agent.inits, agent.stops)
	}

	want := []string{StatusStarted, StatusStopped, StatusStarted}
	if got := rec.statusList(); strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("statuses = %v, want %v", got, want)
	}
	evs, err := events.Recent(ctx, "t1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(evs) != 3 || evs[1].Action != observability.ActionStopped || evs[1].SessionID != "trg_1" {
		t.Fatalf("events = %+v", evs)
	}
}

func TestCheck_DeliveryFailureStopsSession(t *testing.T) {
	s, router, rec := newScheduler(t, time.Hour)
	(&fakeAgent{}).register(router, "t1")
	ctx := context.Background()
	if _, err := s.Start(ctx, "t1", slowConfig()); err != nil {
		t.Fatal(err)
	}

	router.UnregisterPrefix(check.ServicePrefix("t1"))
	_, err := s.CheckNow(ctx, "t1")
	if !connectivity.IsDeliveryFailure(err) {
		t.Fatalf("err = %v, want delivery failure", err)
	}
	if _, ok := s.Status("t1"); ok {
		t.Fatal("session survived delivery failure")
	}
	st := rec.statusList()
	if st[len(st)-1] != StatusStopped {
		t.Fatalf("statuses = %v", st)
	}
}

func TestCheck_OtherFailureKeepsSession(t *testing.T) {
	s, router, rec := newScheduler(t, time.Hour)
	agent := &fakeAgent{checkErr: errors.New("boom")}
	agent.register(router, "t1")
	ctx := context.Background()
	s.Start(ctx, "t1", slowConfig())

	if _, err := s.CheckNow(ctx, "t1"); err == nil {
		t.Fatal("expected error")
	}
	if _, ok := s.Status("t1"); !ok {
		t.Fatal("session dropped on a non-delivery failure")
	}
	st := rec.statusList()
	if st[len(st)-1] != "Error: boom" {
		t.Fatalf("statuses = %v", st)
	}
}

func TestCheckNow_SkipsWhileRunning(t *testing.T) {
	s, router, _ := newScheduler(t, time.Hour)
	agent := &fakeAgent{block: make(chan struct{}), entered: make(chan struct{})}
	agent.register(router, "t1")
	ctx := context.Background()
	s.Start(ctx, "t1", slowConfig())

	done := make(chan error, 1)
	go func() {
		_, err := s.CheckNow(ctx, "t1")
		done <- err
	}()
	<-agent.entered

	if _, err := s.CheckNow(ctx, "t1"); !errors.Is(err, ErrCheckRunning) {
		t.Fatalf("err = %v, want ErrCheckRunning", err)
	}
	close(agent.block)
	if err := <-done; err != nil {
		t.Fatalf("first check: %v", err)
	}
	if st, _ := s.Status("t1"); st.Checks != 1 || st.LastResult != check.KindNoChange {
		t.Fatalf("session = %+v", st)
	}
}

func TestStop_MissingSessionIsNoop(t *testing.T) {
	s, _, rec := newScheduler(t, time.Hour)
	if s.Stop("nobody") {
		t.Fatal("Stop reported a session")
	}
	s.TabClosed("nobody")
	s.TabNavigated("nobody")
	if st := rec.statusList(); len(st) != 0 {
		t.Fatalf("statuses = %v", st)
	}
	if _, err := s.CheckNow(context.Background(), "nobody"); !errors.Is(err, ErrNotMonitoring) {
		t.Fatalf("err = %v", err)
	}
}

func TestFire_StaleSessionIsNoop(t *testing.T) {
	s, router, _ := newScheduler(t, time.Hour)
	agent := &fakeAgent{entered: make(chan struct{})}
	agent.register(router, "t1")
	sess, err := s.Start(context.Background(), "t1", slowConfig())
	if err != nil {
		t.Fatal(err)
	}

	s.mu.Lock()
	stale := s.sessions[sess.TabID]
	s.mu.Unlock()
	s.TabNavigated("t1")

	s.fire(context.Background(), stale)
	select {
	case <-agent.entered:
		t.Fatal("check sent for a stopped session")
	default:
	}
	if agent.stops != 1 {
		t.Fatalf("stop deliveries = %d", agent.stops)
	}
}
