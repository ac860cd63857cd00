package automation

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/jakopako/ami/internal/script"
	"github.com/jakopako/ami/internal/types"
)

var testContext = DocumentContext{Path: "/docs/a.html", Root: "site"}

type fakeRemote struct {
	mu       sync.Mutex
	state    State
	loadErr  error
	doErr    error
	loads    int
	requests []types.AutomationRequest
}

func (r *fakeRemote) Load(_ context.Context, _ DocumentContext) (State, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loads++
	if r.loadErr != nil {
		return State{}, r.loadErr
	}
	return r.state.Clone(), nil
}

func (r *fakeRemote) Do(_ context.Context, req types.AutomationRequest) (State, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, req)
	if r.doErr != nil {
		return State{}, r.doErr
	}
	return r.state.Clone(), nil
}

func (r *fakeRemote) actions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, req := range r.requests {
		out = append(out, req.Action)
	}
	return out
}

// fixedClock always returns the same instant.
func fixedClock() time.Time { return time.UnixMilli(1_700_000_000_000) }

func newTestManager(t *testing.T, remote Remote, cache Cache) *Manager {
	t.Helper()
	m := NewManager(ManagerOptions{Remote: remote, Cache: cache, Now: fixedClock})
	if err := m.SetContext(context.Background(), testContext); err != nil {
		t.Fatalf("got unexpected error: %v", err)
	}
	return m
}

func TestStampsAreStrictlyIncreasing(t *testing.T) {
	m := newTestManager(t, nil, nil)
	ctx := context.Background()
	var last time.Time
	for i := 0; i < 5; i++ {
		tr, err := m.CreateTrigger(ctx, Trigger{Selector: "#save"})
		if err != nil {
			t.Fatalf("got unexpected error: %v", err)
		}
		if !tr.UpdatedAt.After(last) {
			t.Fatalf("expected stamp after %v but got %v", last, tr.UpdatedAt)
		}
		last = tr.UpdatedAt
		upd, err := m.UpdateTrigger(ctx, tr)
		if err != nil {
			t.Fatalf("got unexpected error: %v", err)
		}
		if !upd.UpdatedAt.After(last) {
			t.Fatalf("expected update stamp after %v but got %v", last, upd.UpdatedAt)
		}
		if !upd.CreatedAt.Equal(tr.CreatedAt) {
			t.Fatalf("expected creation time %v to be kept but got %v", tr.CreatedAt, upd.CreatedAt)
		}
		last = upd.UpdatedAt
	}
}

func TestCreateTriggerDefaults(t *testing.T) {
	m := newTestManager(t, nil, nil)
	tr, err := m.CreateTrigger(context.Background(), Trigger{ID: "t1", Selector: "#save", Enabled: true})
	if err != nil {
		t.Fatalf("got unexpected error: %v", err)
	}
	want := Trigger{
		ID:            "t1",
		Name:          "t1",
		Selector:      "#save",
		EventType:     DefaultEventType,
		TargetCode:    script.NoopTarget,
		ConditionCode: script.NoopCondition,
		ActionCode:    script.NoopAction,
		Enabled:       true,
		Scenario:      DefaultScenario,
		Type:          TypeDOM,
		CreatedAt:     tr.CreatedAt,
		UpdatedAt:     tr.UpdatedAt,
	}
	if diff := cmp.Diff(want, tr); diff != "" {
		t.Fatalf("trigger mismatch (-want +got):\n%s", diff)
	}
	if _, err := m.CreateTrigger(context.Background(), Trigger{ID: "t1", Selector: "#x"}); !errors.Is(err, ErrExists) {
		t.Fatalf("expected ErrExists but got %v", err)
	}
	if _, err := m.CreateTrigger(context.Background(), Trigger{ID: "t2"}); !errors.Is(err, ErrInvalidTrigger) {
		t.Fatalf("expected ErrInvalidTrigger but got %v", err)
	}
}

func TestMutationsWithoutContext(t *testing.T) {
	m := NewManager(ManagerOptions{})
	ctx := context.Background()
	if _, err := m.CreateTrigger(ctx, Trigger{Selector: "#a"}); !errors.Is(err, ErrNoContext) {
		t.Fatalf("expected ErrNoContext but got %v", err)
	}
	if err := m.RemoveTrigger(ctx, "x"); !errors.Is(err, ErrNoContext) {
		t.Fatalf("expected ErrNoContext but got %v", err)
	}
	if _, err := m.CreateScenario(ctx, "Checkout"); !errors.Is(err, ErrNoContext) {
		t.Fatalf("expected ErrNoContext but got %v", err)
	}
	if err := m.Reload(ctx); !errors.Is(err, ErrNoContext) {
		t.Fatalf("expected ErrNoContext but got %v", err)
	}
}

func TestNotFound(t *testing.T) {
	m := newTestManager(t, nil, nil)
	ctx := context.Background()
	if _, err := m.UpdateTrigger(ctx, Trigger{ID: "nope", Selector: "#a"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound but got %v", err)
	}
	if err := m.RemoveTrigger(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound but got %v", err)
	}
	if err := m.SetActiveScenario(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound but got %v", err)
	}
	if err := m.DeleteScenario(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound but got %v", err)
	}
	if _, err := m.CreateTrigger(ctx, Trigger{Selector: "#a", Scenario: "nope"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound but got %v", err)
	}
}

func TestPendingEnabledIsFlushedOnContext(t *testing.T) {
	remote := &fakeRemote{state: State{}.ensureDefault()}
	m := NewManager(ManagerOptions{Remote: remote})
	ctx := context.Background()
	if err := m.SetEnabled(ctx, true); err != nil {
		t.Fatalf("got unexpected error: %v", err)
	}
	if !m.Enabled() {
		t.Fatalf("expected the flag to apply in memory right away")
	}
	if len(remote.actions()) != 0 {
		t.Fatalf("expected nothing to be sent without a context, got %v", remote.actions())
	}
	if err := m.SetContext(ctx, testContext); err != nil {
		t.Fatalf("got unexpected error: %v", err)
	}
	if diff := cmp.Diff([]string{types.ActionSetConfig}, remote.actions()); diff != "" {
		t.Fatalf("actions mismatch (-want +got):\n%s", diff)
	}
	if !m.Enabled() {
		t.Fatalf("expected the queued flag to survive the reload")
	}
	req := remote.requests[0]
	if req.Enabled == nil || !*req.Enabled || req.Path != testContext.Path || req.Root != testContext.Root {
		t.Fatalf("unexpected set-config request %+v", req)
	}
}

func TestRemoteFailureKeepsLocalState(t *testing.T) {
	remote := &fakeRemote{state: State{}.ensureDefault()}
	cache := NewMemoryCache()
	m := newTestManager(t, remote, cache)
	remote.doErr = errors.New("connection refused")

	var got []State
	cancel := m.Subscribe(func(s State) { got = append(got, s) })
	defer cancel()

	tr, err := m.CreateTrigger(context.Background(), Trigger{ID: "a", Selector: "#save", Enabled: true})
	if err != nil {
		t.Fatalf("remote failures must not surface, got %v", err)
	}
	if _, ok := m.State().Trigger(tr.ID); !ok {
		t.Fatalf("expected the trigger to stay in memory")
	}
	if len(got) != 1 {
		t.Fatalf("expected one notification but got %d", len(got))
	}

	b, ok, _ := cache.Get(AutomationKey(DefaultKey))
	if !ok {
		t.Fatalf("expected a cached snapshot")
	}
	var cs cachedSnapshot
	if err := json.Unmarshal(b, &cs); err != nil {
		t.Fatalf("got unexpected error: %v", err)
	}
	if cs.Context != testContext || len(cs.Snapshot.Scenarios) != 1 || len(cs.Snapshot.Scenarios[0].Triggers) != 1 {
		t.Fatalf("unexpected cached snapshot %+v", cs)
	}
}

func TestReloadFailureKeepsCachedState(t *testing.T) {
	cache := NewMemoryCache()
	m := newTestManager(t, nil, cache)
	if _, err := m.CreateTrigger(context.Background(), Trigger{ID: "a", Selector: "#save"}); err != nil {
		t.Fatalf("got unexpected error: %v", err)
	}

	remote := &fakeRemote{loadErr: errors.New("offline")}
	m2 := NewManager(ManagerOptions{Remote: remote, Cache: cache})
	if err := m2.SetContext(context.Background(), testContext); err == nil {
		t.Fatalf("expected the load error to be returned")
	}
	if _, ok := m2.State().Trigger("a"); !ok {
		t.Fatalf("expected the cached trigger to be used")
	}

	other := NewManager(ManagerOptions{Cache: cache})
	if err := other.SetContext(context.Background(), DocumentContext{Path: "/other.html", Root: "site"}); err != nil {
		t.Fatalf("got unexpected error: %v", err)
	}
	if _, ok := other.State().Trigger("a"); ok {
		t.Fatalf("expected the snapshot of another document to be ignored")
	}
}

func TestReloadAdoptsRemoteState(t *testing.T) {
	remote := &fakeRemote{state: State{
		Enabled:        true,
		ActiveScenario: "checkout",
		Scenarios: []Scenario{{Slug: "checkout", Name: "Checkout", Triggers: []Trigger{
			{ID: "r", Selector: "#pay", Type: TypeDOM, EventType: "click", Scenario: "checkout", UpdatedAt: time.UnixMilli(1_800_000_000_000)},
		}}},
	}}
	m := newTestManager(t, remote, nil)
	s := m.State()
	if !s.Enabled || s.ActiveScenario != "checkout" {
		t.Fatalf("unexpected state %+v", s)
	}
	// stamps keep increasing past what the remote handed out
	tr, err := m.CreateTrigger(context.Background(), Trigger{Selector: "#x"})
	if err != nil {
		t.Fatalf("got unexpected error: %v", err)
	}
	if tr.UpdatedAt.UnixMilli() <= 1_800_000_000_000 {
		t.Fatalf("expected a stamp after the remote ones but got %d", tr.UpdatedAt.UnixMilli())
	}
	if tr.Scenario != "checkout" {
		t.Fatalf("expected the trigger to land in the active scenario but got %q", tr.Scenario)
	}
}

func TestScenarios(t *testing.T) {
	remote := &fakeRemote{state: State{}.ensureDefault()}
	m := newTestManager(t, remote, nil)
	ctx := context.Background()

	sc, err := m.CreateScenario(ctx, "Checkout Flow!")
	if err != nil {
		t.Fatalf("got unexpected error: %v", err)
	}
	if sc.Slug != "checkout-flow" {
		t.Fatalf("expected slug checkout-flow but got %q", sc.Slug)
	}
	if _, err := m.CreateScenario(ctx, "checkout flow"); !errors.Is(err, ErrExists) {
		t.Fatalf("expected ErrExists but got %v", err)
	}
	if err := m.SetActiveScenario(ctx, sc.Slug); err != nil {
		t.Fatalf("got unexpected error: %v", err)
	}
	tr, err := m.CreateTrigger(ctx, Trigger{Selector: "#pay"})
	if err != nil {
		t.Fatalf("got unexpected error: %v", err)
	}
	if got := m.State().Triggers(); len(got) != 1 || got[0].ID != tr.ID {
		t.Fatalf("expected the new trigger in the active scenario, got %+v", got)
	}

	// moving a trigger to another scenario
	tr.Scenario = DefaultScenario
	if _, err := m.UpdateTrigger(ctx, tr); err != nil {
		t.Fatalf("got unexpected error: %v", err)
	}
	if got := m.State().Triggers(); len(got) != 0 {
		t.Fatalf("expected the trigger to leave the active scenario, got %+v", got)
	}

	if err := m.DeleteScenario(ctx, sc.Slug); err != nil {
		t.Fatalf("got unexpected error: %v", err)
	}
	if got := m.ActiveScenario(); got != DefaultScenario {
		t.Fatalf("expected %q to become active but got %q", DefaultScenario, got)
	}
	want := []string{
		types.ActionCreateScenario,
		types.ActionSetActiveScenario,
		types.ActionSaveTrigger,
		types.ActionSaveTrigger,
		types.ActionDeleteScenario,
	}
	if diff := cmp.Diff(want, remote.actions()); diff != "" {
		t.Fatalf("actions mismatch (-want +got):\n%s", diff)
	}
}

func TestSaveTrigger(t *testing.T) {
	m := newTestManager(t, nil, nil)
	ctx := context.Background()
	tr, err := m.SaveTrigger(ctx, Trigger{ID: "s", Selector: "#a"})
	if err != nil {
		t.Fatalf("got unexpected error: %v", err)
	}
	tr.Selector = "#b"
	if _, err := m.SaveTrigger(ctx, tr); err != nil {
		t.Fatalf("got unexpected error: %v", err)
	}
	got, _ := m.State().Trigger("s")
	if got.Selector != "#b" {
		t.Fatalf("expected the trigger to be updated but got %+v", got)
	}
	if err := m.RemoveTrigger(ctx, "s"); err != nil {
		t.Fatalf("got unexpected error: %v", err)
	}
	if _, ok := m.State().Trigger("s"); ok {
		t.Fatalf("expected the trigger to be removed")
	}
}

func TestUnsubscribe(t *testing.T) {
	m := newTestManager(t, nil, nil)
	calls := 0
	cancel := m.Subscribe(func(State) { calls++ })
	if err := m.SetEnabled(context.Background(), true); err != nil {
		t.Fatalf("got unexpected error: %v", err)
	}
	cancel()
	if err := m.SetEnabled(context.Background(), false); err != nil {
		t.Fatalf("got unexpected error: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call but got %d", calls)
	}
}
