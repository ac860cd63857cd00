package automation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jakopako/ami/internal/script"
	"github.com/jakopako/ami/internal/types"
	"golang.org/x/sync/singleflight"
)

// ManagerOptions configures a Manager. Remote and Cache are optional.
type ManagerOptions struct {
	Remote Remote
	Cache  Cache
	// Key is the local storage key. Defaults to DefaultKey.
	Key    string
	Logger *slog.Logger
	Now    func() time.Time
}

// Manager owns the automation state of the current document context. All
// changes go through its methods, which persist them and notify
// subscribers. It is safe for concurrent use.
type Manager struct {
	mu      sync.Mutex
	remote  Remote
	cache   Cache
	key     string
	logger  *slog.Logger
	now     func() time.Time
	loads   singleflight.Group
	state   State
	dc      *DocumentContext
	pending *bool
	subs    map[int]func(State)
	nextSub int
	stamp   int64
}

// NewManager returns a Manager without a document context.
func NewManager(opts ManagerOptions) *Manager {
	m := &Manager{
		remote: opts.Remote,
		cache:  opts.Cache,
		key:    opts.Key,
		logger: opts.Logger,
		now:    opts.Now,
		state:  State{}.ensureDefault(),
		subs:   map[int]func(State){},
	}
	if m.key == "" {
		m.key = DefaultKey
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	m.logger = m.logger.With(slog.String("component", "automation"))
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

// Subscribe registers fn to receive every new state. fn is not called for
// the current state. The returned function unsubscribes.
func (m *Manager) Subscribe(fn func(State)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextSub++
	id := m.nextSub
	m.subs[id] = fn
	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

// State returns a copy of the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Clone()
}

// Context returns the current document context.
func (m *Manager) Context() (DocumentContext, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dc == nil {
		return DocumentContext{}, false
	}
	return *m.dc, true
}

// Enabled reports whether automation is on.
func (m *Manager) Enabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Enabled
}

// ActiveScenario returns the slug of the active scenario.
func (m *Manager) ActiveScenario() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.ActiveScenario
}

// SetContext switches to another document. The in-memory state is
// replaced by the cached snapshot of dc, if any, and then reloaded from the
// remote store. A SetEnabled call made before any context was known is
// sent afterwards.
func (m *Manager) SetContext(ctx context.Context, dc DocumentContext) error {
	m.mu.Lock()
	m.dc = &dc
	m.state = m.cachedState(dc)
	m.mu.Unlock()
	m.broadcast()

	err := m.Reload(ctx)

	m.mu.Lock()
	pending := m.pending
	m.pending = nil
	m.mu.Unlock()
	if pending != nil {
		if perr := m.SetEnabled(ctx, *pending); perr != nil {
			m.logger.Warn("could not apply queued enabled flag", slog.Any("error", perr))
		}
	}
	return err
}

// Reload fetches the state of the current context from the remote store.
// Concurrent reloads of the same context share one request. On failure
// the local state stays in place.
func (m *Manager) Reload(ctx context.Context) error {
	dc, ok := m.Context()
	if !ok {
		return ErrNoContext
	}
	if m.remote == nil {
		return nil
	}
	v, err, _ := m.loads.Do(dc.Key(), func() (any, error) {
		return m.remote.Load(ctx, dc)
	})
	if err != nil {
		m.logger.Warn("could not load automation state, keeping local state",
			slog.String("path", dc.Path), slog.String("root", dc.Root), slog.Any("error", err))
		return fmt.Errorf("load automation state: %w", err)
	}
	loaded := v.(State)

	m.mu.Lock()
	if m.dc == nil || *m.dc != dc {
		// the context changed while loading
		m.mu.Unlock()
		return nil
	}
	m.state = loaded.Clone().ensureDefault()
	for _, sc := range m.state.Scenarios {
		for _, t := range sc.Triggers {
			m.stamp = max(m.stamp, t.UpdatedAt.UnixMilli())
		}
	}
	m.saveLocal()
	m.mu.Unlock()
	m.broadcast()
	return nil
}

// CreateTrigger adds t. An empty id is generated and an empty scenario
// means the active one.
func (m *Manager) CreateTrigger(ctx context.Context, t Trigger) (Trigger, error) {
	m.mu.Lock()
	if m.dc == nil {
		m.mu.Unlock()
		return Trigger{}, ErrNoContext
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Scenario == "" {
		t.Scenario = m.state.ActiveScenario
	}
	t = t.withDefaults()
	if err := t.Validate(); err != nil {
		m.mu.Unlock()
		return Trigger{}, err
	}
	sc := m.scenarioRef(t.Scenario)
	if sc == nil {
		m.mu.Unlock()
		return Trigger{}, fmt.Errorf("scenario %q: %w", t.Scenario, ErrNotFound)
	}
	if slices.ContainsFunc(sc.Triggers, func(o Trigger) bool { return o.ID == t.ID }) {
		m.mu.Unlock()
		return Trigger{}, fmt.Errorf("trigger %q: %w", t.ID, ErrExists)
	}
	t.CreatedAt = m.nextStamp()
	t.UpdatedAt = t.CreatedAt
	sc.Triggers = append(sc.Triggers, t)
	req := m.request(types.ActionSaveTrigger)
	p := t.Payload()
	req.Trigger, req.Scenario = &p, t.Scenario
	m.mu.Unlock()

	m.commit(ctx, req)
	return t, nil
}

// UpdateTrigger replaces the trigger with t's id. The creation time is
// kept and the update time moves forward, which invalidates the compiled
// scripts of the trigger.
func (m *Manager) UpdateTrigger(ctx context.Context, t Trigger) (Trigger, error) {
	m.mu.Lock()
	if m.dc == nil {
		m.mu.Unlock()
		return Trigger{}, ErrNoContext
	}
	from, i := m.findTrigger(t.ID)
	if from == nil {
		m.mu.Unlock()
		return Trigger{}, fmt.Errorf("trigger %q: %w", t.ID, ErrNotFound)
	}
	old := from.Triggers[i]
	if t.Scenario == "" {
		t.Scenario = old.Scenario
	}
	t = t.withDefaults()
	if err := t.Validate(); err != nil {
		m.mu.Unlock()
		return Trigger{}, err
	}
	to := m.scenarioRef(t.Scenario)
	if to == nil {
		m.mu.Unlock()
		return Trigger{}, fmt.Errorf("scenario %q: %w", t.Scenario, ErrNotFound)
	}
	t.CreatedAt = old.CreatedAt
	t.UpdatedAt = m.nextStamp()
	if to == from {
		from.Triggers[i] = t
	} else {
		from.Triggers = slices.Delete(from.Triggers, i, i+1)
		to.Triggers = append(to.Triggers, t)
	}
	req := m.request(types.ActionSaveTrigger)
	p := t.Payload()
	req.Trigger, req.Scenario = &p, t.Scenario
	m.mu.Unlock()

	m.commit(ctx, req)
	return t, nil
}

// SaveTrigger updates t if its id exists and creates it otherwise.
func (m *Manager) SaveTrigger(ctx context.Context, t Trigger) (Trigger, error) {
	if t.ID != "" {
		if _, ok := m.State().Trigger(t.ID); ok {
			return m.UpdateTrigger(ctx, t)
		}
	}
	return m.CreateTrigger(ctx, t)
}

// RemoveTrigger deletes the trigger with id.
func (m *Manager) RemoveTrigger(ctx context.Context, id string) error {
	m.mu.Lock()
	if m.dc == nil {
		m.mu.Unlock()
		return ErrNoContext
	}
	sc, i := m.findTrigger(id)
	if sc == nil {
		m.mu.Unlock()
		return fmt.Errorf("trigger %q: %w", id, ErrNotFound)
	}
	sc.Triggers = slices.Delete(sc.Triggers, i, i+1)
	req := m.request(types.ActionDeleteTrigger)
	req.TriggerID, req.Scenario = id, sc.Slug
	m.mu.Unlock()

	m.commit(ctx, req)
	return nil
}

// CreateScenario adds an empty scenario named name.
func (m *Manager) CreateScenario(ctx context.Context, name string) (Scenario, error) {
	slug := Slugify(name)
	if slug == "" {
		return Scenario{}, fmt.Errorf("%w: scenario name %q has no usable characters", ErrInvalidTrigger, name)
	}
	m.mu.Lock()
	if m.dc == nil {
		m.mu.Unlock()
		return Scenario{}, ErrNoContext
	}
	if m.scenarioRef(slug) != nil {
		m.mu.Unlock()
		return Scenario{}, fmt.Errorf("scenario %q: %w", slug, ErrExists)
	}
	sc := Scenario{Slug: slug, Name: name}
	m.state.Scenarios = append(m.state.Scenarios, sc)
	req := m.request(types.ActionCreateScenario)
	req.Scenario, req.Name = slug, name
	m.mu.Unlock()

	m.commit(ctx, req)
	return sc, nil
}

// DeleteScenario removes a scenario and its triggers. If it was active the
// first remaining scenario becomes active.
func (m *Manager) DeleteScenario(ctx context.Context, slug string) error {
	m.mu.Lock()
	if m.dc == nil {
		m.mu.Unlock()
		return ErrNoContext
	}
	i := slices.IndexFunc(m.state.Scenarios, func(sc Scenario) bool { return sc.Slug == slug })
	if i < 0 {
		m.mu.Unlock()
		return fmt.Errorf("scenario %q: %w", slug, ErrNotFound)
	}
	m.state.Scenarios = slices.Delete(m.state.Scenarios, i, i+1)
	m.state = m.state.ensureDefault()
	req := m.request(types.ActionDeleteScenario)
	req.Scenario = slug
	m.mu.Unlock()

	m.commit(ctx, req)
	return nil
}

// SetActiveScenario makes slug the active scenario.
func (m *Manager) SetActiveScenario(ctx context.Context, slug string) error {
	m.mu.Lock()
	if m.dc == nil {
		m.mu.Unlock()
		return ErrNoContext
	}
	if m.scenarioRef(slug) == nil {
		m.mu.Unlock()
		return fmt.Errorf("scenario %q: %w", slug, ErrNotFound)
	}
	m.state.ActiveScenario = slug
	req := m.request(types.ActionSetActiveScenario)
	req.Scenario = slug
	m.mu.Unlock()

	m.commit(ctx, req)
	return nil
}

// SetEnabled turns automation on or off. Without a document context the
// change is applied in memory and queued until SetContext.
func (m *Manager) SetEnabled(ctx context.Context, enabled bool) error {
	m.mu.Lock()
	m.state.Enabled = enabled
	if m.dc == nil {
		m.pending = &enabled
		m.mu.Unlock()
		m.logger.Debug("no document context yet, queued enabled flag", slog.Bool("enabled", enabled))
		m.broadcast()
		return nil
	}
	req := m.request(types.ActionSetConfig)
	req.Enabled = &enabled
	m.mu.Unlock()

	m.commit(ctx, req)
	return nil
}

// ScriptManager returns the view of m handed to trigger scripts.
func (m *Manager) ScriptManager() script.Manager {
	return scriptManager{m}
}

type scriptManager struct{ m *Manager }

func (s scriptManager) Enabled() bool          { return s.m.Enabled() }
func (s scriptManager) ActiveScenario() string { return s.m.ActiveScenario() }

func (s scriptManager) SetEnabled(enabled bool) error {
	return s.m.SetEnabled(context.Background(), enabled)
}

func (s scriptManager) SetActiveScenario(slug string) error {
	return s.m.SetActiveScenario(context.Background(), slug)
}

// commit persists the current state locally, notifies subscribers and
// sends req to the remote store. Remote failures are only logged.
func (m *Manager) commit(ctx context.Context, req types.AutomationRequest) {
	m.mu.Lock()
	m.saveLocal()
	m.mu.Unlock()
	m.broadcast()

	if m.remote == nil {
		return
	}
	if _, err := m.remote.Do(ctx, req); err != nil {
		m.logger.Warn("remote automation store failed, keeping local state",
			slog.String("action", req.Action), slog.Any("error", err))
	}
}

// saveLocal writes the snapshot cache. m.mu must be held.
func (m *Manager) saveLocal() {
	if m.cache == nil || m.dc == nil {
		return
	}
	b, err := json.Marshal(cachedSnapshot{Context: *m.dc, Snapshot: m.state.Snapshot()})
	if err == nil {
		err = m.cache.Set(AutomationKey(m.key), b)
	}
	if err != nil {
		m.logger.Warn("could not write local automation cache", slog.Any("error", err))
	}
}

// cachedState returns the cached snapshot of dc or an empty state. m.mu
// must be held.
func (m *Manager) cachedState(dc DocumentContext) State {
	empty := State{}.ensureDefault()
	if m.cache == nil {
		return empty
	}
	b, ok, err := m.cache.Get(AutomationKey(m.key))
	if err != nil {
		m.logger.Warn("could not read local automation cache", slog.Any("error", err))
		return empty
	}
	if !ok {
		return empty
	}
	var cs cachedSnapshot
	if err := json.Unmarshal(b, &cs); err != nil || cs.Context != dc {
		return empty
	}
	return StateFromSnapshot(cs.Snapshot)
}

func (m *Manager) broadcast() {
	m.mu.Lock()
	state := m.state.Clone()
	subs := make([]func(State), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.mu.Unlock()
	for _, fn := range subs {
		fn(state)
	}
}

// nextStamp returns a time strictly after every stamp handed out before,
// at millisecond granularity. m.mu must be held.
func (m *Manager) nextStamp() time.Time {
	ms := m.now().UnixMilli()
	if ms <= m.stamp {
		ms = m.stamp + 1
	}
	m.stamp = ms
	return time.UnixMilli(ms)
}

func (m *Manager) request(action string) types.AutomationRequest {
	return types.AutomationRequest{Action: action, Path: m.dc.Path, Root: m.dc.Root}
}

func (m *Manager) scenarioRef(slug string) *Scenario {
	for i := range m.state.Scenarios {
		if m.state.Scenarios[i].Slug == slug {
			return &m.state.Scenarios[i]
		}
	}
	return nil
}

func (m *Manager) findTrigger(id string) (*Scenario, int) {
	for i := range m.state.Scenarios {
		sc := &m.state.Scenarios[i]
		if j := slices.IndexFunc(sc.Triggers, func(t Trigger) bool { return t.ID == id }); j >= 0 {
			return sc, j
		}
	}
	return nil, -1
}
