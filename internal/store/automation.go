package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"strings"

	"github.com/jakopako/ami/internal/automation"
	"github.com/jakopako/ami/internal/types"
)

// DefaultCapabilities are reported for contexts that never changed them.
var DefaultCapabilities = map[string]bool{"dom": true, "network": true, "plugin": true}

// Snapshot returns the automation state of one document. Unknown
// documents get an empty state with the default scenario.
func (s *Store) Snapshot(ctx context.Context, root, path string) (types.Snapshot, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return types.Snapshot{}, err
	}
	defer tx.Rollback()
	return snapshot(ctx, tx, root, path)
}

// Apply runs one automation action and returns the resulting state.
func (s *Store) Apply(ctx context.Context, req types.AutomationRequest) (types.Snapshot, error) {
	if strings.TrimSpace(req.Path) == "" {
		return types.Snapshot{}, fmt.Errorf("%w: path is required", ErrInvalid)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return types.Snapshot{}, err
	}
	defer tx.Rollback()

	if err := ensureContext(ctx, tx, req.Root, req.Path); err != nil {
		return types.Snapshot{}, err
	}
	switch req.Action {
	case types.ActionSaveTrigger:
		err = s.saveTrigger(ctx, tx, req)
	case types.ActionDeleteTrigger:
		err = deleteTrigger(ctx, tx, req)
	case types.ActionCreateScenario:
		err = createScenario(ctx, tx, req)
	case types.ActionDeleteScenario:
		err = deleteScenario(ctx, tx, req)
	case types.ActionSetConfig:
		err = setConfig(ctx, tx, req)
	case types.ActionSetActiveScenario:
		err = setActiveScenario(ctx, tx, req)
	default:
		err = fmt.Errorf("%w: unknown action %q", ErrInvalid, req.Action)
	}
	if err != nil {
		return types.Snapshot{}, err
	}

	snap, err := snapshot(ctx, tx, req.Root, req.Path)
	if err != nil {
		return types.Snapshot{}, err
	}
	if err := tx.Commit(); err != nil {
		return types.Snapshot{}, fmt.Errorf("committing %s: %w", req.Action, err)
	}
	return snap, nil
}

func snapshot(ctx context.Context, tx *sql.Tx, root, path string) (types.Snapshot, error) {
	snap := types.Snapshot{
		ActiveScenario: automation.DefaultScenario,
		Capabilities:   maps.Clone(DefaultCapabilities),
	}
	var enabled bool
	var caps string
	err := tx.QueryRowContext(ctx, `
		SELECT enabled, active_scenario, capabilities FROM contexts WHERE root = ? AND path = ?`,
		root, path).Scan(&enabled, &snap.ActiveScenario, &caps)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		snap.Scenarios = []types.ScenarioPayload{defaultScenario()}
		return snap, nil
	case err != nil:
		return types.Snapshot{}, fmt.Errorf("reading context: %w", err)
	}
	snap.Enabled = enabled
	if err := json.Unmarshal([]byte(caps), &snap.Capabilities); err != nil {
		return types.Snapshot{}, fmt.Errorf("decoding capabilities: %w", err)
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT slug, name FROM scenarios WHERE root = ? AND path = ? ORDER BY position`, root, path)
	if err != nil {
		return types.Snapshot{}, fmt.Errorf("reading scenarios: %w", err)
	}
	index := map[string]int{}
	for rows.Next() {
		sc := types.ScenarioPayload{Triggers: []types.TriggerPayload{}}
		if err := rows.Scan(&sc.Slug, &sc.Name); err != nil {
			rows.Close()
			return types.Snapshot{}, err
		}
		index[sc.Slug] = len(snap.Scenarios)
		snap.Scenarios = append(snap.Scenarios, sc)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return types.Snapshot{}, err
	}

	rows, err = tx.QueryContext(ctx, `
		SELECT scenario, payload FROM triggers WHERE root = ? AND path = ? ORDER BY position`, root, path)
	if err != nil {
		return types.Snapshot{}, fmt.Errorf("reading triggers: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var slug, payload string
		if err := rows.Scan(&slug, &payload); err != nil {
			return types.Snapshot{}, err
		}
		i, ok := index[slug]
		if !ok {
			continue
		}
		var t types.TriggerPayload
		if err := json.Unmarshal([]byte(payload), &t); err != nil {
			return types.Snapshot{}, fmt.Errorf("decoding trigger: %w", err)
		}
		snap.Scenarios[i].Triggers = append(snap.Scenarios[i].Triggers, t)
	}
	if err := rows.Err(); err != nil {
		return types.Snapshot{}, err
	}
	if len(snap.Scenarios) == 0 {
		snap.Scenarios = []types.ScenarioPayload{defaultScenario()}
	}
	return snap, nil
}

func defaultScenario() types.ScenarioPayload {
	return types.ScenarioPayload{Slug: automation.DefaultScenario, Name: "Default", Triggers: []types.TriggerPayload{}}
}

func ensureContext(ctx context.Context, tx *sql.Tx, root, path string) error {
	caps, err := json.Marshal(DefaultCapabilities)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO contexts (root, path, capabilities) VALUES (?, ?, ?)`,
		root, path, string(caps)); err != nil {
		return fmt.Errorf("creating context: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO scenarios (root, path, slug, name, position)
		SELECT ?, ?, ?, 'Default', 0
		WHERE NOT EXISTS (SELECT 1 FROM scenarios WHERE root = ? AND path = ?)`,
		root, path, automation.DefaultScenario, root, path); err != nil {
		return fmt.Errorf("creating default scenario: %w", err)
	}
	return nil
}

func scenarioExists(ctx context.Context, tx *sql.Tx, root, path, slug string) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM scenarios WHERE root = ? AND path = ? AND slug = ?`, root, path, slug).Scan(&n)
	return n > 0, err
}

func insertScenario(ctx context.Context, tx *sql.Tx, root, path, slug, name string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO scenarios (root, path, slug, name, position)
		VALUES (?, ?, ?, ?, (SELECT COALESCE(MAX(position), -1) + 1 FROM scenarios WHERE root = ? AND path = ?))`,
		root, path, slug, name, root, path)
	if err != nil {
		return fmt.Errorf("creating scenario %q: %w", slug, err)
	}
	return nil
}

func activeScenario(ctx context.Context, tx *sql.Tx, root, path string) (string, error) {
	var slug string
	err := tx.QueryRowContext(ctx, `
		SELECT active_scenario FROM contexts WHERE root = ? AND path = ?`, root, path).Scan(&slug)
	return slug, err
}

// saveTrigger upserts a trigger. A write older than the stored trigger is
// ignored. Unknown scenarios are created.
func (s *Store) saveTrigger(ctx context.Context, tx *sql.Tx, req types.AutomationRequest) error {
	if req.Trigger == nil || strings.TrimSpace(req.Trigger.ID) == "" {
		return fmt.Errorf("%w: trigger with id is required", ErrInvalid)
	}
	t := *req.Trigger
	slug := req.Scenario
	if slug == "" {
		slug = t.Scenario
	}
	if slug == "" {
		var err error
		if slug, err = activeScenario(ctx, tx, req.Root, req.Path); err != nil {
			return err
		}
	}
	ok, err := scenarioExists(ctx, tx, req.Root, req.Path, slug)
	if err != nil {
		return err
	}
	if !ok {
		if err := insertScenario(ctx, tx, req.Root, req.Path, slug, slug); err != nil {
			return err
		}
	}
	t.Scenario = slug
	if t.UpdatedAt == 0 {
		t.UpdatedAt = s.now().UnixMilli()
	}
	payload, err := json.Marshal(t)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO triggers (root, path, id, scenario, payload, position, updated_at)
		VALUES (?, ?, ?, ?, ?, (SELECT COALESCE(MAX(position), -1) + 1 FROM triggers WHERE root = ? AND path = ?), ?)
		ON CONFLICT(root, path, id) DO UPDATE SET
			scenario = excluded.scenario, payload = excluded.payload, updated_at = excluded.updated_at
		WHERE excluded.updated_at >= triggers.updated_at`,
		req.Root, req.Path, t.ID, slug, string(payload), req.Root, req.Path, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("saving trigger %q: %w", t.ID, err)
	}
	return nil
}

func deleteTrigger(ctx context.Context, tx *sql.Tx, req types.AutomationRequest) error {
	if req.TriggerID == "" {
		return fmt.Errorf("%w: triggerId is required", ErrInvalid)
	}
	res, err := tx.ExecContext(ctx, `
		DELETE FROM triggers WHERE root = ? AND path = ? AND id = ?`, req.Root, req.Path, req.TriggerID)
	if err != nil {
		return fmt.Errorf("deleting trigger %q: %w", req.TriggerID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("trigger %q: %w", req.TriggerID, ErrNotFound)
	}
	return nil
}

func createScenario(ctx context.Context, tx *sql.Tx, req types.AutomationRequest) error {
	slug := req.Scenario
	if slug == "" {
		slug = automation.Slugify(req.Name)
	}
	if slug == "" {
		return fmt.Errorf("%w: scenario or name is required", ErrInvalid)
	}
	name := req.Name
	if name == "" {
		name = slug
	}
	ok, err := scenarioExists(ctx, tx, req.Root, req.Path, slug)
	if err != nil {
		return err
	}
	if ok {
		return fmt.Errorf("scenario %q: %w", slug, ErrConflict)
	}
	return insertScenario(ctx, tx, req.Root, req.Path, slug, name)
}

// deleteScenario removes a scenario with its triggers. When it was active
// the first remaining scenario becomes active; the default scenario is
// recreated if none is left.
func deleteScenario(ctx context.Context, tx *sql.Tx, req types.AutomationRequest) error {
	res, err := tx.ExecContext(ctx, `
		DELETE FROM scenarios WHERE root = ? AND path = ? AND slug = ?`, req.Root, req.Path, req.Scenario)
	if err != nil {
		return fmt.Errorf("deleting scenario %q: %w", req.Scenario, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("scenario %q: %w", req.Scenario, ErrNotFound)
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM triggers WHERE root = ? AND path = ? AND scenario = ?`, req.Root, req.Path, req.Scenario); err != nil {
		return fmt.Errorf("deleting triggers of %q: %w", req.Scenario, err)
	}
	if err := ensureContext(ctx, tx, req.Root, req.Path); err != nil {
		return err
	}
	active, err := activeScenario(ctx, tx, req.Root, req.Path)
	if err != nil {
		return err
	}
	if active != req.Scenario {
		return nil
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE contexts SET active_scenario =
			(SELECT slug FROM scenarios WHERE root = ? AND path = ? ORDER BY position LIMIT 1)
		WHERE root = ? AND path = ?`, req.Root, req.Path, req.Root, req.Path)
	return err
}

func setConfig(ctx context.Context, tx *sql.Tx, req types.AutomationRequest) error {
	if req.Enabled == nil {
		return fmt.Errorf("%w: enabled is required", ErrInvalid)
	}
	_, err := tx.ExecContext(ctx, `
		UPDATE contexts SET enabled = ? WHERE root = ? AND path = ?`, *req.Enabled, req.Root, req.Path)
	return err
}

func setActiveScenario(ctx context.Context, tx *sql.Tx, req types.AutomationRequest) error {
	ok, err := scenarioExists(ctx, tx, req.Root, req.Path, req.Scenario)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("scenario %q: %w", req.Scenario, ErrNotFound)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE contexts SET active_scenario = ? WHERE root = ? AND path = ?`, req.Scenario, req.Root, req.Path)
	return err
}
