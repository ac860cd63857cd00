package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jakopako/ami/internal/automation"
	"github.com/jakopako/ami/internal/config"
	"github.com/jakopako/ami/internal/output"
)

// withManager runs fn with a manager scoped to the document of f.
func withManager(ctx context.Context, cfg *config.Config, f DocFlags, fn func(*automation.Manager) error) error {
	dc, err := f.context(cfg, "")
	if err != nil {
		return err
	}
	m, st, err := openManager(ctx, cfg, dc)
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(m)
}

type TriggerCmd struct {
	List   TriggerListCmd   `cmd:"" help:"List the triggers of a document."`
	Save   TriggerSaveCmd   `cmd:"" help:"Create or update a trigger."`
	Delete TriggerDeleteCmd `cmd:"" help:"Delete a trigger."`
	Fire   TriggerFireCmd   `cmd:"" help:"Load a document and run a trigger once."`
}

type TriggerListCmd struct {
	DocFlags
	Locale string `short:"L" default:"en_US" help:"Locale of the timestamps, eg. de_DE."`
}

func (l *TriggerListCmd) Run(ctx context.Context, cfg *config.Config) error {
	return withManager(ctx, cfg, l.DocFlags, func(m *automation.Manager) error {
		return output.WriteTriggers(os.Stdout, m.State(), nil, l.Locale, time.Local)
	})
}

type TriggerSaveCmd struct {
	DocFlags
	ID        string `help:"Id of the trigger. A new one is generated if empty."`
	Name      string `short:"n" help:"Display name."`
	Selector  string `short:"s" help:"CSS selector of the element, or the url substring of network triggers."`
	DataPath  string `help:"Structural path of the element."`
	Event     string `short:"e" help:"Event type, eg. click, request or response."`
	Type      string `short:"t" default:"dom" enum:"dom,network,plugin" help:"What the trigger listens to."`
	Target    string `help:"Target script. Prefix with @ to read it from a file."`
	Condition string `help:"Condition script. Prefix with @ to read it from a file."`
	Action    string `short:"a" help:"Action script. Prefix with @ to read it from a file."`
	Scenario  string `help:"Scenario slug. Defaults to the active scenario."`
	Disabled  bool   `help:"Save the trigger disabled."`
}

func (s *TriggerSaveCmd) Run(ctx context.Context, cfg *config.Config) error {
	t := automation.Trigger{
		ID:        s.ID,
		Name:      s.Name,
		Selector:  s.Selector,
		DataPath:  s.DataPath,
		EventType: s.Event,
		Type:      automation.TriggerType(s.Type),
		Scenario:  s.Scenario,
		Enabled:   !s.Disabled,
	}
	var err error
	for _, slot := range []struct {
		dst *string
		src string
	}{{&t.TargetCode, s.Target}, {&t.ConditionCode, s.Condition}, {&t.ActionCode, s.Action}} {
		if *slot.dst, err = readScript(slot.src); err != nil {
			return err
		}
	}
	return withManager(ctx, cfg, s.DocFlags, func(m *automation.Manager) error {
		saved, err := m.SaveTrigger(ctx, t)
		if err != nil {
			return err
		}
		fmt.Println(saved.ID)
		return nil
	})
}

func readScript(src string) (string, error) {
	if !strings.HasPrefix(src, "@") {
		return src, nil
	}
	b, err := os.ReadFile(src[1:])
	if err != nil {
		return "", fmt.Errorf("reading script: %w", err)
	}
	return string(b), nil
}

type TriggerDeleteCmd struct {
	DocFlags
	ID string `arg:"" help:"Id of the trigger."`
}

func (d *TriggerDeleteCmd) Run(ctx context.Context, cfg *config.Config) error {
	return withManager(ctx, cfg, d.DocFlags, func(m *automation.Manager) error {
		return m.RemoveTrigger(ctx, d.ID)
	})
}

type TriggerFireCmd struct {
	DocFlags
	Location string `arg:"" help:"File path or URL of the document."`
	ID       string `arg:"" help:"Id of the trigger."`
	Out      string `short:"o" help:"Write the document to this file after the trigger ran." type:"path"`
}

func (f *TriggerFireCmd) Run(ctx context.Context, cfg *config.Config) error {
	rt, err := start(ctx, cfg, f.Location, runtimeOptions{doc: f.DocFlags, automation: true})
	if err != nil {
		return err
	}
	err = rt.settled()
	if err == nil {
		err = rt.call(func() error {
			c := rt.session.Controller()
			if c == nil {
				return errors.New("automation is disabled in the configuration")
			}
			return c.Fire(f.ID, nil)
		})
	}
	if err == nil {
		// actions may have queued work
		err = rt.call(func() error {
			st := rt.session.Controller().Stats()
			rt.logger.Info(fmt.Sprintf("fired %s", f.ID), "actions", st.Actions, "suppressed", st.Suppressed, "errors", st.Errors)
			if f.Out == "" {
				return nil
			}
			return os.WriteFile(f.Out, []byte(rt.doc.String()), 0644)
		})
	}
	if stopErr := rt.stop(); err == nil {
		err = stopErr
	}
	return err
}

type ScenarioCmd struct {
	Create ScenarioCreateCmd `cmd:"" help:"Create a scenario."`
	Delete ScenarioDeleteCmd `cmd:"" help:"Delete a scenario and its triggers."`
	Use    ScenarioUseCmd    `cmd:"" help:"Make a scenario the active one."`
}

type ScenarioCreateCmd struct {
	DocFlags
	Name string `arg:"" help:"Name of the scenario."`
}

func (s *ScenarioCreateCmd) Run(ctx context.Context, cfg *config.Config) error {
	return withManager(ctx, cfg, s.DocFlags, func(m *automation.Manager) error {
		sc, err := m.CreateScenario(ctx, s.Name)
		if err != nil {
			return err
		}
		fmt.Println(sc.Slug)
		return nil
	})
}

type ScenarioDeleteCmd struct {
	DocFlags
	Slug string `arg:""`
}

func (s *ScenarioDeleteCmd) Run(ctx context.Context, cfg *config.Config) error {
	return withManager(ctx, cfg, s.DocFlags, func(m *automation.Manager) error {
		return m.DeleteScenario(ctx, s.Slug)
	})
}

type ScenarioUseCmd struct {
	DocFlags
	Slug string `arg:""`
}

func (s *ScenarioUseCmd) Run(ctx context.Context, cfg *config.Config) error {
	return withManager(ctx, cfg, s.DocFlags, func(m *automation.Manager) error {
		return m.SetActiveScenario(ctx, s.Slug)
	})
}

type EnableCmd struct {
	DocFlags
}

func (e *EnableCmd) Run(ctx context.Context, cfg *config.Config) error {
	return withManager(ctx, cfg, e.DocFlags, func(m *automation.Manager) error {
		return m.SetEnabled(ctx, true)
	})
}

type DisableCmd struct {
	DocFlags
}

func (d *DisableCmd) Run(ctx context.Context, cfg *config.Config) error {
	return withManager(ctx, cfg, d.DocFlags, func(m *automation.Manager) error {
		return m.SetEnabled(ctx, false)
	})
}
