package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/jakopako/ami/internal/automation"
	"github.com/jakopako/ami/internal/config"
	"github.com/jakopako/ami/internal/pick"
)

type PickCmd struct {
	DocFlags
	Location  string `arg:"" help:"File path or URL of the document."`
	Filter    string `short:"f" help:"Only list elements whose label, path or text contains this string."`
	Name      string `short:"n" help:"Display name of the new trigger."`
	Event     string `short:"e" default:"click" help:"Event type the trigger listens for."`
	Target    string `help:"Target script. Prefix with @ to read it from a file."`
	Condition string `help:"Condition script. Prefix with @ to read it from a file."`
	Action    string `short:"a" help:"Action script. Prefix with @ to read it from a file."`
	Scenario  string `help:"Scenario slug. Defaults to the active scenario."`
}

func (p *PickCmd) Run(ctx context.Context, cfg *config.Config) error {
	t := automation.Trigger{
		Name:      p.Name,
		EventType: p.Event,
		Scenario:  p.Scenario,
		Enabled:   true,
	}
	var err error
	for _, slot := range []struct {
		dst *string
		src string
	}{{&t.TargetCode, p.Target}, {&t.ConditionCode, p.Condition}, {&t.ActionCode, p.Action}} {
		if *slot.dst, err = readScript(slot.src); err != nil {
			return err
		}
	}

	rt, err := start(ctx, cfg, p.Location, runtimeOptions{doc: p.DocFlags, automation: true})
	if err != nil {
		return err
	}
	err = p.pick(ctx, rt, t)
	if stopErr := rt.stop(); err == nil {
		err = stopErr
	}
	if errors.Is(err, pick.ErrCancelled) {
		rt.logger.Info("picking cancelled")
		return nil
	}
	return err
}

func (p *PickCmd) pick(ctx context.Context, rt *runtime, t automation.Trigger) error {
	if err := rt.settled(); err != nil {
		return err
	}
	c := rt.session.Controller()
	if c == nil {
		return errors.New("automation is disabled in the configuration")
	}
	el, err := pick.New(rt.doc, c, pick.WithFilter(p.Filter)).Run(ctx)
	if err != nil {
		return err
	}
	var placed automation.Trigger
	if err := rt.call(func() error {
		placed = c.PlaceTrigger(t, el)
		if placed.Name == "" {
			placed.Name = el.Data
		}
		return nil
	}); err != nil {
		return err
	}
	saved, err := rt.manager.SaveTrigger(ctx, placed)
	if err != nil {
		return err
	}
	fmt.Println(saved.ID)
	return nil
}
