package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/jakopako/ami/internal/config"
	"github.com/jakopako/ami/internal/output"
)

type HighlightCmd struct {
	DocFlags
	Location     string `arg:"" help:"File path or URL of the document."`
	Out          string `short:"o" help:"Write the decorated document to this file." type:"path"`
	NoAutomation bool   `help:"Do not load or bind automation triggers."`
	NoWriter     bool   `help:"Do not write render messages to the configured writer."`
}

func (h *HighlightCmd) Run(ctx context.Context, cfg *config.Config) error {
	rt, err := start(ctx, cfg, h.Location, runtimeOptions{doc: h.DocFlags, automation: !h.NoAutomation, writer: !h.NoWriter})
	if err != nil {
		return err
	}
	err = rt.settled()
	if err == nil {
		err = rt.call(func() error {
			if err := output.WriteMatches(os.Stderr, rt.session.Matches()); err != nil {
				return err
			}
			if c := rt.session.Controller(); c != nil {
				st := c.Stats()
				rt.logger.Info(fmt.Sprintf("bound %d triggers", len(c.Bindings())), slog.Int("fired", st.Fired))
			}
			if h.Out == "" {
				return nil
			}
			f, err := os.Create(h.Out)
			if err != nil {
				return err
			}
			defer f.Close()
			if err := rt.doc.Render(f); err != nil {
				return err
			}
			rt.logger.Info(fmt.Sprintf("wrote decorated document to %s", h.Out))
			return nil
		})
	}
	if stopErr := rt.stop(); err == nil {
		err = stopErr
	}
	return err
}
