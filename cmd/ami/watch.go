package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/jakopako/ami/internal/config"
	"github.com/jakopako/ami/internal/dom"
	"github.com/jakopako/ami/internal/fetch"
	"github.com/jakopako/ami/internal/output"
	"github.com/jakopako/ami/internal/scan"
	"github.com/jakopako/ami/internal/sched"
	"golang.org/x/net/html"
)

type WatchCmd struct {
	DocFlags
	File         string        `arg:"" help:"Local document to watch." type:"existingfile"`
	Delay        time.Duration `default:"100ms" help:"Wait this long after the last change before reloading."`
	NoAutomation bool          `help:"Do not load or bind automation triggers."`
}

func (w *WatchCmd) Run(ctx context.Context, cfg *config.Config) error {
	if !fetch.IsLocal(w.File) {
		return errors.New("watch only works on local files")
	}
	path := strings.TrimPrefix(w.File, "file://")
	// the static fetcher is the only one reading local files without a browser
	c := *cfg
	c.Fetcher.Type = fetch.STATIC_FETCHER_TYPE
	rt, err := start(ctx, &c, path, runtimeOptions{doc: w.DocFlags, automation: !w.NoAutomation, writer: true})
	if err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		rt.stop()
		return err
	}
	defer watcher.Close()
	// editors replace files, so the directory is watched
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		rt.stop()
		return err
	}

	// report is only touched on the loop
	var report bool
	var reload *sched.Debouncer
	err = rt.call(func() error {
		reload = sched.NewDebouncer(rt.loop, w.Delay, func() { report = reloadBody(rt, path) })
		if e := rt.session.Engine(); e != nil {
			e.OnRender(func(ev scan.RenderEvent) {
				if report && ev.Mode == scan.ModeMutation {
					report = false
					output.WriteMatches(os.Stderr, rt.session.Matches())
				}
			})
		}
		return nil
	})
	if err != nil {
		rt.stop()
		return err
	}
	rt.logger.Info("watching for changes")

	err = watchLoop(ctx, watcher, path, func() { rt.loop.Post(reload.Trigger) })
	if stopErr := rt.stop(); err == nil {
		err = stopErr
	}
	return err
}

func watchLoop(ctx context.Context, watcher *fsnotify.Watcher, path string, changed func()) error {
	name := filepath.Clean(path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != name || !ev.Has(fsnotify.Write|fsnotify.Create) {
				continue
			}
			changed()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("watching %s: %w", path, err)
		}
	}
}

// reloadBody swaps the body of the live document for the body of the
// file. The scan engine and the controller see it as one mutation.
func reloadBody(rt *runtime, path string) bool {
	b, err := os.ReadFile(path)
	if err != nil {
		rt.logger.Warn("could not read document", slog.Any("error", err))
		return false
	}
	fresh, err := dom.ParseString(string(b), rt.loop)
	if err != nil {
		rt.logger.Warn("could not parse document", slog.Any("error", err))
		return false
	}
	body := fresh.Body()
	if body == nil {
		return false
	}
	var kids []*html.Node
	for c := body.FirstChild; c != nil; {
		next := c.NextSibling
		body.RemoveChild(c)
		kids = append(kids, c)
		c = next
	}
	rt.doc.ReplaceChildren(rt.doc.Body(), kids...)
	rt.logger.Info("document reloaded")
	return true
}
