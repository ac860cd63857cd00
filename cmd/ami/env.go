package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/jakopako/ami/internal/automation"
	"github.com/jakopako/ami/internal/config"
	"github.com/jakopako/ami/internal/dom"
	"github.com/jakopako/ami/internal/fetch"
	"github.com/jakopako/ami/internal/highlight"
	"github.com/jakopako/ami/internal/output"
	"github.com/jakopako/ami/internal/overlay"
	"github.com/jakopako/ami/internal/sched"
	"github.com/jakopako/ami/internal/store"
	"github.com/jakopako/ami/internal/types"
	"golang.org/x/sync/errgroup"
)

// DocFlags select the automation payload of a document.
type DocFlags struct {
	Path string `short:"p" help:"Document path the automation state belongs to. Derived from the location if empty."`
	Root string `short:"r" help:"Document root. Defaults to the configured root."`
}

func (f DocFlags) context(cfg *config.Config, location string) (automation.DocumentContext, error) {
	dc := automation.DocumentContext{Path: f.Path, Root: f.Root}
	if dc.Root == "" {
		dc.Root = cfg.Automation.Root
	}
	if dc.Path == "" && location != "" {
		dc.Path = documentPath(location)
	}
	if dc.Path == "" {
		return dc, errors.New("a document path is needed, use --path")
	}
	return dc, nil
}

// documentPath is the url path of remote locations and the slash
// separated clean path of files.
func documentPath(location string) string {
	if !fetch.IsLocal(location) {
		if u, err := url.Parse(location); err == nil {
			if u.Path == "" {
				return "/"
			}
			return u.Path
		}
	}
	p := filepath.ToSlash(filepath.Clean(strings.TrimPrefix(location, "file://")))
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}

// openManager returns a manager scoped to dc, backed by the local sqlite
// cache and the remote API if one is configured.
func openManager(ctx context.Context, cfg *config.Config, dc automation.DocumentContext) (*automation.Manager, *store.Store, error) {
	st, err := store.Open(cfg.Automation.DBPath)
	if err != nil {
		return nil, nil, err
	}
	opts := automation.ManagerOptions{Cache: st, Key: cfg.Automation.StorageKey}
	if cfg.Automation.RemoteURL != "" {
		c := automation.NewClient(cfg.Automation.RemoteURL, nil)
		c.User, c.Password = cfg.Automation.User, cfg.Automation.Password
		opts.Remote = c
	}
	m := automation.NewManager(opts)
	if err := m.SetContext(ctx, dc); err != nil {
		st.Close()
		return nil, nil, err
	}
	return m, st, nil
}

// runtime is a loaded document with its loop running on an errgroup.
type runtime struct {
	cfg      *config.Config
	location string
	host     string
	loop     *sched.Loop
	doc      *dom.Document
	network  chan types.NetworkEvent
	msgs     chan types.RenderMessage
	full     chan struct{}
	session  *highlight.Session
	manager  *automation.Manager
	store    *store.Store
	group    *errgroup.Group
	ctx      context.Context
	stopLoop context.CancelFunc
	loopDone chan struct{}
	logger   *slog.Logger
}

var errLoopStopped = errors.New("loop stopped")

type runtimeOptions struct {
	doc        DocFlags
	automation bool
	writer     bool
}

// start fetches location, starts the loop, the writer and a highlight
// session.
func start(ctx context.Context, cfg *config.Config, location string, ro runtimeOptions) (*runtime, error) {
	logger := slog.With(slog.String("location", location))
	rt := &runtime{
		cfg:      cfg,
		location: location,
		host:     location,
		network:  make(chan types.NetworkEvent, 256),
		msgs:     make(chan types.RenderMessage, 64),
		full:     make(chan struct{}),
		logger:   logger,
	}

	f, err := fetch.NewFetcher(&cfg.Fetcher)
	if err != nil {
		return nil, err
	}
	src, err := f.Fetch(ctx, location, fetch.FetchOpts{Interaction: cfg.Fetcher.Interaction, Network: rt.network})
	f.Cancel()
	close(rt.network)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", location, err)
	}

	rt.loop = sched.New()
	rt.doc, err = dom.ParseString(src, rt.loop)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", location, err)
	}

	if ro.automation && cfg.Automation.Enabled {
		dc, err := ro.doc.context(cfg, location)
		if err != nil {
			return nil, err
		}
		rt.manager, rt.store, err = openManager(ctx, cfg, dc)
		if err != nil {
			return nil, err
		}
	}

	var writer output.Writer
	if ro.writer {
		if writer, err = output.NewWriter(&cfg.Writer); err != nil {
			rt.closeStore()
			return nil, err
		}
	}

	rt.group, rt.ctx = errgroup.WithContext(ctx)
	loopCtx, stopLoop := context.WithCancel(rt.ctx)
	rt.stopLoop = stopLoop
	rt.loopDone = make(chan struct{})
	rt.group.Go(func() error {
		defer close(rt.loopDone)
		if err := rt.loop.Run(loopCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	tee := make(chan types.RenderMessage, 64)
	rt.group.Go(func() error {
		defer close(tee)
		once := false
		for msg := range rt.msgs {
			if !once && msg.Detail.Mode == "full" {
				once = true
				close(rt.full)
			}
			select {
			case tee <- msg:
			default:
				// no writer or a slow one
			}
		}
		return nil
	})
	if writer != nil {
		rt.group.Go(func() error { return writer.Write(rt.ctx, tee) })
	}

	opts := highlight.Options{
		Rules:       cfg.Rules,
		Budget:      cfg.Budget(),
		IgnoredTags: cfg.Scan.IgnoredTags,
		Overlay:     cfg.Overlay.Enabled,
		OverlayOptions: overlay.Options{
			ShowDelay: msDuration(cfg.Overlay.ShowDelayMS),
			HideDelay: msDuration(cfg.Overlay.HideDelayMS),
			Margin:    cfg.Overlay.Margin,
		},
		Key:      cfg.Automation.StorageKey,
		Manager:  rt.manager,
		Messages: rt.msgs,
		Controller: automation.ControllerOptions{
			Location: location,
			Markers:  cfg.Automation.Markers,
		},
	}
	if rt.store != nil {
		opts.Cache = rt.store
	}
	err = rt.call(func() error {
		s, _, err := highlight.Bootstrap(rt.host, rt.doc, opts)
		rt.session = s
		return err
	})
	if err != nil {
		rt.stop()
		return nil, err
	}
	if c := rt.session.Controller(); c != nil {
		go c.ConsumeNetwork(rt.ctx, rt.network)
	}
	return rt, nil
}

func msDuration(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// call runs fn on the loop and waits for it.
func (rt *runtime) call(fn func() error) error {
	done := make(chan error, 1)
	rt.loop.Post(func() { done <- fn() })
	select {
	case err := <-done:
		return err
	case <-rt.loopDone:
		return errLoopStopped
	}
}

// settled waits for the first full scan, or returns at once if
// highlighting is off.
func (rt *runtime) settled() error {
	var on bool
	if err := rt.call(func() error { on = rt.session.Engine() != nil; return nil }); err != nil {
		return err
	}
	if on {
		select {
		case <-rt.full:
		case <-rt.loopDone:
			return errLoopStopped
		}
	}
	// let the tasks queued by the scan run
	return rt.call(func() error { return nil })
}

// stop tears the session down, stops the loop and drains the writer.
func (rt *runtime) stop() error {
	rt.call(func() error {
		highlight.Teardown(rt.host)
		return nil
	})
	rt.stopLoop()
	<-rt.loopDone
	// nothing sends once the loop is gone
	close(rt.msgs)
	err := rt.group.Wait()
	rt.closeStore()
	return err
}

func (rt *runtime) closeStore() {
	if rt.store != nil {
		rt.store.Close()
	}
}
