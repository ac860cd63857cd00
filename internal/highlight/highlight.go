// Package highlight ties a document to its scan engine, hover overlay and
// automation controller. One Session exists per host context.
package highlight

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/jakopako/ami/internal/automation"
	"github.com/jakopako/ami/internal/dom"
	"github.com/jakopako/ami/internal/output"
	"github.com/jakopako/ami/internal/overlay"
	"github.com/jakopako/ami/internal/scan"
	"github.com/jakopako/ami/internal/types"
	"golang.org/x/net/html"
)

// DefaultClass is added to matching elements of rules without a class.
const DefaultClass = "ami-highlight"

// Rule is a configured highlight rule.
type Rule struct {
	Name      string   `yaml:"name"`
	Selectors []string `yaml:"selectors"`
	Class     string   `yaml:"class,omitempty"`
	// Overlay attaches the hover overlay to matching elements.
	Overlay bool `yaml:"overlay,omitempty"`
}

func (r Rule) class() string {
	if r.Class == "" {
		return DefaultClass
	}
	return r.Class
}

// Options configures a Session.
type Options struct {
	Rules       []Rule
	Budget      time.Duration
	IgnoredTags []string
	// Overlay enables the hover overlay for rules that ask for it. The
	// stored settings can still turn it off.
	Overlay        bool
	OverlayOptions overlay.Options
	// Cache keeps the visual settings under Key. Nil keeps them in memory.
	Cache automation.Cache
	Key   string
	// Manager enables automation triggers.
	Manager    *automation.Manager
	Controller automation.ControllerOptions
	// Messages receives every render message. Full channels drop messages.
	Messages chan<- types.RenderMessage
	Logger   *slog.Logger
}

// Session is the highlight state of one document. Except for New it must
// be used from the document's loop.
type Session struct {
	doc        *dom.Document
	opts       Options
	logger     *slog.Logger
	settings   automation.Settings
	engine     *scan.Engine
	overlay    *overlay.Overlay
	controller *automation.Controller
	started    bool
	dropped    int
}

// New prepares a session for doc. Nothing touches the document before
// Start.
func New(doc *dom.Document, opts Options) (*Session, error) {
	if len(opts.Rules) > scan.MaxRules {
		return nil, fmt.Errorf("%w: %d rules", scan.ErrTooManyRules, len(opts.Rules))
	}
	if opts.Cache == nil {
		opts.Cache = automation.NewMemoryCache()
	}
	if opts.Key == "" {
		opts.Key = automation.DefaultKey
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Session{
		doc:    doc,
		opts:   opts,
		logger: logger.With(slog.String("component", "highlight")),
	}
	settings, err := automation.LoadSettings(opts.Cache, opts.Key)
	if err != nil {
		s.logger.Warn("could not load settings, using defaults", slog.Any("error", err))
	}
	s.settings = settings
	if opts.Manager != nil {
		if opts.Controller.Logger == nil {
			opts.Controller.Logger = logger
		}
		s.controller = automation.NewController(doc, opts.Manager, opts.Controller)
	}
	return s, nil
}

// Start begins highlighting and binds the automation triggers. With
// highlighting disabled in the settings only the triggers are bound.
func (s *Session) Start() {
	if s.started {
		return
	}
	s.started = true
	if s.settings.Enabled {
		if err := s.startEngine(); err != nil {
			s.logger.Error("could not start highlighting", slog.Any("error", err))
		}
	}
	if s.controller != nil {
		s.controller.Start()
	}
}

// Stop removes every decoration and listener the session added.
func (s *Session) Stop() {
	if !s.started {
		return
	}
	s.started = false
	s.stopEngine()
	if s.controller != nil {
		s.controller.Stop()
	}
}

func (s *Session) startEngine() error {
	e := scan.New(s.doc, scan.Options{
		Budget:      s.opts.Budget,
		IgnoredTags: s.opts.IgnoredTags,
		Logger:      s.opts.Logger,
	})
	if s.opts.Overlay && s.settings.Overlay {
		s.overlay = overlay.New(s.doc, s.opts.OverlayOptions)
	}
	for _, r := range s.opts.Rules {
		if err := e.AddRule(scan.Rule{
			Name:      r.Name,
			Selectors: r.Selectors,
			Apply:     s.apply(r),
			Unapply:   s.unapply(r),
			Detached:  s.detached(r),
		}); err != nil {
			return err
		}
	}
	e.OnRender(s.forward)
	s.engine = e
	e.Start()
	return nil
}

func (s *Session) stopEngine() {
	if s.engine == nil {
		return
	}
	e := s.engine
	e.Stop()
	for _, r := range s.opts.Rules {
		for _, n := range e.Matched(r.Name) {
			s.doc.RemoveClass(n, r.class())
		}
	}
	if s.overlay != nil {
		s.overlay.Close()
		s.overlay = nil
	}
	s.engine = nil
}

func (s *Session) apply(r Rule) func(*html.Node) {
	class := r.class()
	return func(n *html.Node) {
		s.doc.AddClass(n, class)
		if r.Overlay && s.overlay != nil {
			s.overlay.Attach(n)
		}
	}
}

// unapply keeps a class that another matching rule also adds.
func (s *Session) unapply(r Rule) func(*html.Node) {
	class := r.class()
	return func(n *html.Node) {
		keepClass, keepOverlay := false, false
		for _, o := range s.opts.Rules {
			if o.Name == r.Name || s.engine == nil || !s.engine.Matches(n, o.Name) {
				continue
			}
			keepClass = keepClass || o.class() == class
			keepOverlay = keepOverlay || o.Overlay
		}
		if !keepClass {
			s.doc.RemoveClass(n, class)
		}
		if r.Overlay && !keepOverlay && s.overlay != nil {
			s.overlay.Detach(n)
		}
	}
}

// detached drops the overlay listeners of an element that left the
// document. Its classes go with it.
func (s *Session) detached(r Rule) func(*html.Node) {
	if !r.Overlay {
		return nil
	}
	return func(n *html.Node) {
		if s.overlay != nil {
			s.overlay.Detach(n)
		}
	}
}

func (s *Session) forward(ev scan.RenderEvent) {
	if s.opts.Messages == nil {
		return
	}
	select {
	case s.opts.Messages <- ev.Message():
	default:
		s.dropped++
		if s.dropped == 1 || s.dropped%100 == 0 {
			s.logger.Warn("render messages dropped", slog.Int("count", s.dropped))
		}
	}
}

// SetEnabled turns highlighting on or off and stores the choice.
func (s *Session) SetEnabled(enabled bool) error {
	return s.updateSettings(func(st *automation.Settings) { st.Enabled = enabled })
}

// SetOverlay turns the hover overlay on or off and stores the choice.
func (s *Session) SetOverlay(enabled bool) error {
	return s.updateSettings(func(st *automation.Settings) { st.Overlay = enabled })
}

func (s *Session) updateSettings(fn func(*automation.Settings)) error {
	next := s.settings
	fn(&next)
	if next == s.settings {
		return nil
	}
	if err := automation.SaveSettings(s.opts.Cache, s.opts.Key, next); err != nil {
		return fmt.Errorf("saving settings: %w", err)
	}
	s.settings = next
	if !s.started {
		return nil
	}
	s.stopEngine()
	if next.Enabled {
		return s.startEngine()
	}
	return nil
}

// Settings returns the current visual settings.
func (s *Session) Settings() automation.Settings { return s.settings }

// Document returns the session's document.
func (s *Session) Document() *dom.Document { return s.doc }

// Engine returns the running scan engine, nil while highlighting is off.
func (s *Session) Engine() *scan.Engine { return s.engine }

// Overlay returns the hover overlay, nil if it is off.
func (s *Session) Overlay() *overlay.Overlay { return s.overlay }

// Controller returns the automation controller, nil without a manager.
func (s *Session) Controller() *automation.Controller { return s.controller }

// Manager returns the automation manager, nil if there is none.
func (s *Session) Manager() *automation.Manager { return s.opts.Manager }

// Matches counts the elements each rule currently matches.
func (s *Session) Matches() []output.RuleMatch {
	rows := make([]output.RuleMatch, 0, len(s.opts.Rules))
	for _, r := range s.opts.Rules {
		m := output.RuleMatch{Rule: r.Name}
		if s.engine != nil {
			m.Matched = len(s.engine.Matched(r.Name))
		}
		rows = append(rows, m)
	}
	return rows
}

// RuleNames returns the configured rule names.
func (s *Session) RuleNames() []string {
	names := make([]string, 0, len(s.opts.Rules))
	for _, r := range s.opts.Rules {
		names = append(names, r.Name)
	}
	return names
}
