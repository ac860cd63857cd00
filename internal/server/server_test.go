package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/jakopako/ami/internal/automation"
	"github.com/jakopako/ami/internal/store"
	"github.com/jakopako/ami/internal/types"
)

func setup(t *testing.T, deps Deps) *httptest.Server {
	t.Helper()
	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("got unexpected error: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	deps.Store = s
	srv := httptest.NewServer(NewHandler(deps))
	t.Cleanup(srv.Close)
	return srv
}

func TestErrors(t *testing.T) {
	srv := setup(t, Deps{})
	tests := []struct {
		name   string
		method string
		target string
		body   string
		status int
	}{
		{"get without path", http.MethodGet, "/api/automation", "", http.StatusBadRequest},
		{"broken body", http.MethodPost, "/api/automation", "{", http.StatusBadRequest},
		{"unknown action", http.MethodPost, "/api/automation", `{"action":"explode","path":"/a"}`, http.StatusBadRequest},
		{"missing trigger", http.MethodPost, "/api/automation", `{"action":"delete-trigger","path":"/a","triggerId":"x"}`, http.StatusNotFound},
		{"duplicate scenario", http.MethodPost, "/api/automation", `{"action":"create-scenario","path":"/a","scenario":"default"}`, http.StatusConflict},
		{"health", http.MethodGet, "/healthz", "", http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(tt.method, srv.URL+tt.target, strings.NewReader(tt.body))
			if err != nil {
				t.Fatalf("got unexpected error: %v", err)
			}
			resp, err := srv.Client().Do(req)
			if err != nil {
				t.Fatalf("got unexpected error: %v", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != tt.status {
				t.Fatalf("expected status %d but got %d", tt.status, resp.StatusCode)
			}
			if tt.status >= 400 {
				var er types.ErrorResponse
				if err := json.NewDecoder(resp.Body).Decode(&er); err != nil || er.Error == "" {
					t.Fatalf("expected an error body, got %+v (%v)", er, err)
				}
			}
		})
	}
}

func TestBasicAuth(t *testing.T) {
	srv := setup(t, Deps{User: "u", Password: "p"})
	c := automation.NewClient(srv.URL, srv.Client())
	dc := automation.DocumentContext{Path: "/a.html", Root: "site"}

	var re *automation.RemoteError
	if _, err := c.Load(context.Background(), dc); !errors.As(err, &re) || re.Status != http.StatusUnauthorized {
		t.Fatalf("expected 401 but got %v", err)
	}
	c.User, c.Password = "u", "p"
	if _, err := c.Load(context.Background(), dc); err != nil {
		t.Fatalf("got unexpected error: %v", err)
	}
}

// The manager persists through the client into the server and a second
// manager sees the result.
func TestManagerRoundTrip(t *testing.T) {
	srv := setup(t, Deps{})
	ctx := context.Background()
	dc := automation.DocumentContext{Path: "/a.html", Root: "site"}
	newManager := func() *automation.Manager {
		m := automation.NewManager(automation.ManagerOptions{Remote: automation.NewClient(srv.URL, srv.Client())})
		if err := m.SetContext(ctx, dc); err != nil {
			t.Fatalf("got unexpected error: %v", err)
		}
		return m
	}

	m := newManager()
	if _, err := m.CreateScenario(ctx, "Checkout"); err != nil {
		t.Fatalf("got unexpected error: %v", err)
	}
	if err := m.SetActiveScenario(ctx, "checkout"); err != nil {
		t.Fatalf("got unexpected error: %v", err)
	}
	tr, err := m.CreateTrigger(ctx, automation.Trigger{Name: "save", Selector: "#save", ConditionCode: "return false;", Enabled: true})
	if err != nil {
		t.Fatalf("got unexpected error: %v", err)
	}
	if err := m.SetEnabled(ctx, true); err != nil {
		t.Fatalf("got unexpected error: %v", err)
	}

	s := newManager().State()
	if !s.Enabled || s.ActiveScenario != "checkout" {
		t.Fatalf("unexpected reloaded state %+v", s)
	}
	got, ok := s.Trigger(tr.ID)
	if !ok {
		t.Fatalf("expected trigger %s after reload", tr.ID)
	}
	if got.ConditionCode != "return false;" || got.Scenario != "checkout" || !got.UpdatedAt.Equal(tr.UpdatedAt) {
		t.Fatalf("unexpected reloaded trigger %+v", got)
	}

	if err := m.RemoveTrigger(ctx, tr.ID); err != nil {
		t.Fatalf("got unexpected error: %v", err)
	}
	if _, ok := newManager().State().Trigger(tr.ID); ok {
		t.Fatalf("expected the trigger to be deleted remotely")
	}
}
