package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/jakopako/ami/internal/config"
)

func TestDocumentPath(t *testing.T) {
	tests := []struct {
		location string
		want     string
	}{
		{"https://example.com/docs/a.html", "/docs/a.html"},
		{"https://example.com", "/"},
		{"docs/a.html", "/docs/a.html"},
		{"./docs/../a.html", "/a.html"},
		{"file:///srv/a.html", "/srv/a.html"},
	}
	for _, tt := range tests {
		if got := documentPath(tt.location); got != tt.want {
			t.Fatalf("%s: expected %q but got %q", tt.location, tt.want, got)
		}
	}
}

func TestDocFlagsContext(t *testing.T) {
	cfg := &config.Config{Automation: config.AutomationConfig{Root: "site"}}
	dc, err := DocFlags{}.context(cfg, "docs/a.html")
	if err != nil {
		t.Fatalf("got unexpected error: %v", err)
	}
	if dc.Root != "site" || dc.Path != "/docs/a.html" {
		t.Fatalf("unexpected context %+v", dc)
	}
	if _, err := (DocFlags{}).context(cfg, ""); err == nil {
		t.Fatalf("expected an error without a path")
	}
}

func TestReadScript(t *testing.T) {
	p := filepath.Join(t.TempDir(), "action.go")
	if err := os.WriteFile(p, []byte("return nil"), 0644); err != nil {
		t.Fatalf("got unexpected error: %v", err)
	}
	if got, err := readScript("@" + p); err != nil || got != "return nil" {
		t.Fatalf("expected the file content but got %q (%v)", got, err)
	}
	if got, _ := readScript("return true"); got != "return true" {
		t.Fatalf("expected the inline script but got %q", got)
	}
	if _, err := readScript("@" + p + ".missing"); err == nil {
		t.Fatalf("expected an error for a missing file")
	}
}
