// Package fetch loads documents from disk, over HTTP or through a headless
// browser.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/jakopako/ami/internal/log"
	"github.com/jakopako/ami/internal/types"
)

const (
	STATIC_FETCHER_TYPE  = "static"
	DYNAMIC_FETCHER_TYPE = "dynamic"
	MOCK_FETCHER_TYPE    = "mock"
)

var ErrPageNotFound = errors.New("page not found")

// A Fetcher allows to fetch the content of a web page.
type Fetcher interface {
	Fetch(ctx context.Context, url string, opts FetchOpts) (string, error)
	Cancel()
}

// FetchOpts are per fetch options. Network, if set, receives the requests
// and responses observed while loading. Sends never block the fetch for
// longer than the context allows.
type FetchOpts struct {
	Interaction []*types.Interaction
	Network     chan<- types.NetworkEvent
}

// MockPage is a page served by the mock fetcher.
type MockPage struct {
	Url     string `yaml:"url"`
	Content string `yaml:"content"`
}

// FetcherConfig configures every fetcher type.
type FetcherConfig struct {
	Type           string               `yaml:"type" env:"AMI_FETCHER" env-default:"static"`
	UserAgent      string               `yaml:"userAgent" env:"AMI_USER_AGENT" env-default:"ami"`
	PageLoadWaitMS int                  `yaml:"pageLoadWaitMs"`
	Interaction    []*types.Interaction `yaml:"interaction,omitempty"`
	DebugDir       string               `yaml:"debugDir"`
	MockPages      []MockPage           `yaml:"mockPages,omitempty"`
}

// NewFetcher returns the fetcher selected by fc.Type.
func NewFetcher(fc *FetcherConfig) (Fetcher, error) {
	switch fc.Type {
	case "", STATIC_FETCHER_TYPE:
		return NewStaticFetcher(fc), nil
	case DYNAMIC_FETCHER_TYPE:
		return NewDynamicFetcher(fc), nil
	case MOCK_FETCHER_TYPE:
		return NewMockFetcher(fc), nil
	}
	return nil, fmt.Errorf("unknown fetcher type %q", fc.Type)
}

// IsLocal reports whether location names a file rather than a URL.
func IsLocal(location string) bool {
	u, err := url.Parse(location)
	if err != nil || u.Scheme == "" || u.Scheme == "file" {
		return true
	}
	// windows drive letters parse as a scheme
	return len(u.Scheme) == 1
}

func readLocal(location string) (string, error) {
	p := strings.TrimPrefix(location, "file://")
	b, err := os.ReadFile(p)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func publish(ctx context.Context, ch chan<- types.NetworkEvent, ev types.NetworkEvent) {
	if ch == nil {
		return
	}
	select {
	case ch <- ev:
	case <-ctx.Done():
	}
}

// writeHTMLToFile keeps a copy of a fetched page in dir for debugging.
func writeHTMLToFile(ctx context.Context, location, content, dir string) {
	logger := log.LoggerFromContext(ctx)
	name := "page"
	if u, err := url.Parse(location); err == nil && u.Host != "" {
		name = u.Host
	}
	if dir != "" {
		if err := os.MkdirAll(dir, os.ModePerm); err != nil {
			logger.Warn("failed to create debug directory", slog.String("dir", dir), slog.Any("error", err))
			return
		}
	}
	filename := filepath.Join(dir, fmt.Sprintf("%s-%s.html", name, uuid.NewString()[:8]))
	logger.Debug("writing html to file", slog.String("url", location), slog.String("file", filename))
	if err := os.WriteFile(filename, []byte(content), 0644); err != nil {
		logger.Warn("failed to write html file", slog.String("file", filename), slog.Any("error", err))
	}
}
