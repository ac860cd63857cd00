package fetch

import (
	"context"
	"fmt"

	"github.com/jakopako/ami/internal/log"
	"github.com/jakopako/ami/internal/types"
)

// MockFetcher serves the pages listed in the config. It is meant for
// tests and dry runs.
type MockFetcher struct {
	*FetcherConfig
	pagesMap map[string]string
}

func NewMockFetcher(fc *FetcherConfig) *MockFetcher {
	mf := &MockFetcher{
		FetcherConfig: fc,
		pagesMap:      map[string]string{},
	}
	for _, p := range fc.MockPages {
		mf.pagesMap[p.Url] = p.Content
	}
	return mf
}

func (m *MockFetcher) Fetch(ctx context.Context, urlStr string, opts FetchOpts) (string, error) {
	publish(ctx, opts.Network, types.NetworkEvent{Phase: types.NetworkPhaseRequest, URL: urlStr, Method: "GET"})
	p, ok := m.pagesMap[urlStr]
	if !ok {
		publish(ctx, opts.Network, types.NetworkEvent{Phase: types.NetworkPhaseResponse, URL: urlStr, Method: "GET", Status: 404})
		return "", fmt.Errorf("%w: %s", ErrPageNotFound, urlStr)
	}
	publish(ctx, opts.Network, types.NetworkEvent{Phase: types.NetworkPhaseResponse, URL: urlStr, Method: "GET", Status: 200, MimeType: "text/html"})
	if log.Debug {
		writeHTMLToFile(ctx, urlStr, p, m.DebugDir)
	}
	return p, nil
}

// To comply with the Fetcher interface
func (m *MockFetcher) Cancel() {}
