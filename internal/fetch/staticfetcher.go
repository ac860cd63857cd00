package fetch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/jakopako/ami/internal/log"
	"github.com/jakopako/ami/internal/types"
)

// The StaticFetcher fetches static page content. Local paths are read
// from disk.
type StaticFetcher struct {
	*FetcherConfig
	client *http.Client
}

func NewStaticFetcher(fc *FetcherConfig) *StaticFetcher {
	return &StaticFetcher{
		FetcherConfig: fc,
		client:        &http.Client{},
	}
}

func (s *StaticFetcher) Fetch(ctx context.Context, url string, opts FetchOpts) (string, error) {
	logger := log.LoggerFromContext(ctx)
	if IsLocal(url) {
		logger.Debug("reading page", slog.String("fetcher", "static"), slog.String("path", url))
		return readLocal(url)
	}
	logger.Debug("fetching page", slog.String("fetcher", "static"), slog.String("url", url), slog.String("user-agent", s.UserAgent))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", s.UserAgent)
	req.Header.Set("Accept", "*/*")
	publish(ctx, opts.Network, types.NetworkEvent{Phase: types.NetworkPhaseRequest, URL: url, Method: req.Method})
	res, err := s.client.Do(req)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()
	publish(ctx, opts.Network, types.NetworkEvent{
		Phase:    types.NetworkPhaseResponse,
		URL:      url,
		Method:   req.Method,
		Status:   res.StatusCode,
		MimeType: res.Header.Get("Content-Type"),
	})

	if res.StatusCode != http.StatusOK {
		return "", fmt.Errorf("status code error: %d %s", res.StatusCode, res.Status)
	}
	b, err := io.ReadAll(res.Body)
	if err != nil {
		return "", err
	}
	body := string(b)
	if log.Debug {
		writeHTMLToFile(ctx, url, body, s.DebugDir)
	}
	return body, nil
}

func (s *StaticFetcher) Cancel() {}
