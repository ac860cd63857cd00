package output

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/jakopako/ami/internal/types"
)

// APIWriter posts batches of messages as json arrays to an http endpoint.
// Failed posts are retried with exponential backoff.
type APIWriter struct {
	*WriterConfig
	client  *http.Client
	backoff time.Duration
	logger  *slog.Logger
}

// NewAPIWriter returns a new APIWriter
func NewAPIWriter(wc *WriterConfig) (*APIWriter, error) {
	if wc.Uri == "" {
		return nil, errors.New("the api writer needs a uri")
	}
	if wc.BatchSize <= 0 {
		wc.BatchSize = 100 // default
	}
	return &APIWriter{
		WriterConfig: wc,
		client:       &http.Client{Timeout: 30 * time.Second},
		backoff:      time.Second,
		logger:       slog.With(slog.String("writer", API_WRITER_TYPE)),
	}, nil
}

func (w *APIWriter) Write(ctx context.Context, msgs <-chan types.RenderMessage) error {
	batch := make([]types.RenderMessage, 0, w.BatchSize)
	written := 0
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := w.post(ctx, batch); err != nil {
			return err
		}
		written += len(batch)
		batch = batch[:0]
		return nil
	}
	for {
		select {
		case msg, ok := <-msgs:
			if !ok {
				err := flush()
				w.logger.Info(fmt.Sprintf("wrote %d messages to the api", written))
				return err
			}
			batch = append(batch, msg)
			if len(batch) == w.BatchSize {
				if err := flush(); err != nil {
					return err
				}
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (w *APIWriter) post(ctx context.Context, batch []types.RenderMessage) error {
	body, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("marshalling batch: %w", err)
	}
	var lastErr error
	for attempt := 0; attempt <= w.Retries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(w.backoff << (attempt - 1)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.Uri, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		if w.User != "" {
			req.SetBasicAuth(w.User, w.Password)
		}
		resp, err := w.client.Do(req)
		if err != nil {
			lastErr = err
			w.logger.Warn("request failed", slog.Int("attempt", attempt+1), slog.Any("error", err))
			continue
		}
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		lastErr = fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(respBody))
		w.logger.Warn("bad status", slog.Int("attempt", attempt+1), slog.Int("status", resp.StatusCode))
	}
	return fmt.Errorf("posting %d messages: %w", len(batch), lastErr)
}
