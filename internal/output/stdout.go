package output

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"

	"github.com/jakopako/ami/internal/types"
)

// StdoutWriter writes one json document per line.
type StdoutWriter struct {
	out    io.Writer
	logger *slog.Logger
}

// NewStdoutWriter returns a new StdoutWriter
func NewStdoutWriter(wc *WriterConfig) *StdoutWriter {
	return &StdoutWriter{
		out:    os.Stdout,
		logger: slog.With(slog.String("writer", STDOUT_WRITER_TYPE)),
	}
}

func (w *StdoutWriter) Write(ctx context.Context, msgs <-chan types.RenderMessage) error {
	encoder := json.NewEncoder(w.out)
	encoder.SetEscapeHTML(false)
	for {
		select {
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			if err := encoder.Encode(msg); err != nil {
				w.logger.Error("error while writing message", slog.Any("error", err))
			}
		case <-ctx.Done():
			return nil
		}
	}
}
