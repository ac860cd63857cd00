package output

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/jakopako/ami/internal/types"
)

// FileWriter collects every message and writes them as one indented json
// array when the input ends.
type FileWriter struct {
	*WriterConfig
	logger *slog.Logger
}

// NewFileWriter returns a new FileWriter
func NewFileWriter(wc *WriterConfig) (*FileWriter, error) {
	if wc.FilePath == "" {
		return nil, errors.New("the file writer needs a filepath")
	}
	return &FileWriter{
		WriterConfig: wc,
		logger:       slog.With(slog.String("writer", FILE_WRITER_TYPE)),
	}, nil
}

func (fw *FileWriter) Write(ctx context.Context, msgs <-chan types.RenderMessage) error {
	all := []types.RenderMessage{}
loop:
	for {
		select {
		case msg, ok := <-msgs:
			if !ok {
				break loop
			}
			all = append(all, msg)
		case <-ctx.Done():
			break loop
		}
	}

	buffer := &bytes.Buffer{}
	encoder := json.NewEncoder(buffer)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(all); err != nil {
		return fmt.Errorf("encoding messages: %w", err)
	}
	var indentBuffer bytes.Buffer
	if err := json.Indent(&indentBuffer, buffer.Bytes(), "", "  "); err != nil {
		return fmt.Errorf("indenting messages: %w", err)
	}
	if err := os.WriteFile(fw.FilePath, indentBuffer.Bytes(), 0644); err != nil {
		return fmt.Errorf("writing %s: %w", fw.FilePath, err)
	}
	fw.logger.Info(fmt.Sprintf("wrote %d messages to file %s", len(all), fw.FilePath))
	return nil
}
