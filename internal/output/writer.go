// Package output provides the writers for render telemetry and the
// tabular reports of the command line.
package output

import (
	"context"
	"fmt"

	"github.com/jakopako/ami/internal/types"
)

// Writer defines the interface for all writers that are responsible for
// writing render messages to a specific output. Write returns once msgs
// is closed or ctx is done.
type Writer interface {
	Write(ctx context.Context, msgs <-chan types.RenderMessage) error
}

// WriterConfig defines the necessary parameters to make a new writer.
type WriterConfig struct {
	Type      string `yaml:"type" env:"WRITER_TYPE" env-default:"stdout"`
	Uri       string `yaml:"uri" env:"WRITER_URI"`
	User      string `yaml:"user" env:"WRITER_USER"`
	Password  string `yaml:"password" env:"WRITER_PASSWORD"`
	FilePath  string `yaml:"filepath" env:"WRITER_FILEPATH"`
	BatchSize int    `yaml:"batchSize" env:"WRITER_BATCH_SIZE"`
	Retries   int    `yaml:"retries" env:"WRITER_RETRIES" env-default:"3"`
}

const (
	STDOUT_WRITER_TYPE = "stdout"
	FILE_WRITER_TYPE   = "file"
	API_WRITER_TYPE    = "api"
)

// NewWriter returns the writer selected by wc.Type.
func NewWriter(wc *WriterConfig) (Writer, error) {
	switch wc.Type {
	case "", STDOUT_WRITER_TYPE:
		return NewStdoutWriter(wc), nil
	case FILE_WRITER_TYPE:
		return NewFileWriter(wc)
	case API_WRITER_TYPE:
		return NewAPIWriter(wc)
	}
	return nil, fmt.Errorf("writer of type %s not implemented", wc.Type)
}
