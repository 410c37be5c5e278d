package capture

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/smazurov/v4lstream/pkg/linuxav/streamio"
)

// Sink receives captured frames. data is only valid during the call.
type Sink interface {
	WriteFrame(meta streamio.Metadata, data []byte) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(meta streamio.Metadata, data []byte) error

func (f SinkFunc) WriteFrame(meta streamio.Metadata, data []byte) error {
	return f(meta, data)
}

// WriterSink concatenates raw frames into w.
type WriterSink struct {
	W io.Writer
}

func (s WriterSink) WriteFrame(_ streamio.Metadata, data []byte) error {
	_, err := s.W.Write(data)
	return err
}

// DiscardSink drops every frame.
type DiscardSink struct{}

func (DiscardSink) WriteFrame(streamio.Metadata, []byte) error { return nil }

// FileSink writes each frame to its own file in Dir. Pattern is a
// fmt verb taking the frame sequence number, "frame-%06d.raw" by default.
type FileSink struct {
	Dir     string
	Pattern string
}

func (s FileSink) WriteFrame(meta streamio.Metadata, data []byte) error {
	pattern := s.Pattern
	if pattern == "" {
		pattern = "frame-%06d.raw"
	}
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory %s: %w", s.Dir, err)
	}
	path := filepath.Join(s.Dir, fmt.Sprintf(pattern, meta.Sequence))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
