package pagecache

import (
	"bytes"
	"fmt"
	"io"
	"os"
)

// Sink receives reconstructed content.
//
// Reconstruct calls WriteAt with strictly ascending offsets, so sequential
// sinks can implement it without seeking backwards.
type Sink interface {
	// WriteAt writes p at offset off.
	WriteAt(p []byte, off int64) (int, error)

	// Truncate sets the final content length.
	Truncate(size int64) error
}

// ============================================================================
// File sink
// ============================================================================

// FileSink writes into a regular file with positioned writes; unwritten
// ranges stay sparse.
type FileSink struct {
	f *os.File
}

// CreateFile creates path for writing. It fails with an error matching
// os.ErrExist when path already exists.
func CreateFile(path string) (*FileSink, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, err
	}
	return &FileSink{f: f}, nil
}

// NewFileSink wraps an open file.
func NewFileSink(f *os.File) *FileSink {
	return &FileSink{f: f}
}

func (s *FileSink) WriteAt(p []byte, off int64) (int, error) {
	return s.f.WriteAt(p, off)
}

func (s *FileSink) Truncate(size int64) error {
	return s.f.Truncate(size)
}

// Write writes at the current file offset, so a FileSink can also back a
// StreamSink.
func (s *FileSink) Write(p []byte) (int, error) {
	return s.f.Write(p)
}

// Name returns the file name.
func (s *FileSink) Name() string {
	return s.f.Name()
}

// Close closes the file.
func (s *FileSink) Close() error {
	return s.f.Close()
}

// ============================================================================
// Stream sink
// ============================================================================

// StreamSink writes a dense byte stream: holes before each page are filled
// with zeros, and Truncate pads the stream with zeros up to the size.
type StreamSink struct {
	w   io.Writer
	pos int64
}

// NewStreamSink creates a sink writing to w.
func NewStreamSink(w io.Writer) *StreamSink {
	return &StreamSink{w: w}
}

var zeros [64 * 1024]byte

func (s *StreamSink) fill(to int64) error {
	for s.pos < to {
		n := min(to-s.pos, int64(len(zeros)))
		written, err := s.w.Write(zeros[:n])
		s.pos += int64(written)
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *StreamSink) WriteAt(p []byte, off int64) (int, error) {
	if off < s.pos {
		return 0, fmt.Errorf("stream sink: offset %d before current position %d", off, s.pos)
	}
	if err := s.fill(off); err != nil {
		return 0, err
	}
	n, err := s.w.Write(p)
	s.pos += int64(n)
	return n, err
}

// Truncate pads the stream up to size. A stream cannot shrink, so a size
// below the current position is an error.
func (s *StreamSink) Truncate(size int64) error {
	if size < s.pos {
		return fmt.Errorf("stream sink: cannot shrink from %d to %d", s.pos, size)
	}
	return s.fill(size)
}

// Written returns the number of bytes written so far, zero fill included.
func (s *StreamSink) Written() int64 {
	return s.pos
}

// ============================================================================
// Buffer sink
// ============================================================================

// BufferSink collects the content in memory.
type BufferSink struct {
	data []byte
}

// NewBufferSink creates an empty BufferSink.
func NewBufferSink() *BufferSink {
	return &BufferSink{}
}

func (s *BufferSink) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("negative offset: %d", off)
	}
	end := off + int64(len(p))
	if end > int64(len(s.data)) {
		s.data = append(s.data, make([]byte, end-int64(len(s.data)))...)
	}
	copy(s.data[off:], p)
	return len(p), nil
}

func (s *BufferSink) Truncate(size int64) error {
	if size < 0 {
		return fmt.Errorf("negative size: %d", size)
	}
	if size <= int64(len(s.data)) {
		s.data = s.data[:size]
		return nil
	}
	s.data = append(s.data, make([]byte, size-int64(len(s.data)))...)
	return nil
}

// Bytes returns the collected content. The slice aliases the sink's buffer.
func (s *BufferSink) Bytes() []byte {
	return s.data
}

// Reader returns a reader over the collected content.
func (s *BufferSink) Reader() *bytes.Reader {
	return bytes.NewReader(s.data)
}
