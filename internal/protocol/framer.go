package protocol

import (
	"bytes"
	"context"
	"errors"
	"io"
	"iter"
	"strings"

	"github.com/rs/zerolog/log"
	"golang.org/x/text/encoding/unicode"
)

// MaxLineLength bounds the bytes buffered while waiting for a newline
const MaxLineLength = 4096

// DefaultChunkSize is the read size used by Lines
const DefaultChunkSize = 256

// Framer turns arbitrary byte chunks into trimmed, non-empty text lines.
// Bytes are only decoded once a full line is available, so a multi-byte
// character split across two chunks is decoded intact. A line longer than
// MaxLineLength is dropped whole, however it was chunked.
type Framer struct {
	buf        []byte
	discarding bool
	overflows  int
}

// NewFramer creates an empty framer
func NewFramer() *Framer {
	return &Framer{}
}

// Feed appends a chunk and returns the complete lines it finished
func (f *Framer) Feed(chunk []byte) []string {
	if len(chunk) == 0 {
		return nil
	}
	f.buf = append(f.buf, chunk...)

	var lines []string
	for {
		i := bytes.IndexByte(f.buf, '\n')
		if i < 0 {
			break
		}
		switch {
		case f.discarding:
			// tail of a line already counted as an overflow
			f.discarding = false
		case i > MaxLineLength:
			f.overflow(i)
		default:
			if line := decodeLine(f.buf[:i]); line != "" {
				lines = append(lines, line)
			}
		}
		f.buf = f.buf[i+1:]
	}

	switch {
	case f.discarding:
		f.buf = nil
	case len(f.buf) > MaxLineLength:
		f.overflow(len(f.buf))
		f.discarding = true
		f.buf = nil
	}
	// Compact so the backing array does not grow with every chunk
	if len(f.buf) == 0 {
		f.buf = f.buf[:0:0]
	} else {
		f.buf = append([]byte(nil), f.buf...)
	}
	return lines
}

func (f *Framer) overflow(n int) {
	log.Warn().Int("buffered", n).Msg("Discarding oversized line")
	f.overflows++
}

// Pending returns the number of buffered bytes not yet terminated by a newline
func (f *Framer) Pending() int {
	return len(f.buf)
}

// Overflows returns how many oversized fragments were discarded
func (f *Framer) Overflows() int {
	return f.overflows
}

// Reset drops any unterminated fragment
func (f *Framer) Reset() {
	f.buf = nil
	f.discarding = false
}

func decodeLine(raw []byte) string {
	decoded, err := unicode.UTF8.NewDecoder().Bytes(raw)
	if err != nil {
		decoded = raw
	}
	return strings.TrimSpace(string(decoded))
}

// Lines lazily frames the byte stream read from r. The sequence ends
// silently on io.EOF (dropping any unterminated fragment) or once ctx is
// done; the cancellation is checked after each chunk, never mid-read. A
// read failure is yielded once as a non-nil error and ends the sequence.
func Lines(ctx context.Context, r io.Reader) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		f := NewFramer()
		defer f.Reset()

		chunk := make([]byte, DefaultChunkSize)
		for {
			if ctx.Err() != nil {
				return
			}

			n, err := r.Read(chunk)
			if n > 0 {
				for _, line := range f.Feed(chunk[:n]) {
					if !yield(line, nil) {
						return
					}
				}
			}
			if err != nil {
				if errors.Is(err, io.EOF) {
					return
				}
				yield("", err)
				return
			}
		}
	}
}
