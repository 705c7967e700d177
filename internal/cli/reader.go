package cli

import (
	"bufio"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
)

// ErrInputCancelled is returned when input is canceled by context.
var ErrInputCancelled = errors.New("input canceled")

type lineResult struct {
	err  error
	line string
}

// LineReader reads lines from an input that may block forever, such as a
// terminal, while still honoring context cancellation. A single goroutine
// owns the underlying reader so a cancelled read never loses the next line.
type LineReader struct {
	src   *bufio.Reader
	lines chan lineResult
	once  sync.Once
}

// NewLineReader creates a reader over r.
func NewLineReader(r io.Reader) *LineReader {
	if r == nil {
		panic("reader cannot be nil")
	}
	return &LineReader{
		src:   bufio.NewReader(r),
		lines: make(chan lineResult),
	}
}

func (r *LineReader) pump() {
	defer close(r.lines)
	for {
		line, err := r.src.ReadString('\n')
		if line != "" {
			r.lines <- lineResult{line: line}
		}
		if err != nil {
			r.lines <- lineResult{err: err}
			return
		}
	}
}

// ReadLine returns the next line with surrounding whitespace removed.
func (r *LineReader) ReadLine(ctx context.Context) (string, error) {
	if ctx.Err() != nil {
		return "", ErrInputCancelled
	}
	r.once.Do(func() { go r.pump() })

	select {
	case <-ctx.Done():
		return "", ErrInputCancelled
	case res, ok := <-r.lines:
		if !ok {
			return "", io.EOF
		}
		if res.err != nil {
			return "", res.err
		}
		return strings.TrimSpace(res.line), nil
	}
}
