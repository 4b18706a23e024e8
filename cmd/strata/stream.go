package main

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"
)

type StreamMode string

const (
	StreamInstant StreamMode = "instant"
	StreamSmooth  StreamMode = "smooth"
	StreamQuiet   StreamMode = "quiet"
)

func parseStreamMode(s string) (StreamMode, error) {
	switch m := StreamMode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return StreamInstant, nil
	case StreamInstant, StreamSmooth, StreamQuiet:
		return m, nil
	default:
		return "", fmt.Errorf("unknown stream mode %q (expected instant, smooth or quiet)", s)
	}
}

// StreamWriter handles buffered token streaming with configurable modes
type StreamWriter struct {
	mode   StreamMode
	buffer *bufio.Writer

	mu            sync.Mutex
	batch         strings.Builder
	pending       int
	lastFlush     time.Time
	flushInterval time.Duration
	batchSize     int // flush after N tokens

	accumulator strings.Builder
	rawOutput   bool
}

func NewStreamWriter(w io.Writer, mode StreamMode, rawOutput bool) *StreamWriter {
	return &StreamWriter{
		mode:          mode,
		buffer:        bufio.NewWriterSize(w, 4096),
		flushInterval: 50 * time.Millisecond,
		batchSize:     5,
		lastFlush:     time.Now(),
		rawOutput:     rawOutput,
	}
}

// Write handles a single generated token.
func (w *StreamWriter) Write(token string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.accumulator.WriteString(token)
	switch w.mode {
	case StreamQuiet:
	case StreamSmooth:
		w.batch.WriteString(token)
		w.pending++
		if w.pending >= w.batchSize || time.Since(w.lastFlush) >= w.flushInterval {
			w.flushBatch()
		}
	default:
		w.emit(token)
		_ = w.buffer.Flush()
	}
}

// Flush writes anything still buffered and returns the full text.
func (w *StreamWriter) Flush() string {
	w.mu.Lock()
	defer w.mu.Unlock()

	switch w.mode {
	case StreamQuiet:
		w.emit(w.accumulator.String())
	case StreamSmooth:
		w.flushBatch()
	}
	_ = w.buffer.Flush()
	return w.accumulator.String()
}

func (w *StreamWriter) emit(text string) {
	if w.rawOutput {
		text = escapeRawOutput(text)
	}
	_, _ = w.buffer.WriteString(text)
}

// flushBatch writes the pending batch (must hold lock)
func (w *StreamWriter) flushBatch() {
	if w.batch.Len() > 0 {
		w.emit(w.batch.String())
		_ = w.buffer.Flush()
		w.batch.Reset()
	}
	w.pending = 0
	w.lastFlush = time.Now()
}

func escapeRawOutput(s string) string {
	var b strings.Builder
	for _, r := range s {
		b.WriteString(escapeRawOutputRune(r))
	}
	return b.String()
}

func escapeRawOutputRune(r rune) string {
	switch r {
	case '\n':
		return `\n`
	case '\r':
		return `\r`
	case '\t':
		return `\t`
	case '\\':
		return `\\`
	default:
		if strconv.IsPrint(r) {
			return string(r)
		}
		return fmt.Sprintf(`\u%04x`, r)
	}
}
