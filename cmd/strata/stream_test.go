package main

import (
	"bytes"
	"testing"
)

func TestParseStreamMode(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in      string
		want    StreamMode
		wantErr bool
	}{
		{in: "", want: StreamInstant},
		{in: "instant", want: StreamInstant},
		{in: "Smooth", want: StreamSmooth},
		{in: "quiet", want: StreamQuiet},
		{in: "typewriter", wantErr: true},
	}
	for _, tc := range cases {
		got, err := parseStreamMode(tc.in)
		if (err != nil) != tc.wantErr || got != tc.want {
			t.Fatalf("parseStreamMode(%q) = %q, %v", tc.in, got, err)
		}
	}
}

func TestStreamWriterModes(t *testing.T) {
	t.Parallel()

	t.Run("instant writes each token", func(t *testing.T) {
		t.Parallel()
		var buf bytes.Buffer
		w := NewStreamWriter(&buf, StreamInstant, false)
		w.Write("Hel")
		if buf.String() != "Hel" {
			t.Fatalf("after one token: %q", buf.String())
		}
		w.Write("lo")
		if got := w.Flush(); got != "Hello" || buf.String() != "Hello" {
			t.Fatalf("flush %q, output %q", got, buf.String())
		}
	})

	t.Run("quiet writes on flush", func(t *testing.T) {
		t.Parallel()
		var buf bytes.Buffer
		w := NewStreamWriter(&buf, StreamQuiet, false)
		w.Write("a")
		w.Write("b")
		if buf.Len() != 0 {
			t.Fatalf("quiet mode wrote %q before flush", buf.String())
		}
		if got := w.Flush(); got != "ab" || buf.String() != "ab" {
			t.Fatalf("flush %q, output %q", got, buf.String())
		}
	})

	t.Run("smooth batches tokens", func(t *testing.T) {
		t.Parallel()
		var buf bytes.Buffer
		w := NewStreamWriter(&buf, StreamSmooth, false)
		w.flushInterval = 1 << 62
		for range w.batchSize - 1 {
			w.Write("x")
		}
		if buf.Len() != 0 {
			t.Fatalf("smooth mode wrote %q before a full batch", buf.String())
		}
		w.Write("x")
		if buf.Len() != w.batchSize {
			t.Fatalf("full batch not written: %q", buf.String())
		}
		w.Write("y")
		w.Flush()
		if buf.String() != "xxxxxy" {
			t.Fatalf("output %q", buf.String())
		}
	})

	t.Run("raw output escapes control characters", func(t *testing.T) {
		t.Parallel()
		var buf bytes.Buffer
		w := NewStreamWriter(&buf, StreamInstant, true)
		w.Write("a\nb\t\\\x01")
		if got := w.Flush(); got != "a\nb\t\\\x01" {
			t.Fatalf("accumulated text was escaped: %q", got)
		}
		if want := `a\nb\t\\\u0001`; buf.String() != want {
			t.Fatalf("output %q, want %q", buf.String(), want)
		}
	})
}
