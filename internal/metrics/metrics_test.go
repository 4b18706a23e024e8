package metrics

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordSample(t *testing.T) {
	okBefore := testutil.ToFloat64(SampledTokens)
	errBefore := testutil.ToFloat64(SamplingErrors)

	RecordSample(nil)
	RecordSample(nil)
	RecordSample(errors.New("nan"))

	if got := testutil.ToFloat64(SampledTokens) - okBefore; got != 2 {
		t.Fatalf("sampled tokens delta = %v, want 2", got)
	}
	if got := testutil.ToFloat64(SamplingErrors) - errBefore; got != 1 {
		t.Fatalf("sampling errors delta = %v, want 1", got)
	}
}

func TestRecordForwardCountsPaths(t *testing.T) {
	inc := ForwardTokens.WithLabelValues("incremental")
	full := ForwardTokens.WithLabelValues("full")
	incBefore, fullBefore := testutil.ToFloat64(inc), testutil.ToFloat64(full)

	RecordForward("base", 1, 0, time.Millisecond)
	RecordForward("xlora", 2, 7, time.Millisecond)

	if got := testutil.ToFloat64(inc) - incBefore; got != 3 {
		t.Fatalf("incremental delta = %v, want 3", got)
	}
	if got := testutil.ToFloat64(full) - fullBefore; got != 7 {
		t.Fatalf("full delta = %v, want 7", got)
	}
}

func TestRecordLoadCountsErrors(t *testing.T) {
	c := LoadErrors.WithLabelValues("build")
	before := testutil.ToFloat64(c)
	RecordLoad("build", time.Second, nil)
	RecordLoad("build", time.Second, errors.New("bad config"))
	if got := testutil.ToFloat64(c) - before; got != 1 {
		t.Fatalf("load errors delta = %v, want 1", got)
	}
}

func TestHelpText(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		c    prometheus.Collector
		help string
	}{
		{name: "compute failures", c: ComputeFailures, help: "Forward calls that hit a compute failure"},
		{name: "context length", c: ContextLength, help: "Prompt length in tokens when a generation starts"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			ch := make(chan *prometheus.Desc, 1)
			tc.c.Describe(ch)
			if got := (<-ch).String(); !strings.Contains(got, `help: "`+tc.help+`"`) {
				t.Fatalf("desc = %s, want help %q", got, tc.help)
			}
		})
	}
}
