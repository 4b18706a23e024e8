package pipeline

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/samcharles93/strata/internal/device"
	"github.com/samcharles93/strata/internal/hub"
	"github.com/samcharles93/strata/internal/logger"
	"github.com/samcharles93/strata/internal/logits"
	"github.com/samcharles93/strata/internal/lora"
	"github.com/samcharles93/strata/internal/tensor"
	"github.com/samcharles93/strata/internal/testutil"
)

func quietContext() context.Context {
	return logger.WithContext(context.Background(), logger.Discard())
}

var cpu = device.Device{Kind: device.CPU}

// baseRepo writes a tiny Gemma repo and returns a loader for it.
func baseRepo(t *testing.T, spec testutil.GemmaSpec) (*Loader, string) {
	t.Helper()
	dir := t.TempDir()
	testutil.WriteGemmaRepo(t, dir, spec)
	return &Loader{ModelID: dir, Kind: KindNormal}, dir
}

// xloraRepo writes a tiny Gemma repo plus an adapter repo and returns an
// X-LoRA loader for them.
func xloraRepo(t *testing.T, x testutil.XLoraSpec) *Loader {
	t.Helper()
	spec := testutil.Tiny()
	baseDir, xDir := t.TempDir(), t.TempDir()
	testutil.WriteGemmaRepo(t, baseDir, spec)
	ordPath := testutil.WriteXLoraRepo(t, xDir, spec, x)
	ord, err := lora.LoadOrdering(ordPath)
	if err != nil {
		t.Fatal(err)
	}
	return &Loader{ModelID: baseDir, Kind: KindXLora, XLoraModelID: xDir, XLoraOrder: ord}
}

func acquire(t *testing.T, l *Loader) *ArtifactSet {
	t.Helper()
	set, err := l.Acquire(quietContext(), "", hub.NoToken())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	return set
}

func build(t *testing.T, l *Loader) *Pipeline {
	t.Helper()
	set := acquire(t, l)
	f32 := tensor.F32
	p, err := l.Build(quietContext(), set, &f32, cpu)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func tinyPipeline(t *testing.T) *Pipeline {
	t.Helper()
	l, _ := baseRepo(t, testutil.Tiny())
	l.Config.RepeatLastN = 16
	return build(t, l)
}

func fileIn(dir, name string) string { return filepath.Join(dir, filepath.FromSlash(name)) }

func greedy() *logits.Sampler {
	return logits.NewSampler(logits.SamplerConfig{Seed: 1})
}
