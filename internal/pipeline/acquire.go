package pipeline

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"slices"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/strata/internal/hub"
	"github.com/samcharles93/strata/internal/logger"
	"github.com/samcharles93/strata/internal/lora"
	"github.com/samcharles93/strata/internal/metrics"
)

const (
	defaultFetchConcurrency = 4

	fileTokenizer       = "tokenizer.json"
	fileConfig          = "config.json"
	fileTokenizerConfig = "tokenizer_config.json"
	fileGenerationCfg   = "generation_config.json"
	fileWeightIndex     = "model.safetensors.index.json"
	fileClassifier      = "xlora_classifier.safetensors"
	fileClassifierCfg   = "xlora_config.json"
	fileAdapterConfig   = "adapter_config.json"
	fileAdapterWeights  = "adapter_model.safetensors"
)

// Config holds the per-pipeline sampling settings.
type Config struct {
	// RepeatLastN is the length of the repetition window handed to the
	// sampler. Zero disables the window.
	RepeatLastN int
}

// Loader resolves and builds a Gemma pipeline. Acquire touches only the
// artifact store; Build touches only local files.
type Loader struct {
	ModelID string
	Kind    ModelKind
	Config  Config

	// QuantizedModelID and QuantizedFilename name a GGUF/GGML file. Any
	// value is rejected: this pipeline only serves safetensors weights.
	QuantizedModelID  string
	QuantizedFilename string

	XLoraModelID string
	XLoraOrder   *lora.Ordering

	NoKVCache bool
	// ChatTemplate replaces the template from tokenizer_config.json. It is
	// either a literal template or a path to a template or JSON file.
	ChatTemplate string
	// TokenizerJSON is a local tokenizer.json used instead of the repo's.
	TokenizerJSON string

	// Store resolves repository files. When nil, repos naming a local
	// directory are read in place and others go through a hub cache.
	Store       hub.Store
	BaseURL     string
	CacheDir    string
	Concurrency int
}

type fetch struct {
	repo, file string
	optional   bool
	dst        *string
}

// Acquire resolves every artifact the requested kind needs to local paths.
func (l *Loader) Acquire(ctx context.Context, revision string, ts hub.TokenSource) (set *ArtifactSet, err error) {
	start := time.Now()
	defer func() { metrics.RecordLoad("acquire", time.Since(start), err) }()
	log := logger.FromContext(ctx).With("model", l.ModelID)

	if err := l.Kind.check(); err != nil {
		return nil, err
	}
	if l.QuantizedModelID != "" || l.QuantizedFilename != "" {
		return nil, &UnsupportedVariantError{
			Kind:   l.Kind,
			Reason: fmt.Sprintf("quantized weights %s/%s requested", l.QuantizedModelID, l.QuantizedFilename),
		}
	}
	if l.ModelID == "" {
		return nil, &DownloadError{Kind: DownloadNotFound, Err: errors.New("model id is required")}
	}
	if revision == "" {
		revision = hub.DefaultRevision
	}

	store, err := l.store(ctx, ts)
	if err != nil {
		return nil, err
	}

	set = &ArtifactSet{Repo: l.ModelID, Revision: revision}
	files, err := store.List(ctx, l.ModelID, revision)
	if err != nil {
		return nil, newDownloadError(l.ModelID, "", err)
	}

	var jobs []fetch
	if l.TokenizerJSON != "" {
		log.Info("using local tokenizer.json", "path", l.TokenizerJSON)
		set.TokenizerPath = l.TokenizerJSON
	} else {
		jobs = append(jobs, fetch{repo: l.ModelID, file: fileTokenizer, dst: &set.TokenizerPath})
	}
	jobs = append(jobs,
		fetch{repo: l.ModelID, file: fileConfig, dst: &set.ConfigPath},
		fetch{repo: l.ModelID, file: fileTokenizerConfig, dst: &set.TemplatePath},
	)
	if slices.Contains(files, fileGenerationCfg) {
		jobs = append(jobs, fetch{repo: l.ModelID, file: fileGenerationCfg, optional: true, dst: &set.GenerationConfigPath})
	}

	shards, err := l.weightFiles(ctx, store, revision, files)
	if err != nil {
		return nil, err
	}
	set.WeightPaths = make([]string, len(shards))
	for i, s := range shards {
		jobs = append(jobs, fetch{repo: l.ModelID, file: s, dst: &set.WeightPaths[i]})
	}

	switch {
	case l.Kind.IsXLora():
		xjobs, err := l.adapterJobs(set)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, xjobs...)
	case l.XLoraModelID != "":
		log.Warn("ignoring adapter repository for a base model", "xlora_model", l.XLoraModelID, "kind", l.Kind)
	}

	if err := l.fetchAll(ctx, store, revision, jobs); err != nil {
		return nil, err
	}
	log.Info("artifacts acquired",
		"revision", revision,
		"shards", len(set.WeightPaths),
		"adapters", len(set.Adapters),
		"elapsed", time.Since(start).Round(time.Millisecond))
	return set, nil
}

// store returns the configured Store or builds one that reads local repos in
// place and fetches the rest through the hub cache.
func (l *Loader) store(ctx context.Context, ts hub.TokenSource) (hub.Store, error) {
	if l.Store != nil {
		return l.Store, nil
	}
	if hub.IsLocal(l.ModelID) && (l.XLoraModelID == "" || hub.IsLocal(l.XLoraModelID)) {
		return hub.Local{}, nil
	}
	token, err := ts.Token()
	if err != nil {
		return nil, &DownloadError{Kind: DownloadAuth, Repo: l.ModelID, Err: err}
	}
	client := hub.NewClient(hub.WithToken(token), hub.WithBaseURL(l.BaseURL))
	dir := cmp.Or(l.CacheDir, hub.DefaultCacheDir())
	return hub.Split{Remote: hub.NewCache(client, dir, logger.FromContext(ctx))}, nil
}

// weightFiles picks the safetensors shards to fetch.
func (l *Loader) weightFiles(ctx context.Context, store hub.Store, revision string, files []string) ([]string, error) {
	if slices.Contains(files, fileWeightIndex) {
		p, err := store.Get(ctx, l.ModelID, revision, fileWeightIndex)
		if err != nil {
			return nil, newDownloadError(l.ModelID, fileWeightIndex, err)
		}
		shards, err := readWeightIndex(p)
		if err != nil {
			return nil, &ConfigParseError{Path: p, Err: err}
		}
		return shards, nil
	}

	var shards, other []string
	for _, f := range files {
		if strings.Contains(f, "/") {
			continue
		}
		switch strings.ToLower(path.Ext(f)) {
		case ".safetensors":
			shards = append(shards, f)
		case ".gguf", ".ggml", ".bin", ".pt", ".pth":
			other = append(other, f)
		}
	}
	if len(shards) > 0 {
		slices.Sort(shards)
		return shards, nil
	}
	if len(other) > 0 {
		return nil, &UnsupportedVariantError{
			Kind:   l.Kind,
			Reason: fmt.Sprintf("repository only carries %s weights; safetensors are required", strings.Join(other, ", ")),
		}
	}
	return nil, &DownloadError{Kind: DownloadNotFound, Repo: l.ModelID, File: "*.safetensors", Err: errors.New("no safetensors weights in repository")}
}

// readWeightIndex returns the unique, sorted shard names of an index file.
func readWeightIndex(p string) ([]string, error) {
	raw, err := os.ReadFile(p)
	if err != nil {
		return nil, err
	}
	var idx struct {
		WeightMap map[string]string `json:"weight_map"`
	}
	if err := json.Unmarshal(raw, &idx); err != nil {
		return nil, err
	}
	if len(idx.WeightMap) == 0 {
		return nil, errors.New("weight_map is empty")
	}
	var shards []string
	for _, s := range idx.WeightMap {
		if !slices.Contains(shards, s) {
			shards = append(shards, s)
		}
	}
	slices.Sort(shards)
	return shards, nil
}

// adapterJobs fills the adapter fields of set and returns the fetches that
// populate their paths.
func (l *Loader) adapterJobs(set *ArtifactSet) ([]fetch, error) {
	if l.XLoraModelID == "" {
		return nil, &UnsupportedVariantError{Kind: l.Kind, Reason: "x-lora requires an adapter model id"}
	}
	if l.XLoraOrder == nil {
		return nil, &UnsupportedVariantError{Kind: l.Kind, Reason: "x-lora requires an adapter ordering"}
	}
	if err := l.XLoraOrder.Validate(); err != nil {
		return nil, &ConfigParseError{Path: "ordering", Err: err}
	}

	set.Ordering = l.XLoraOrder
	set.Adapters = make([]AdapterFiles, len(l.XLoraOrder.Order))
	jobs := []fetch{
		{repo: l.XLoraModelID, file: fileClassifier, dst: &set.ClassifierPath},
		{repo: l.XLoraModelID, file: fileClassifierCfg, dst: &set.ClassifierConfigPath},
	}
	for i, name := range l.XLoraOrder.Order {
		set.Adapters[i].Name = name
		jobs = append(jobs,
			fetch{repo: l.XLoraModelID, file: name + "/" + fileAdapterConfig, dst: &set.Adapters[i].ConfigPath},
			fetch{repo: l.XLoraModelID, file: name + "/" + fileAdapterWeights, dst: &set.Adapters[i].WeightsPath},
		)
	}
	return jobs, nil
}

// fetchAll runs the fetches concurrently. Each job writes only its own
// destination, so results keep their order.
func (l *Loader) fetchAll(ctx context.Context, store hub.Store, revision string, jobs []fetch) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(cmp.Or(l.Concurrency, defaultFetchConcurrency))
	for _, j := range jobs {
		g.Go(func() error {
			p, err := store.Get(ctx, j.repo, revision, j.file)
			if err != nil {
				if j.optional && hub.IsNotFound(err) {
					return nil
				}
				return newDownloadError(j.repo, j.file, err)
			}
			*j.dst = p
			return nil
		})
	}
	return g.Wait()
}
