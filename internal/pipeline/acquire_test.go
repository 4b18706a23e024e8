package pipeline

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/goccy/go-json"

	"github.com/samcharles93/strata/internal/hub"
	"github.com/samcharles93/strata/internal/testutil"
)

// countingStore serves a local directory, counts Get calls per file and
// can fail chosen files.
type countingStore struct {
	hub.Local
	mu   sync.Mutex
	gets map[string]int
	fail map[string]error
}

func newCountingStore() *countingStore {
	return &countingStore{gets: map[string]int{}, fail: map[string]error{}}
}

func (s *countingStore) Get(ctx context.Context, repo, revision, file string) (string, error) {
	s.mu.Lock()
	s.gets[file]++
	err := s.fail[file]
	s.mu.Unlock()
	if err != nil {
		return "", err
	}
	return s.Local.Get(ctx, repo, revision, file)
}

func (s *countingStore) count(file string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gets[file]
}

func TestAcquireLocalRepo(t *testing.T) {
	t.Parallel()
	l, dir := baseRepo(t, testutil.Tiny())
	set := acquire(t, l)

	if set.Revision != hub.DefaultRevision {
		t.Fatalf("revision = %q, want %q", set.Revision, hub.DefaultRevision)
	}
	checks := map[string]string{
		"tokenizer": set.TokenizerPath,
		"config":    set.ConfigPath,
		"template":  set.TemplatePath,
	}
	for name, p := range checks {
		if _, err := os.Stat(p); err != nil {
			t.Fatalf("%s path %q: %v", name, p, err)
		}
	}
	if want := []string{fileIn(dir, "model.safetensors")}; !slices.Equal(set.WeightPaths, want) {
		t.Fatalf("weights = %v, want %v", set.WeightPaths, want)
	}
	if set.HasAdapters() {
		t.Fatal("base acquire returned adapter artifacts")
	}
	if set.GenerationConfigPath != "" {
		t.Fatalf("generation config = %q, want none", set.GenerationConfigPath)
	}
	if err := set.Validate(KindNormal); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestAcquireTokenizerOverride(t *testing.T) {
	t.Parallel()
	l, _ := baseRepo(t, testutil.Tiny())
	override := filepath.Join(t.TempDir(), "tok.json")
	if err := os.WriteFile(override, testutil.TokenizerJSON(), 0o644); err != nil {
		t.Fatal(err)
	}
	store := newCountingStore()
	l.Store = store
	l.TokenizerJSON = override

	set := acquire(t, l)
	if set.TokenizerPath != override {
		t.Fatalf("tokenizer = %q, want %q", set.TokenizerPath, override)
	}
	if n := store.count(fileTokenizer); n != 0 {
		t.Fatalf("tokenizer.json fetched %d times with a local override", n)
	}
	if n := store.count(fileConfig); n != 1 {
		t.Fatalf("config.json fetched %d times, want 1", n)
	}
}

func TestAcquireGenerationConfig(t *testing.T) {
	t.Parallel()
	l, dir := baseRepo(t, testutil.Tiny())
	if err := os.WriteFile(fileIn(dir, fileGenerationCfg), []byte(`{"temperature":0.5,"top_k":7}`), 0o644); err != nil {
		t.Fatal(err)
	}
	set := acquire(t, l)
	if set.GenerationConfigPath == "" {
		t.Fatal("generation_config.json not acquired")
	}
	d := loadGenDefaults(set.GenerationConfigPath)
	if d.Temperature == nil || *d.Temperature != 0.5 || d.TopK == nil || *d.TopK != 7 {
		t.Fatalf("generation defaults = %+v", d)
	}
}

func TestAcquireShardIndex(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	write := func(name, body string) {
		t.Helper()
		if err := os.WriteFile(fileIn(dir, name), []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	idx, err := json.Marshal(map[string]any{
		"weight_map": map[string]string{
			"a": "model-00002-of-00002.safetensors",
			"b": "model-00001-of-00002.safetensors",
			"c": "model-00002-of-00002.safetensors",
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	write(fileWeightIndex, string(idx))
	write("model-00001-of-00002.safetensors", "x")
	write("model-00002-of-00002.safetensors", "x")
	write("consolidated.safetensors", "x")
	write(fileConfig, "{}")
	write(fileTokenizer, "{}")
	write(fileTokenizerConfig, "{}")

	store := newCountingStore()
	l := &Loader{ModelID: dir, Kind: KindNormal, Store: store}
	set := acquire(t, l)

	want := []string{
		fileIn(dir, "model-00001-of-00002.safetensors"),
		fileIn(dir, "model-00002-of-00002.safetensors"),
	}
	if !slices.Equal(set.WeightPaths, want) {
		t.Fatalf("weights = %v, want %v", set.WeightPaths, want)
	}
	if n := store.count("consolidated.safetensors"); n != 0 {
		t.Fatalf("shard outside the index fetched %d times", n)
	}
}

func TestAcquireXLora(t *testing.T) {
	t.Parallel()
	l := xloraRepo(t, testutil.DefaultXLora())
	set := acquire(t, l)

	if err := set.Validate(KindXLora); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if len(set.Adapters) != 2 {
		t.Fatalf("adapters = %d, want 2", len(set.Adapters))
	}
	for i, name := range []string{"math", "code"} {
		ad := set.Adapters[i]
		if ad.Name != name {
			t.Fatalf("adapter %d = %q, want %q", i, ad.Name, name)
		}
		if !strings.HasSuffix(filepath.ToSlash(ad.WeightsPath), name+"/"+fileAdapterWeights) {
			t.Fatalf("adapter %s weights path %q", name, ad.WeightsPath)
		}
		if !strings.HasSuffix(filepath.ToSlash(ad.ConfigPath), name+"/"+fileAdapterConfig) {
			t.Fatalf("adapter %s config path %q", name, ad.ConfigPath)
		}
	}
	if filepath.Base(set.ClassifierPath) != fileClassifier || filepath.Base(set.ClassifierConfigPath) != fileClassifierCfg {
		t.Fatalf("classifier paths %q %q", set.ClassifierPath, set.ClassifierConfigPath)
	}
	if set.Ordering != l.XLoraOrder {
		t.Fatal("ordering not carried into the artifact set")
	}
}

func TestAcquireLocalBaseRemoteAdapters(t *testing.T) {
	t.Parallel()
	l := xloraRepo(t, testutil.DefaultXLora())
	baseDir := l.ModelID
	srv := serveRepoDir(t, "org/xlora", l.XLoraModelID)
	cache := t.TempDir()
	l.XLoraModelID, l.BaseURL, l.CacheDir = "org/xlora", srv.URL, cache

	set := acquire(t, l)
	if !strings.HasPrefix(set.ConfigPath, baseDir) {
		t.Fatalf("config %q not read from the local base repo %q", set.ConfigPath, baseDir)
	}
	if !strings.HasPrefix(set.ClassifierPath, cache) {
		t.Fatalf("classifier %q not fetched into the cache %q", set.ClassifierPath, cache)
	}
	for _, ad := range set.Adapters {
		if !strings.HasPrefix(ad.WeightsPath, cache) || !strings.HasPrefix(ad.ConfigPath, cache) {
			t.Fatalf("adapter %s not fetched into the cache: %+v", ad.Name, ad)
		}
	}
	if err := set.Validate(KindXLora); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

// serveRepoDir serves dir as hub repository repo on revision main.
func serveRepoDir(t *testing.T, repo, dir string) *httptest.Server {
	t.Helper()
	prefix := "/" + repo + "/resolve/main/"
	mux := http.NewServeMux()
	mux.HandleFunc(prefix, func(w http.ResponseWriter, r *http.Request) {
		http.ServeFile(w, r, filepath.Join(dir, filepath.FromSlash(strings.TrimPrefix(r.URL.Path, prefix))))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestAcquireNormalIgnoresAdapterRepo(t *testing.T) {
	t.Parallel()
	l := xloraRepo(t, testutil.DefaultXLora())
	l.Kind = KindNormal
	l.XLoraOrder = nil
	set := acquire(t, l)
	if set.HasAdapters() {
		t.Fatal("normal kind acquired adapter artifacts")
	}
}

func TestAcquireRejects(t *testing.T) {
	t.Parallel()

	binOnly := t.TempDir()
	empty := t.TempDir()
	for _, name := range []string{fileConfig, fileTokenizer, "pytorch_model.bin"} {
		if err := os.WriteFile(fileIn(binOnly, name), []byte("{}"), 0o644); err != nil {
			t.Fatal(err)
		}
		if name != "pytorch_model.bin" {
			if err := os.WriteFile(fileIn(empty, name), []byte("{}"), 0o644); err != nil {
				t.Fatal(err)
			}
		}
	}
	tiny := t.TempDir()
	testutil.WriteGemmaRepo(t, tiny, testutil.Tiny())

	cases := []struct {
		name   string
		loader Loader
		want   error
	}{
		{"gguf kind", Loader{ModelID: tiny, Kind: KindGGUF}, ErrUnsupportedVariant},
		{"xlora ggml kind", Loader{ModelID: tiny, Kind: KindXLoraGGML}, ErrUnsupportedVariant},
		{"unknown kind", Loader{ModelID: tiny, Kind: "onnx"}, ErrUnsupportedVariant},
		{"quantized file", Loader{ModelID: tiny, Kind: KindNormal, QuantizedModelID: "org/q", QuantizedFilename: "q4.gguf"}, ErrUnsupportedVariant},
		{"bin only", Loader{ModelID: binOnly, Kind: KindNormal}, ErrUnsupportedVariant},
		{"no weights", Loader{ModelID: empty, Kind: KindNormal}, ErrDownload},
		{"missing repo", Loader{ModelID: "org/missing", Kind: KindNormal, Store: hub.Local{Root: t.TempDir()}}, ErrDownload},
		{"xlora without adapter repo", Loader{ModelID: tiny, Kind: KindXLora}, ErrUnsupportedVariant},
		{"xlora without ordering", Loader{ModelID: tiny, Kind: KindXLora, XLoraModelID: tiny}, ErrUnsupportedVariant},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := tc.loader.Acquire(quietContext(), "", hub.NoToken())
			if !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestAcquireClassifiesStoreErrors(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		err  error
		want DownloadKind
	}{
		{"auth", &hub.AuthError{Repo: "r", StatusCode: http.StatusForbidden}, DownloadAuth},
		{"not found", &hub.NotFoundError{Repo: "r", File: fileConfig}, DownloadNotFound},
		{"network", &hub.NetworkError{Repo: "r", Err: errors.New("connection reset")}, DownloadNetwork},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			l, _ := baseRepo(t, testutil.Tiny())
			store := newCountingStore()
			store.fail[fileConfig] = tc.err
			l.Store = store

			_, err := l.Acquire(quietContext(), "", hub.NoToken())
			var de *DownloadError
			if !errors.As(err, &de) {
				t.Fatalf("err = %v, want *DownloadError", err)
			}
			if de.Kind != tc.want || de.File != fileConfig {
				t.Fatalf("download error = %+v, want kind %v for %s", de, tc.want, fileConfig)
			}
			if !errors.Is(err, tc.err) {
				t.Fatalf("cause not wrapped: %v", err)
			}
		})
	}
}

func TestAcquireFromHub(t *testing.T) {
	t.Parallel()
	files := map[string]string{
		fileConfig:          `{"model_type":"gemma"}`,
		fileTokenizer:       `{}`,
		fileTokenizerConfig: `{}`,
		"model.safetensors": "weights",
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/models/org/gemma/tree/main", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var entries []hub.RepoFile
		for name, body := range files {
			entries = append(entries, hub.RepoFile{Type: "file", Path: name, Size: int64(len(body))})
		}
		_ = json.NewEncoder(w).Encode(entries)
	})
	mux.HandleFunc("/org/gemma/resolve/main/", func(w http.ResponseWriter, r *http.Request) {
		body, ok := files[strings.TrimPrefix(r.URL.Path, "/org/gemma/resolve/main/")]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(body))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	cache := t.TempDir()
	l := &Loader{ModelID: "org/gemma", Kind: KindNormal, BaseURL: srv.URL, CacheDir: cache}
	set, err := l.Acquire(quietContext(), "", hub.LiteralToken("secret"))
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if !strings.HasPrefix(set.ConfigPath, cache) {
		t.Fatalf("config %q not under cache dir %q", set.ConfigPath, cache)
	}
	b, err := os.ReadFile(set.WeightPaths[0])
	if err != nil || string(b) != "weights" {
		t.Fatalf("weights content %q err=%v", b, err)
	}

	_, err = l.Acquire(quietContext(), "", hub.NoToken())
	var de *DownloadError
	if !errors.As(err, &de) || de.Kind != DownloadAuth {
		t.Fatalf("unauthenticated acquire err = %v, want auth download error", err)
	}
}

func TestAcquireTokenSourceError(t *testing.T) {
	t.Parallel()
	l := &Loader{ModelID: "org/gemma", Kind: KindNormal, CacheDir: t.TempDir()}
	_, err := l.Acquire(quietContext(), "", hub.EnvToken("STRATA_TEST_TOKEN_THAT_IS_NOT_SET"))
	var de *DownloadError
	if !errors.As(err, &de) || de.Kind != DownloadAuth {
		t.Fatalf("err = %v, want auth download error", err)
	}
}
