package hub

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/docker/go-units"

	"github.com/samcharles93/strata/internal/logger"
)

// Store resolves repository files to local paths.
type Store interface {
	// List returns every file path in the repository, relative to its root.
	List(ctx context.Context, repo, revision string) ([]string, error)
	// Get returns a local path for file, fetching it first if needed.
	Get(ctx context.Context, repo, revision, file string) (string, error)
}

// Cache is a Store backed by a hub Client and a local cache directory laid
// out as <dir>/<org>--<name>/<revision>/<file>.
type Cache struct {
	client *Client
	dir    string
	log    logger.Logger
}

func NewCache(client *Client, dir string, log logger.Logger) *Cache {
	if log == nil {
		log = logger.Discard()
	}
	return &Cache{client: client, dir: dir, log: log}
}

// DefaultCacheDir returns $STRATA_CACHE_DIR, else <user cache>/strata/hub.
func DefaultCacheDir() string {
	if dir := os.Getenv("STRATA_CACHE_DIR"); dir != "" {
		return dir
	}
	dir, err := os.UserCacheDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "strata", "hub")
	}
	return filepath.Join(dir, "strata", "hub")
}

func (c *Cache) repoDir(repo, revision string) string {
	if revision == "" {
		revision = DefaultRevision
	}
	return filepath.Join(c.dir, strings.ReplaceAll(repo, "/", "--"), revision)
}

func (c *Cache) List(ctx context.Context, repo, revision string) ([]string, error) {
	files, err := c.client.ListFiles(ctx, repo, revision)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(files))
	for _, f := range files {
		out = append(out, f.Path)
	}
	sort.Strings(out)
	return out, nil
}

func (c *Cache) Get(ctx context.Context, repo, revision, file string) (string, error) {
	dst := filepath.Join(c.repoDir(repo, revision), filepath.FromSlash(file))
	if st, err := os.Stat(dst); err == nil && st.Mode().IsRegular() {
		c.log.Debug("cache hit", "repo", repo, "file", file)
		return dst, nil
	}

	body, size, err := c.client.DownloadFile(ctx, repo, revision, file)
	if err != nil {
		return "", err
	}
	defer func() { _ = body.Close() }()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", fmt.Errorf("create cache dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".download-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	n, copyErr := io.Copy(tmp, body)
	closeErr := tmp.Close()
	if copyErr != nil || closeErr != nil {
		_ = os.Remove(tmp.Name())
		return "", &NetworkError{Repo: repo, File: file, Err: errors.Join(copyErr, closeErr)}
	}
	if size >= 0 && n != size {
		_ = os.Remove(tmp.Name())
		return "", &NetworkError{Repo: repo, File: file, Err: fmt.Errorf("short download: got %d of %d bytes", n, size)}
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("commit %s: %w", file, err)
	}
	c.log.Info("downloaded", "repo", repo, "file", file, "size", units.HumanSize(float64(n)))
	return dst, nil
}

// Local is a Store over directories already on disk. A repo that names an
// existing directory is used as-is; otherwise it is looked up under Root.
// Revisions are ignored.
type Local struct {
	Root string
}

func (l Local) dir(repo string) (string, error) {
	candidates := []string{repo}
	if l.Root != "" {
		candidates = append(candidates, filepath.Join(l.Root, filepath.FromSlash(repo)))
	}
	for _, c := range candidates {
		if st, err := os.Stat(c); err == nil && st.IsDir() {
			return c, nil
		}
	}
	return "", &NotFoundError{Repo: repo}
}

func (l Local) List(_ context.Context, repo, _ string) ([]string, error) {
	root, err := l.dir(repo)
	if err != nil {
		return nil, err
	}
	var out []string
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if p != root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		out = append(out, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", root, err)
	}
	sort.Strings(out)
	return out, nil
}

func (l Local) Get(_ context.Context, repo, _, file string) (string, error) {
	root, err := l.dir(repo)
	if err != nil {
		return "", err
	}
	p := filepath.Join(root, filepath.FromSlash(file))
	st, err := os.Stat(p)
	if err != nil || !st.Mode().IsRegular() {
		return "", &NotFoundError{Repo: repo, File: file}
	}
	return p, nil
}

// IsLocal reports whether repo names an existing local directory.
func IsLocal(repo string) bool {
	st, err := os.Stat(repo)
	return err == nil && st.IsDir()
}

// Split sends repos that name a local directory to Local and every other
// repo to Remote, so one loader can mix on-disk and hub repositories.
type Split struct {
	Local  Local
	Remote Store
}

func (s Split) pick(repo string) (Store, error) {
	if IsLocal(repo) {
		return s.Local, nil
	}
	if s.Remote == nil {
		return nil, &NotFoundError{Repo: repo}
	}
	return s.Remote, nil
}

func (s Split) List(ctx context.Context, repo, revision string) ([]string, error) {
	st, err := s.pick(repo)
	if err != nil {
		return nil, err
	}
	return st.List(ctx, repo, revision)
}

func (s Split) Get(ctx context.Context, repo, revision, file string) (string, error) {
	st, err := s.pick(repo)
	if err != nil {
		return "", err
	}
	return st.Get(ctx, repo, revision, file)
}
