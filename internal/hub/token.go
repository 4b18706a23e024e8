package hub

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

type tokenKind int

const (
	tokenCache tokenKind = iota
	tokenLiteral
	tokenEnv
	tokenPath
	tokenNone
)

// TokenSource says where the hub access token comes from. The zero value
// reads the token cached by huggingface-cli.
type TokenSource struct {
	kind  tokenKind
	value string
}

func LiteralToken(tok string) TokenSource { return TokenSource{kind: tokenLiteral, value: tok} }
func EnvToken(name string) TokenSource    { return TokenSource{kind: tokenEnv, value: name} }
func PathToken(path string) TokenSource   { return TokenSource{kind: tokenPath, value: path} }
func CacheToken() TokenSource             { return TokenSource{kind: tokenCache} }
func NoToken() TokenSource                { return TokenSource{kind: tokenNone} }

// ParseTokenSource accepts "literal:<token>", "env:<VAR>", "path:<file>",
// "cache" and "none".
func ParseTokenSource(s string) (TokenSource, error) {
	s = strings.TrimSpace(s)
	switch s {
	case "", "cache":
		return CacheToken(), nil
	case "none":
		return NoToken(), nil
	}
	kind, value, ok := strings.Cut(s, ":")
	if !ok || value == "" {
		return TokenSource{}, fmt.Errorf("invalid token source %q (expected literal:, env:, path:, cache or none)", s)
	}
	switch kind {
	case "literal":
		return LiteralToken(value), nil
	case "env":
		return EnvToken(value), nil
	case "path":
		return PathToken(value), nil
	default:
		return TokenSource{}, fmt.Errorf("unknown token source kind %q", kind)
	}
}

func (ts TokenSource) String() string {
	switch ts.kind {
	case tokenLiteral:
		return "literal:***"
	case tokenEnv:
		return "env:" + ts.value
	case tokenPath:
		return "path:" + ts.value
	case tokenNone:
		return "none"
	default:
		return "cache"
	}
}

// Token resolves the source. A missing cache file yields an empty token;
// a missing env var or path is an error.
func (ts TokenSource) Token() (string, error) {
	switch ts.kind {
	case tokenLiteral:
		return ts.value, nil
	case tokenEnv:
		v, ok := os.LookupEnv(ts.value)
		if !ok {
			return "", fmt.Errorf("token env var %s is not set", ts.value)
		}
		return strings.TrimSpace(v), nil
	case tokenPath:
		b, err := os.ReadFile(ts.value)
		if err != nil {
			return "", fmt.Errorf("read token file: %w", err)
		}
		return strings.TrimSpace(string(b)), nil
	case tokenNone:
		return "", nil
	default:
		b, err := os.ReadFile(cachedTokenPath())
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil
		}
		if err != nil {
			return "", fmt.Errorf("read cached token: %w", err)
		}
		return strings.TrimSpace(string(b)), nil
	}
}

func cachedTokenPath() string {
	if home := os.Getenv("HF_HOME"); home != "" {
		return filepath.Join(home, "token")
	}
	dir, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, ".cache", "huggingface", "token")
}
