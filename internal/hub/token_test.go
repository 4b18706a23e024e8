package hub

import (
	"os"
	"path/filepath"
	"testing"
)

func TestParseTokenSource(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "", want: "cache"},
		{in: "cache", want: "cache"},
		{in: "none", want: "none"},
		{in: "literal:hf_abc", want: "literal:***"},
		{in: "env:MY_TOKEN", want: "env:MY_TOKEN"},
		{in: "path:/tmp/tok", want: "path:/tmp/tok"},
		{in: "literal:", wantErr: true},
		{in: "vault:x", wantErr: true},
		{in: "bogus", wantErr: true},
	}
	for _, tt := range tests {
		ts, err := ParseTokenSource(tt.in)
		if (err != nil) != tt.wantErr {
			t.Fatalf("ParseTokenSource(%q) err=%v wantErr=%v", tt.in, err, tt.wantErr)
		}
		if err == nil && ts.String() != tt.want {
			t.Fatalf("ParseTokenSource(%q) = %s want %s", tt.in, ts, tt.want)
		}
	}
}

func TestTokenResolution(t *testing.T) {
	dir := t.TempDir()
	tokFile := filepath.Join(dir, "token")
	if err := os.WriteFile(tokFile, []byte("hf_from_file\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("STRATA_TEST_TOKEN", " hf_from_env ")
	t.Setenv("HF_HOME", dir)

	tests := []struct {
		name    string
		src     TokenSource
		want    string
		wantErr bool
	}{
		{name: "literal", src: LiteralToken("hf_lit"), want: "hf_lit"},
		{name: "env", src: EnvToken("STRATA_TEST_TOKEN"), want: "hf_from_env"},
		{name: "env unset", src: EnvToken("STRATA_TEST_UNSET_TOKEN"), wantErr: true},
		{name: "path", src: PathToken(tokFile), want: "hf_from_file"},
		{name: "path missing", src: PathToken(filepath.Join(dir, "nope")), wantErr: true},
		{name: "cache", src: CacheToken(), want: "hf_from_file"},
		{name: "none", src: NoToken(), want: ""},
	}
	for _, tt := range tests {
		got, err := tt.src.Token()
		if (err != nil) != tt.wantErr {
			t.Fatalf("%s: err=%v wantErr=%v", tt.name, err, tt.wantErr)
		}
		if got != tt.want {
			t.Fatalf("%s: got %q want %q", tt.name, got, tt.want)
		}
	}
}

func TestCacheTokenMissingIsEmpty(t *testing.T) {
	t.Setenv("HF_HOME", t.TempDir())
	got, err := CacheToken().Token()
	if err != nil || got != "" {
		t.Fatalf("got %q err=%v", got, err)
	}
}
