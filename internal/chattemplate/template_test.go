package chattemplate

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/goccy/go-json"
)

func TestParseTokenForms(t *testing.T) {
	t.Parallel()
	tmpl, err := Parse([]byte(`{
		"add_bos_token": true,
		"bos_token": "<bos>",
		"eos_token": {"content": "<eos>", "special": true, "lstrip": false},
		"unk_token": null,
		"chat_template": "{{ bos_token }}{% for m in messages %}{{ m.content }}{% endfor %}"
	}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if tmpl.AddBOSToken == nil || !*tmpl.AddBOSToken {
		t.Fatal("add_bos_token not parsed")
	}
	if tmpl.AddEOSToken != nil {
		t.Fatal("add_eos_token should be unset")
	}
	if tmpl.BOSToken.Content() != "<bos>" || tmpl.BOSToken.IsAdded() {
		t.Fatalf("bos token: %+v", tmpl.BOSToken)
	}
	if tmpl.EOSToken.Content() != "<eos>" || !tmpl.EOSToken.IsAdded() {
		t.Fatalf("eos token: %+v", tmpl.EOSToken)
	}
	if tmpl.UNKToken.IsSet() || tmpl.PADToken.IsSet() {
		t.Fatal("unset tokens reported as set")
	}
	if !strings.HasPrefix(tmpl.ChatTemplate, "{{ bos_token }}") {
		t.Fatalf("chat template %q", tmpl.ChatTemplate)
	}
}

func TestParseNamedTemplates(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "default wins", in: `{"chat_template": [{"name": "tool_use", "template": "T"}, {"name": "default", "template": "D"}]}`, want: "D"},
		{name: "first when no default", in: `{"chat_template": [{"name": "rag", "template": "R"}]}`, want: "R"},
		{name: "empty list", in: `{"chat_template": []}`, want: ""},
		{name: "absent", in: `{}`, want: ""},
	}
	for _, tt := range tests {
		tmpl, err := Parse([]byte(tt.in))
		if err != nil {
			t.Fatalf("%s: %v", tt.name, err)
		}
		if tmpl.ChatTemplate != tt.want {
			t.Fatalf("%s: got %q want %q", tt.name, tmpl.ChatTemplate, tt.want)
		}
	}
}

func TestParseRejectsBadShapes(t *testing.T) {
	t.Parallel()
	for _, in := range []string{
		`{"bos_token": 12}`,
		`{"chat_template": 3}`,
		`not json`,
	} {
		if _, err := Parse([]byte(in)); err == nil {
			t.Fatalf("Parse(%s) expected error", in)
		}
	}
}

func TestTokenMarshalRoundTripsForm(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		tok   Token
		want  string
		added bool
	}{
		{name: "literal", tok: Literal("<bos>"), want: `"<bos>"`},
		{name: "added", tok: Added(AddedToken{Content: "<eos>", Special: true}), want: `"content":"<eos>"`, added: true},
		{name: "unset", tok: Token{}, want: "null"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			b, err := tc.tok.MarshalJSON()
			if err != nil || !strings.Contains(string(b), tc.want) {
				t.Fatalf("marshal %s err=%v, want %s", b, err, tc.want)
			}
			enc, err := json.Marshal(tc.tok)
			if err != nil {
				t.Fatal(err)
			}
			var back Token
			if err := json.Unmarshal(enc, &back); err != nil {
				t.Fatalf("unmarshal %s: %v", enc, err)
			}
			if back.Content() != tc.tok.Content() || (back.added != nil) != tc.added {
				t.Fatalf("round trip %s gave %+v", enc, back)
			}
		})
	}
}

func TestApplyOverride(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	jsonPath := filepath.Join(dir, "override.json")
	if err := os.WriteFile(jsonPath, []byte(`{"chat_template": "FROM_JSON"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	jinjaPath := filepath.Join(dir, "override.jinja")
	if err := os.WriteFile(jinjaPath, []byte("FROM_JINJA"), 0o644); err != nil {
		t.Fatal(err)
	}
	emptyJSON := filepath.Join(dir, "empty.json")
	if err := os.WriteFile(emptyJSON, []byte(`{}`), 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name     string
		override string
		want     string
		wantErr  error
	}{
		{name: "none keeps config", override: "", want: "ORIGINAL"},
		{name: "json file", override: jsonPath, want: "FROM_JSON"},
		{name: "raw file", override: jinjaPath, want: "FROM_JINJA"},
		{name: "literal", override: "{{ messages }}", want: "{{ messages }}"},
		{name: "json without template", override: emptyJSON, wantErr: ErrNoTemplate},
	}
	for _, tt := range tests {
		tmpl := &Template{ChatTemplate: "ORIGINAL"}
		err := tmpl.ApplyOverride(tt.override)
		if tt.wantErr != nil {
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("%s: err=%v want %v", tt.name, err, tt.wantErr)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%s: %v", tt.name, err)
		}
		if tmpl.ChatTemplate != tt.want {
			t.Fatalf("%s: got %q want %q", tt.name, tmpl.ChatTemplate, tt.want)
		}
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	if err := (&Template{}).Validate(); !errors.Is(err, ErrNoTemplate) {
		t.Fatalf("err=%v", err)
	}
	if err := (&Template{ChatTemplate: "x"}).Validate(); err != nil {
		t.Fatalf("err=%v", err)
	}
}

func TestLoad(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "tokenizer_config.json")
	if err := os.WriteFile(path, []byte(`{"eos_token": "<eos>", "chat_template": "C"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	tmpl, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if tmpl.EOSToken.Content() != "<eos>" || tmpl.ChatTemplate != "C" {
		t.Fatalf("unexpected template %+v", tmpl)
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
