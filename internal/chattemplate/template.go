// Package chattemplate reads the chat-template description shipped in a
// model's tokenizer_config.json. Rendering is left to callers.
package chattemplate

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/goccy/go-json"
)

// AddedToken is the object form of a special token.
type AddedToken struct {
	Content    string `json:"content"`
	Lstrip     bool   `json:"lstrip"`
	Rstrip     bool   `json:"rstrip"`
	Normalized bool   `json:"normalized"`
	SingleWord bool   `json:"single_word"`
	Special    bool   `json:"special"`
}

// Token is a special token declared either as a literal string or as an
// added-token record.
type Token struct {
	literal string
	added   *AddedToken
}

// Literal builds a Token from a plain string.
func Literal(s string) Token { return Token{literal: s} }

// Added builds a Token from an added-token record.
func Added(t AddedToken) Token { return Token{added: &t} }

func (t *Token) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*t = Token{}
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*t = Literal(s)
		return nil
	}
	var at AddedToken
	if err := json.Unmarshal(b, &at); err != nil {
		return fmt.Errorf("special token must be a string or an added-token object: %w", err)
	}
	*t = Added(at)
	return nil
}

// MarshalJSON writes the token back in the form it was declared in.
func (t Token) MarshalJSON() ([]byte, error) {
	if t.added != nil {
		return json.MarshalNoEscape(t.added)
	}
	if t.literal == "" {
		return []byte("null"), nil
	}
	return json.MarshalNoEscape(t.literal)
}

// Content returns the token text regardless of representation.
func (t Token) Content() string {
	if t.added != nil {
		return t.added.Content
	}
	return t.literal
}

// IsSet reports whether the token was declared.
func (t Token) IsSet() bool { return t.Content() != "" }

// IsAdded reports whether the token was given in record form.
func (t Token) IsAdded() bool { return t.added != nil }

// Template is the chat-template view of tokenizer_config.json.
type Template struct {
	AddBOSToken    *bool    `json:"add_bos_token"`
	AddEOSToken    *bool    `json:"add_eos_token"`
	BOSToken       Token    `json:"bos_token"`
	EOSToken       Token    `json:"eos_token"`
	UNKToken       Token    `json:"unk_token"`
	PADToken       Token    `json:"pad_token"`
	ModelMaxLength *float64 `json:"model_max_length"`
	ChatTemplate   string   `json:"-"`

	AddedTokensDecoder map[string]AddedToken `json:"added_tokens_decoder"`
}

type namedTemplate struct {
	Name     string `json:"name"`
	Template string `json:"template"`
}

// Parse decodes tokenizer_config.json content. chat_template may be a string
// or a list of named templates, in which case "default" wins.
func Parse(data []byte) (*Template, error) {
	var t Template
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse chat template config: %w", err)
	}
	var aux struct {
		ChatTemplate json.RawMessage `json:"chat_template"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return nil, fmt.Errorf("parse chat_template: %w", err)
	}
	tmpl, err := decodeTemplateField(aux.ChatTemplate)
	if err != nil {
		return nil, err
	}
	t.ChatTemplate = tmpl
	return &t, nil
}

func decodeTemplateField(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", fmt.Errorf("parse chat_template: %w", err)
		}
		return s, nil
	}
	var named []namedTemplate
	if err := json.Unmarshal(raw, &named); err != nil {
		return "", fmt.Errorf("chat_template must be a string or a list of named templates: %w", err)
	}
	if len(named) == 0 {
		return "", nil
	}
	for _, n := range named {
		if n.Name == "default" {
			return n.Template, nil
		}
	}
	return named[0].Template, nil
}

// Load reads and parses a template file.
func Load(path string) (*Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// ErrNoTemplate is returned when neither the config nor an override
// provides a chat template.
var ErrNoTemplate = errors.New("no chat template available")

// ApplyOverride replaces the template text. override is either a path to a
// JSON file carrying a chat_template field, a path to a raw Jinja file, or
// the template literal itself.
func (t *Template) ApplyOverride(override string) error {
	override = strings.TrimSpace(override)
	if override == "" {
		return nil
	}
	st, err := os.Stat(override)
	if err != nil || st.IsDir() {
		t.ChatTemplate = override
		return nil
	}
	data, err := os.ReadFile(override)
	if err != nil {
		return fmt.Errorf("read chat template override: %w", err)
	}
	if strings.HasSuffix(strings.ToLower(override), ".json") {
		var aux struct {
			ChatTemplate json.RawMessage `json:"chat_template"`
		}
		if err := json.Unmarshal(data, &aux); err != nil {
			return fmt.Errorf("parse chat template override: %w", err)
		}
		tmpl, err := decodeTemplateField(aux.ChatTemplate)
		if err != nil {
			return err
		}
		if tmpl == "" {
			return fmt.Errorf("chat template override %s: %w", override, ErrNoTemplate)
		}
		t.ChatTemplate = tmpl
		return nil
	}
	t.ChatTemplate = string(data)
	return nil
}

// Validate reports ErrNoTemplate when no template text is present.
func (t *Template) Validate() error {
	if t.ChatTemplate == "" {
		return ErrNoTemplate
	}
	return nil
}
