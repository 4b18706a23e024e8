package tokenizer

import (
	"fmt"
	"maps"
	"os"
	"regexp"
	"strings"
	"sync"

	"github.com/goccy/go-json"
)

// metaspace is the SentencePiece word-boundary marker.
const metaspace = "▁"

// HFTokenizer implements the BPE model of a Hugging Face tokenizer.json.
// Two flavours are supported: GPT-2 style byte-level BPE, and
// SentencePiece style BPE where spaces become "▁" and unknown characters
// fall back to <0xNN> byte tokens (Gemma, Llama).
type HFTokenizer struct {
	encoder  map[string]int
	added    map[string]int
	decoder  []string
	bpeRanks map[Pair]int

	mu    sync.Mutex
	cache map[string][]string

	// byte-level mode
	byteEncoder map[byte]string
	byteDecoder map[string]byte
	pattern     *regexp.Regexp

	// metaspace mode
	metaspace     bool
	splitOnSpace  bool
	prependSpace  bool
	byteFallback  bool
	ignoreMerges  bool
	addBOS        bool
	addEOS        bool
	bosID         int
	eosID         int
	unkID         int
	special       []string
	specialLookup map[string]bool
}

type hfNormalizer struct {
	Type        string         `json:"type"`
	Normalizers []hfNormalizer `json:"normalizers"`
	Pattern     struct {
		String string `json:"String"`
	} `json:"pattern"`
	Content string `json:"content"`
	Prepend string `json:"prepend"`
}

type hfPreTokenizer struct {
	Type          string           `json:"type"`
	Pretokenizers []hfPreTokenizer `json:"pretokenizers"`
	Pattern       struct {
		Regex string `json:"Regex"`
	} `json:"pattern"`
	Replacement    string `json:"replacement"`
	AddPrefixSpace *bool  `json:"add_prefix_space"`
	PrependScheme  string `json:"prepend_scheme"`
}

type hfTokenizerJSON struct {
	Normalizer   *hfNormalizer   `json:"normalizer"`
	PreTokenizer *hfPreTokenizer `json:"pre_tokenizer"`
	Model        struct {
		Type         string         `json:"type"`
		Vocab        map[string]int `json:"vocab"`
		Merges       []any          `json:"merges"`
		IgnoreMerges bool           `json:"ignore_merges"`
		UnkToken     string         `json:"unk_token"`
		ByteFallback bool           `json:"byte_fallback"`
	} `json:"model"`
	PostProcessor struct {
		Type       string `json:"type"`
		Processors []struct {
			Type          string `json:"type"`
			SpecialTokens map[string]struct {
				IDs []int `json:"ids"`
			} `json:"special_tokens"`
		} `json:"processors"`
	} `json:"post_processor"`
	AddedTokens []struct {
		ID      int    `json:"id"`
		Content string `json:"content"`
		Special bool   `json:"special"`
	} `json:"added_tokens"`
}

type hfTokenizerConfig struct {
	AddBOS *bool           `json:"add_bos_token"`
	AddEOS bool            `json:"add_eos_token"`
	BOS    json.RawMessage `json:"bos_token"`
	EOS    json.RawMessage `json:"eos_token"`
}

// tokenContent reads a special token that is either a bare string or an
// added-token object with a content field.
func tokenContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.Content
	}
	return ""
}

// LoadHFTokenizer reads tokenizer.json and, when tokConfig is non-empty,
// tokenizer_config.json for BOS/EOS handling.
func LoadHFTokenizer(tokJSON, tokConfig string) (*HFTokenizer, error) {
	data, err := os.ReadFile(tokJSON)
	if err != nil {
		return nil, err
	}
	var cfg []byte
	if tokConfig != "" {
		if raw, err := os.ReadFile(tokConfig); err == nil {
			cfg = raw
		}
	}
	return LoadHFTokenizerBytes(data, cfg)
}

func LoadHFTokenizerBytes(tokJSON []byte, tokConfig []byte) (*HFTokenizer, error) {
	var tj hfTokenizerJSON
	if err := json.Unmarshal(tokJSON, &tj); err != nil {
		return nil, fmt.Errorf("parse tokenizer.json: %w", err)
	}
	if strings.ToUpper(tj.Model.Type) != "BPE" && !(tj.Model.Type == "" && tj.Model.Vocab != nil) {
		return nil, fmt.Errorf("unsupported tokenizer model: %s", tj.Model.Type)
	}

	encoder := make(map[string]int, len(tj.Model.Vocab))
	maxID := -1
	for tok, id := range tj.Model.Vocab {
		if id < 0 {
			return nil, fmt.Errorf("negative id %d for token %q", id, tok)
		}
		encoder[tok] = id
		maxID = max(maxID, id)
	}
	added := make(map[string]int, len(tj.AddedTokens))
	for _, at := range tj.AddedTokens {
		if at.ID < 0 {
			return nil, fmt.Errorf("negative id %d for added token %q", at.ID, at.Content)
		}
		added[at.Content] = at.ID
		maxID = max(maxID, at.ID)
	}
	decoder := make([]string, maxID+1)
	for tok, id := range encoder {
		decoder[id] = tok
	}
	for tok, id := range added {
		decoder[id] = tok
	}

	tok := &HFTokenizer{
		encoder:      encoder,
		added:        added,
		decoder:      decoder,
		bpeRanks:     parseMerges(tj.Model.Merges),
		cache:        make(map[string][]string),
		byteFallback: tj.Model.ByteFallback,
		ignoreMerges: tj.Model.IgnoreMerges,
		bosID:        -1,
		eosID:        -1,
		unkID:        -1,
	}
	tok.special, tok.specialLookup = collectSpecials(added)

	tok.configurePreTokenization(tj.Normalizer, tj.PreTokenizer)
	if !tok.metaspace {
		tok.byteEncoder, tok.byteDecoder = bytesToUnicode()
		tok.pattern = buildHFPattern(tj.PreTokenizer)
	}

	if tj.Model.UnkToken != "" {
		if id, ok := tok.lookup(tj.Model.UnkToken); ok {
			tok.unkID = id
		}
	}

	var cfg hfTokenizerConfig
	if len(tokConfig) > 0 {
		if err := json.Unmarshal(tokConfig, &cfg); err != nil {
			return nil, fmt.Errorf("parse tokenizer_config.json: %w", err)
		}
	}
	if cfg.AddBOS != nil {
		tok.addBOS = *cfg.AddBOS
	}
	tok.addEOS = cfg.AddEOS
	if id, ok := tok.lookup(tokenContent(cfg.BOS)); ok {
		tok.bosID = id
	}
	if id, ok := tok.lookup(tokenContent(cfg.EOS)); ok {
		tok.eosID = id
	}
	for _, proc := range tj.PostProcessor.Processors {
		if proc.Type != "TemplateProcessing" {
			continue
		}
		for _, spec := range proc.SpecialTokens {
			if len(spec.IDs) > 0 && tok.bosID < 0 {
				tok.bosID = spec.IDs[0]
				if cfg.AddBOS == nil {
					tok.addBOS = true
				}
			}
		}
	}
	return tok, nil
}

func parseMerges(merges []any) map[Pair]int {
	ranks := make(map[Pair]int, len(merges))
	rank := 0
	for _, raw := range merges {
		var a, b string
		switch v := raw.(type) {
		case string:
			line := strings.TrimSpace(v)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			var ok bool
			a, b, ok = strings.Cut(line, " ")
			if !ok {
				continue
			}
		case []any:
			if len(v) != 2 {
				continue
			}
			var aok, bok bool
			a, aok = v[0].(string)
			b, bok = v[1].(string)
			if !aok || !bok {
				continue
			}
		default:
			continue
		}
		p := Pair{A: a, B: b}
		if _, ok := ranks[p]; !ok {
			ranks[p] = rank
			rank++
		}
	}
	return ranks
}

func (t *HFTokenizer) configurePreTokenization(norm *hfNormalizer, pre *hfPreTokenizer) {
	var walkNorm func(n *hfNormalizer)
	walkNorm = func(n *hfNormalizer) {
		if n == nil {
			return
		}
		switch n.Type {
		case "Replace":
			if n.Pattern.String == " " && n.Content == metaspace {
				t.metaspace = true
			}
		case "Prepend":
			if n.Prepend == metaspace {
				t.prependSpace = true
			}
		}
		for i := range n.Normalizers {
			walkNorm(&n.Normalizers[i])
		}
	}
	walkNorm(norm)

	var walkPre func(p *hfPreTokenizer)
	walkPre = func(p *hfPreTokenizer) {
		if p == nil {
			return
		}
		if p.Type == "Metaspace" {
			t.metaspace = true
			t.splitOnSpace = true
			switch {
			case p.PrependScheme == "first" || p.PrependScheme == "always":
				t.prependSpace = true
			case p.AddPrefixSpace != nil && *p.AddPrefixSpace:
				t.prependSpace = true
			}
		}
		for i := range p.Pretokenizers {
			walkPre(&p.Pretokenizers[i])
		}
	}
	walkPre(pre)
}

func (t *HFTokenizer) lookup(s string) (int, bool) {
	if s == "" {
		return 0, false
	}
	if id, ok := t.added[s]; ok {
		return id, true
	}
	id, ok := t.encoder[s]
	return id, ok
}

func (t *HFTokenizer) Encode(text string) ([]int, error) {
	var ids []int
	if t.addBOS && t.bosID >= 0 {
		ids = append(ids, t.bosID)
	}
	first := true
	for _, part := range splitSpecials(text, t.special) {
		if part.isSpecial {
			ids = append(ids, t.added[part.text])
			continue
		}
		var err error
		if t.metaspace {
			ids, err = t.encodeMetaspace(ids, part.text, first)
		} else {
			ids, err = t.encodeByteLevel(ids, part.text)
		}
		if err != nil {
			return nil, err
		}
		first = false
	}
	if t.addEOS && t.eosID >= 0 {
		ids = append(ids, t.eosID)
	}
	return ids, nil
}

func (t *HFTokenizer) encodeByteLevel(ids []int, text string) ([]int, error) {
	for _, word := range t.pattern.FindAllString(text, -1) {
		for _, piece := range t.bpe(t.byteEncode(word)) {
			id, ok := t.encoder[piece]
			if !ok {
				if t.unkID >= 0 {
					ids = append(ids, t.unkID)
					continue
				}
				return nil, fmt.Errorf("unknown token: %q", piece)
			}
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (t *HFTokenizer) encodeMetaspace(ids []int, text string, first bool) ([]int, error) {
	if text == "" {
		return ids, nil
	}
	s := strings.ReplaceAll(text, " ", metaspace)
	if t.prependSpace && first && !strings.HasPrefix(s, metaspace) {
		s = metaspace + s
	}
	words := []string{s}
	if t.splitOnSpace {
		words = splitBeforeMetaspace(s)
	}
	for _, word := range words {
		for _, piece := range t.bpe(word) {
			if id, ok := t.encoder[piece]; ok {
				ids = append(ids, id)
				continue
			}
			if t.byteFallback {
				for _, b := range []byte(piece) {
					id, ok := t.encoder[fmt.Sprintf("<0x%02X>", b)]
					if !ok {
						return nil, fmt.Errorf("missing byte fallback token for 0x%02X", b)
					}
					ids = append(ids, id)
				}
				continue
			}
			if t.unkID >= 0 {
				ids = append(ids, t.unkID)
				continue
			}
			return nil, fmt.Errorf("unknown token: %q", piece)
		}
	}
	return ids, nil
}

func (t *HFTokenizer) Decode(ids []int) (string, error) {
	var b []byte
	for _, id := range ids {
		if id < 0 || id >= len(t.decoder) {
			return "", fmt.Errorf("token id out of range: %d", id)
		}
		token := t.decoder[id]
		if t.specialLookup[token] {
			b = append(b, token...)
			continue
		}
		if t.metaspace {
			if by, ok := parseByteToken(token); ok {
				b = append(b, by)
				continue
			}
			b = append(b, strings.ReplaceAll(token, metaspace, " ")...)
			continue
		}
		for _, r := range token {
			if by, ok := t.byteDecoder[string(r)]; ok {
				b = append(b, by)
			} else {
				b = append(b, string(r)...)
			}
		}
	}
	out := string(b)
	if t.metaspace && t.prependSpace {
		out = strings.TrimPrefix(out, " ")
	}
	return out, nil
}

// Vocab returns a copy of the token to id map.
func (t *HFTokenizer) Vocab(withAdded bool) map[string]int {
	out := make(map[string]int, len(t.encoder)+len(t.added))
	maps.Copy(out, t.encoder)
	if withAdded {
		maps.Copy(out, t.added)
	}
	return out
}

// IsSpecial reports whether id is an added special token.
func (t *HFTokenizer) IsSpecial(id int) bool {
	return id >= 0 && id < len(t.decoder) && t.specialLookup[t.decoder[id]]
}

func (t *HFTokenizer) BOSID() int   { return t.bosID }
func (t *HFTokenizer) EOSID() int   { return t.eosID }
func (t *HFTokenizer) AddBOS() bool { return t.addBOS }
func (t *HFTokenizer) AddEOS() bool { return t.addEOS }

func (t *HFTokenizer) TokenString(id int) string {
	if id < 0 || id >= len(t.decoder) {
		return ""
	}
	return t.decoder[id]
}

func (t *HFTokenizer) byteEncode(s string) string {
	var b strings.Builder
	for _, by := range []byte(s) {
		b.WriteString(t.byteEncoder[by])
	}
	return b.String()
}

func (t *HFTokenizer) bpe(token string) []string {
	t.mu.Lock()
	v, ok := t.cache[token]
	t.mu.Unlock()
	if ok {
		return v
	}
	word := t.merge(token)
	t.mu.Lock()
	t.cache[token] = word
	t.mu.Unlock()
	return word
}

func (t *HFTokenizer) merge(token string) []string {
	if t.ignoreMerges {
		if _, ok := t.encoder[token]; ok {
			return []string{token}
		}
	}
	word := splitRunes(token)
	pairs := getPairs(word)
	for len(pairs) > 0 {
		bestRank := int(^uint(0) >> 1)
		bestPair := Pair{}
		found := false
		for p := range pairs {
			if rank, ok := t.bpeRanks[p]; ok && rank < bestRank {
				bestRank = rank
				bestPair = p
				found = true
			}
		}
		if !found {
			break
		}
		word = mergePair(word, bestPair)
		if len(word) == 1 {
			break
		}
		pairs = getPairs(word)
	}
	return word
}

func buildHFPattern(pre *hfPreTokenizer) *regexp.Regexp {
	pat := `'s|'t|'re|'ve|'m|'ll|'d| ?\p{L}+| ?\p{N}+| ?[^\s\p{L}\p{N}]+|\s+`
	if pre != nil && pre.Type == "Sequence" {
		for _, p := range pre.Pretokenizers {
			if p.Type == "Split" && p.Pattern.Regex != "" {
				pat = p.Pattern.Regex
				break
			}
		}
	}
	// Llama-3 style patterns use lookahead, which RE2 lacks; swap in the
	// llama.cpp equivalent.
	if strings.Contains(pat, "(?!\\S)") || strings.Contains(pat, "(?i:") {
		pat = `(?:'[sS]|'[tT]|'[rR][eE]|'[vV][eE]|'[mM]|'[lL][lL]|'[dD])|[^\r\n\p{L}\p{N}]?\p{L}+|\p{N}{1,3}| ?[^\s\p{L}\p{N}]+[\r\n]*|\s*[\r\n]+|\s+`
	}
	return regexp.MustCompile(pat)
}
