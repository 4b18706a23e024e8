package pipeline

import (
	"errors"
	"fmt"
	"strings"

	"github.com/samcharles93/strata/internal/lora"
)

// AdapterFiles are the files of one LoRA adapter in an X-LoRA bundle.
type AdapterFiles struct {
	Name        string
	WeightsPath string
	ConfigPath  string
}

// ArtifactSet lists the local files a pipeline is built from. The adapter
// fields are set together, and only for adapter kinds.
type ArtifactSet struct {
	Repo     string
	Revision string

	TokenizerPath string
	ConfigPath    string
	WeightPaths   []string
	// TemplatePath is tokenizer_config.json. It carries the chat template
	// and the special tokens.
	TemplatePath string
	// GenerationConfigPath is generation_config.json when the repo has one.
	GenerationConfigPath string

	Adapters             []AdapterFiles
	Ordering             *lora.Ordering
	ClassifierPath       string
	ClassifierConfigPath string
}

// HasAdapters reports whether any adapter field is set.
func (a *ArtifactSet) HasAdapters() bool {
	return len(a.Adapters) > 0 || a.Ordering != nil || a.ClassifierPath != "" || a.ClassifierConfigPath != ""
}

// missingAdapterFields names the adapter fields that are unset.
func (a *ArtifactSet) missingAdapterFields() []string {
	var missing []string
	if len(a.Adapters) == 0 {
		missing = append(missing, "adapters")
	}
	for i, ad := range a.Adapters {
		if ad.Name == "" || ad.WeightsPath == "" || ad.ConfigPath == "" {
			missing = append(missing, fmt.Sprintf("adapters[%d]", i))
		}
	}
	if a.Ordering == nil {
		missing = append(missing, "ordering")
	}
	if a.ClassifierPath == "" {
		missing = append(missing, "classifier")
	}
	if a.ClassifierConfigPath == "" {
		missing = append(missing, "classifier config")
	}
	return missing
}

// Validate checks that the set is complete for kind.
func (a *ArtifactSet) Validate(kind ModelKind) error {
	if a == nil {
		return &UnsupportedVariantError{Kind: kind, Reason: "no artifacts"}
	}
	if err := kind.check(); err != nil {
		return err
	}
	if kind.IsXLora() {
		if missing := a.missingAdapterFields(); len(missing) > 0 {
			return &UnsupportedVariantError{Kind: kind, Reason: "adapter artifacts missing: " + strings.Join(missing, ", ")}
		}
		if len(a.Adapters) != len(a.Ordering.Order) {
			return &UnsupportedVariantError{Kind: kind, Reason: fmt.Sprintf("%d adapter file sets for %d ordered adapters", len(a.Adapters), len(a.Ordering.Order))}
		}
	} else if a.HasAdapters() {
		return &UnsupportedVariantError{Kind: kind, Reason: "adapter artifacts given for a base model"}
	}

	if a.ConfigPath == "" {
		return &ConfigParseError{Path: "config.json", Err: errors.New("no config file")}
	}
	if a.TokenizerPath == "" {
		return &TokenizerLoadError{Path: "tokenizer.json", Err: errors.New("no tokenizer file")}
	}
	if len(a.WeightPaths) == 0 {
		return &WeightLoadError{Err: errors.New("no weight shards")}
	}
	return nil
}
