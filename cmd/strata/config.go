package main

import (
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

const envStrataConfig = "STRATA_CONFIG"

// Config represents the strata configuration file (~/.config/strata/config.yaml).
// Pointer fields distinguish "not set" from zero values.
type Config struct {
	CacheDir    string `yaml:"cache_dir"`
	Device      string `yaml:"device"`
	DType       string `yaml:"dtype"`
	TokenSource string `yaml:"token_source"`
	RepeatLastN *int64 `yaml:"repeat_last_n"`

	// Sampling defaults
	Temperature   *float64 `yaml:"temperature"`
	TopK          *int64   `yaml:"top_k"`
	TopP          *float64 `yaml:"top_p"`
	MinP          *float64 `yaml:"min_p"`
	RepeatPenalty *float64 `yaml:"repeat_penalty"`
	MaxTokens     *int64   `yaml:"max_tokens"`
	Seed          *int64   `yaml:"seed"`

	// Output
	StreamMode string `yaml:"stream_mode"`
	LogLevel   string `yaml:"log_level"`
	LogFormat  string `yaml:"log_format"`

	// Server
	ServerAddress string `yaml:"server_address"`
	MaxSequences  *int64 `yaml:"max_sequences"`
}

func configPath() string {
	if p := os.Getenv(envStrataConfig); p != "" {
		return p
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "strata", "config.yaml")
}

// applyModelConfig applies config file defaults to the model flags when
// the corresponding CLI flag was not explicitly set.
func applyModelConfig(c *cli.Command, cfg Config) {
	if cfg.CacheDir != "" && !c.IsSet("cache-dir") {
		cacheDir = cfg.CacheDir
	}
	if cfg.Device != "" && !c.IsSet("device") {
		deviceName = cfg.Device
	}
	if cfg.DType != "" && !c.IsSet("dtype") {
		dtypeName = cfg.DType
	}
	if cfg.TokenSource != "" && !c.IsSet("token-source") {
		tokenSource = cfg.TokenSource
	}
	if cfg.RepeatLastN != nil && !c.IsSet("repeat-last-n") {
		repeatLastN = *cfg.RepeatLastN
	}
}

// applyRunConfig applies config file defaults to run command variables.
func applyRunConfig(c *cli.Command, cfg Config,
	temp *float64, topK *int64, topP *float64, minP *float64,
	repeatPenalty *float64, maxTokens *int64, seed *int64, streamMode *string,
) {
	applyModelConfig(c, cfg)
	if cfg.Temperature != nil && !c.IsSet("temp") {
		*temp = *cfg.Temperature
	}
	if cfg.TopK != nil && !c.IsSet("top-k") {
		*topK = *cfg.TopK
	}
	if cfg.TopP != nil && !c.IsSet("top-p") {
		*topP = *cfg.TopP
	}
	if cfg.MinP != nil && !c.IsSet("min-p") {
		*minP = *cfg.MinP
	}
	if cfg.RepeatPenalty != nil && !c.IsSet("repeat-penalty") {
		*repeatPenalty = *cfg.RepeatPenalty
	}
	if cfg.MaxTokens != nil && !c.IsSet("max-tokens") {
		*maxTokens = *cfg.MaxTokens
	}
	if cfg.Seed != nil && !c.IsSet("seed") {
		*seed = *cfg.Seed
	}
	if cfg.StreamMode != "" && !c.IsSet("stream-mode") {
		*streamMode = cfg.StreamMode
	}
}

// applyServeConfig applies config file defaults to serve command variables.
func applyServeConfig(c *cli.Command, cfg Config, addr *string, maxSequences *int64) {
	applyModelConfig(c, cfg)
	if cfg.ServerAddress != "" && !c.IsSet("addr") {
		*addr = cfg.ServerAddress
	}
	if cfg.MaxSequences != nil && !c.IsSet("max-sequences") {
		*maxSequences = *cfg.MaxSequences
	}
}

// LoadConfig reads the config file. Returns a zero Config if the file doesn't exist.
func LoadConfig() Config {
	return readConfig(configPath())
}

func readConfig(path string) Config {
	if path == "" {
		return Config{}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}
	}
	return cfg
}
