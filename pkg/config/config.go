package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/xerrors"
	"gopkg.in/yaml.v2"
)

// Config carries everything the pipeline steps need to know about the
// workspace layout and API pacing. All fields have working defaults so a
// config file is optional.
type Config struct {
	InputDir   string `yaml:"input_dir"`
	StagingDir string `yaml:"staging_dir"`
	LogDir     string `yaml:"log_dir"`
	CacheDir   string `yaml:"cache_dir"`

	Modat      ModatConfig      `yaml:"modat"`
	NetworksDB NetworksDBConfig `yaml:"networksdb"`
	NVD        NVDConfig        `yaml:"nvd"`
	Validation ValidationConfig `yaml:"validation"`
}

type ModatConfig struct {
	HostURL    string `yaml:"host_url"`
	ServiceURL string `yaml:"service_url"`
	KeyFile    string `yaml:"key_file"`

	PageSize          int           `yaml:"page_size"`
	MaxRetries        int           `yaml:"max_retries"`
	BatchSize         int           `yaml:"batch_size"`
	SleepBetweenPages time.Duration `yaml:"sleep_between_pages"`
	SleepBetweenItems time.Duration `yaml:"sleep_between_items"`
	SleepAfterBatch   time.Duration `yaml:"sleep_after_batch"`
}

type NetworksDBConfig struct {
	BaseURL string        `yaml:"base_url"`
	KeyFile string        `yaml:"key_file"`
	Delay   time.Duration `yaml:"delay"`
}

// ValidationConfig describes the tag-based sweep that cross-checks the
// domain-driven collection against everything Modat tags as physical
// security equipment in the target country.
type ValidationConfig struct {
	Country    string   `yaml:"country"`
	Tags       []string `yaml:"tags"`
	ExcludeTag string   `yaml:"exclude_tag"`
}

type NVDConfig struct {
	BaseURL           string        `yaml:"base_url"`
	KeyFile           string        `yaml:"key_file"`
	UserAgent         string        `yaml:"user_agent"`
	RequestDelay      time.Duration `yaml:"request_delay"`
	RetryLimit        int           `yaml:"retry_limit"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

func Default() Config {
	return Config{
		InputDir:   "input",
		StagingDir: "staging",
		LogDir:     "logs",
		CacheDir:   "cache",
		Modat: ModatConfig{
			HostURL:           "https://api.magnify.modat.io/host/search/v1",
			ServiceURL:        "https://api.magnify.modat.io/service/search/v1",
			KeyFile:           filepath.Join("input", "api_keys", "modat_api_key.txt"),
			PageSize:          100,
			MaxRetries:        3,
			BatchSize:         10,
			SleepBetweenPages: 3100 * time.Millisecond,
			SleepBetweenItems: 3200 * time.Millisecond,
			SleepAfterBatch:   30 * time.Second,
		},
		NetworksDB: NetworksDBConfig{
			BaseURL: "https://networksdb.io/api",
			KeyFile: filepath.Join("input", "api_keys", "networksdb_api_key.txt"),
			Delay:   1500 * time.Millisecond,
		},
		NVD: NVDConfig{
			BaseURL:           "https://services.nvd.nist.gov/rest/json/cves/2.0",
			KeyFile:           filepath.Join("input", "api_keys", "nvd_api_key.txt"),
			UserAgent:         "CVE-Scanner",
			RequestDelay:      750 * time.Millisecond,
			RetryLimit:        10,
			BackoffMultiplier: 1.7,
		},
		Validation: ValidationConfig{
			Country:    "NL",
			Tags:       []string{"access management", "alarm", "building automation", "camera"},
			ExcludeTag: "honeypot",
		},
	}
}

// Load reads a YAML config file over the defaults. A missing file is not
// an error; the defaults apply as-is.
func Load(path string) (Config, error) {
	c := Default()
	if path == "" {
		return c, nil
	}

	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		return Config{}, xerrors.Errorf("failed to read config: %w", err)
	}
	if err = yaml.Unmarshal(b, &c); err != nil {
		return Config{}, xerrors.Errorf("failed to parse config: %w", err)
	}
	return c, nil
}

// StagingPath returns a subdirectory of the staging area, creating it if
// needed.
func (c Config) StagingPath(sub string) (string, error) {
	dir := filepath.Join(c.StagingDir, sub)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", xerrors.Errorf("failed to create staging dir: %w", err)
	}
	return dir, nil
}

// APIKey resolves an API key: the environment variable wins, otherwise
// the key file is read and trimmed. An empty key file is an error so a
// half-configured workspace fails loudly instead of sending anonymous
// requests.
func APIKey(envVar, keyFile string) (string, error) {
	if v := strings.TrimSpace(os.Getenv(envVar)); v != "" {
		return v, nil
	}

	b, err := os.ReadFile(keyFile)
	if err != nil {
		return "", xerrors.Errorf("failed to read API key file %s: %w", keyFile, err)
	}
	key := strings.TrimSpace(string(b))
	if key == "" {
		return "", xerrors.Errorf("API key file is empty: %s", keyFile)
	}
	return key, nil
}

// OptionalAPIKey is APIKey for services that work unauthenticated; a
// missing file yields an empty key.
func OptionalAPIKey(envVar, keyFile string) string {
	key, err := APIKey(envVar, keyFile)
	if err != nil {
		return ""
	}
	return key
}
