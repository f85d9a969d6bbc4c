package main

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

const (
	defaultConfigFile      = "config.yaml"
	defaultLazyTimeout     = 10 * time.Second
	defaultPageLoadTimeout = 120 * time.Second
	defaultScriptTimeout   = 120 * time.Second
	defaultAPITimeout      = 60 * time.Second
	defaultRequestsPerSec  = 5.0
	defaultMaxRetries      = 3
)

// Print modes supported by the Chrome renderer
const (
	PrintModeCDP   = "cdp"
	PrintModeKiosk = "kiosk"
)

//go:embed config/settings.yaml
var defaultSettings string

// ErrConfigCreated is returned when a default config file was written and
// needs to be edited before the first run
var ErrConfigCreated = errors.New("default configuration created")

// ConfigOverrides allows overriding settings from command line flags
type ConfigOverrides struct {
	Space           *string
	DownloadPath    *string
	WithAttachments *bool
	WithMarkdown    *bool
	LazyMode        *bool
	LazyTimeout     *time.Duration
	Headless        *bool
}

// BrowserSettings configures the rendering agent
type BrowserSettings struct {
	ExecPath         string        `yaml:"exec_path" toml:"exec_path"`
	UserDataDir      string        `yaml:"user_data_dir" toml:"user_data_dir"`
	ProfileDirectory string        `yaml:"profile_directory" toml:"profile_directory"`
	Headless         bool          `yaml:"headless" toml:"headless"`
	PrintMode        string        `yaml:"print_mode" toml:"print_mode"`
	ReadySelector    string        `yaml:"ready_selector" toml:"ready_selector"`
	PageLoadTimeout  time.Duration `yaml:"page_load_timeout" toml:"page_load_timeout"`
	ScriptTimeout    time.Duration `yaml:"script_timeout" toml:"script_timeout"`
	VerifyDocuments  bool          `yaml:"verify_documents" toml:"verify_documents"`
}

// APISettings configures the REST client
type APISettings struct {
	RequestsPerSecond float64       `yaml:"requests_per_second" toml:"requests_per_second"`
	Burst             int           `yaml:"burst" toml:"burst"`
	MaxRetries        int           `yaml:"max_retries" toml:"max_retries"`
	Timeout           time.Duration `yaml:"timeout" toml:"timeout"`
}

// Settings represents the configuration file
type Settings struct {
	Space    string `yaml:"space" toml:"space"`
	WebURL   string `yaml:"web_url" toml:"web_url"`
	APIURL   string `yaml:"api_url" toml:"api_url"`
	Username string `yaml:"username" toml:"username"`
	Password string `yaml:"password" toml:"password"`

	DownloadPath    string        `yaml:"download_path" toml:"download_path"`
	WithAttachments bool          `yaml:"with_attachments" toml:"with_attachments"`
	WithMarkdown    bool          `yaml:"with_markdown" toml:"with_markdown"`
	LazyMode        bool          `yaml:"lazy_mode" toml:"lazy_mode"`
	LazyTimeout     time.Duration `yaml:"lazy_timeout" toml:"lazy_timeout"`

	Browser BrowserSettings `yaml:"browser" toml:"browser"`
	API     APISettings     `yaml:"api" toml:"api"`
}

// LoadSettings reads the config file, applies environment and flag
// overrides and validates the result
func LoadSettings(path string, overrides *ConfigOverrides) (*Settings, error) {
	if err := ensureConfigExists(path); err != nil {
		return nil, err
	}

	settings, err := parseSettings(path)
	if err != nil {
		return nil, err
	}

	settings.applyEnv()
	settings.applyOverrides(overrides)

	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("invalid settings in %s: %w", path, err)
	}
	return settings, nil
}

// parseSettings decodes YAML or TOML depending on the file extension
func parseSettings(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading settings file %s: %w", path, err)
	}

	settings := &Settings{
		Browser: BrowserSettings{Headless: true, VerifyDocuments: true},
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), settings); err != nil {
			return nil, fmt.Errorf("parsing settings TOML: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, settings); err != nil {
			return nil, fmt.Errorf("parsing settings YAML: %w", err)
		}
	}

	return settings, nil
}

func (s *Settings) applyEnv() {
	if v := os.Getenv("CONFLUENCE_USERNAME"); v != "" {
		s.Username = v
	}
	if v := os.Getenv("CONFLUENCE_PASSWORD"); v != "" {
		s.Password = v
	} else if v := os.Getenv("CONFLUENCE_API_TOKEN"); v != "" {
		s.Password = v
	}
}

func (s *Settings) applyOverrides(o *ConfigOverrides) {
	if o == nil {
		return
	}
	if o.Space != nil {
		s.Space = *o.Space
	}
	if o.DownloadPath != nil {
		s.DownloadPath = *o.DownloadPath
	}
	if o.WithAttachments != nil {
		s.WithAttachments = *o.WithAttachments
	}
	if o.WithMarkdown != nil {
		s.WithMarkdown = *o.WithMarkdown
	}
	if o.LazyMode != nil {
		s.LazyMode = *o.LazyMode
	}
	if o.LazyTimeout != nil {
		s.LazyTimeout = *o.LazyTimeout
	}
	if o.Headless != nil {
		s.Browser.Headless = *o.Headless
	}
}

// Validate checks required fields and fills in defaults
func (s *Settings) Validate() error {
	if s.Space == "" {
		return errors.New("space is required")
	}
	if s.WebURL == "" {
		return errors.New("web_url is required")
	}
	if s.APIURL == "" {
		s.APIURL = s.WebURL
	}
	if s.Username == "" || s.Password == "" {
		return errors.New("username and password are required (or CONFLUENCE_USERNAME / CONFLUENCE_PASSWORD)")
	}
	if s.DownloadPath == "" {
		return errors.New("download_path is required")
	}

	s.WebURL = strings.TrimSuffix(s.WebURL, "/")
	s.APIURL = strings.TrimSuffix(s.APIURL, "/")

	if s.LazyTimeout <= 0 {
		s.LazyTimeout = defaultLazyTimeout
	}

	switch s.Browser.PrintMode {
	case "":
		s.Browser.PrintMode = PrintModeCDP
	case PrintModeCDP, PrintModeKiosk:
	default:
		return fmt.Errorf("unknown browser.print_mode %q (want %s or %s)", s.Browser.PrintMode, PrintModeCDP, PrintModeKiosk)
	}
	if s.Browser.PrintMode == PrintModeKiosk && s.Browser.Headless {
		return errors.New("browser.print_mode kiosk needs a visible browser, set browser.headless to false")
	}
	if s.Browser.ProfileDirectory == "" {
		s.Browser.ProfileDirectory = "Default"
	}
	if s.Browser.ReadySelector == "" {
		s.Browser.ReadySelector = "body"
	}
	if s.Browser.PageLoadTimeout <= 0 {
		s.Browser.PageLoadTimeout = defaultPageLoadTimeout
	}
	if s.Browser.ScriptTimeout <= 0 {
		s.Browser.ScriptTimeout = defaultScriptTimeout
	}

	if s.API.RequestsPerSecond <= 0 {
		s.API.RequestsPerSecond = defaultRequestsPerSec
	}
	if s.API.Burst <= 0 {
		s.API.Burst = 1
	}
	if s.API.MaxRetries < 0 {
		s.API.MaxRetries = 0
	} else if s.API.MaxRetries == 0 {
		s.API.MaxRetries = defaultMaxRetries
	}
	if s.API.Timeout <= 0 {
		s.API.Timeout = defaultAPITimeout
	}

	return nil
}

// ensureConfigExists writes the embedded default settings when the config
// file is missing
func ensureConfigExists(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("checking settings file %s: %w", path, err)
	}

	if strings.ToLower(filepath.Ext(path)) == ".toml" {
		return fmt.Errorf("settings file %s not found", path)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(defaultSettings), 0600); err != nil {
		return fmt.Errorf("writing default settings: %w", err)
	}
	return fmt.Errorf("%w at %s, edit it and run again", ErrConfigCreated, path)
}
