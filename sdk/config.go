package sdk

import (
	"errors"
	"net/http"
	"time"

	"github.com/vailix-dev/vailix/identity"
	"github.com/vailix-dev/vailix/keystore"
)

// ErrConfigInvalid is returned synchronously from New when the
// configuration describes an impossible option combination. Create
// does not re-validate the Config it is given.
var ErrConfigInvalid = errors.New("sdk: invalid configuration")

// Config holds the enumerated client configuration options of §6.
// Construct it with New(reportURL, downloadURL, appSecret, opts...);
// defaults match the table in §6.
type Config struct {
	ReportURL      string
	DownloadURL    string
	AppSecret      string
	RPIDuration    time.Duration
	RescanInterval time.Duration
	ReportDays     int
	KeyStorage     identity.KeyStore
	StoreDir       string
	AttestToken    string
	HTTPClient     *http.Client
}

// Option mutates a Config under construction, in the
// functional-options style used throughout the teacher codebase
// (massifs/options.go, massifs/readeroptions.go).
type Option func(*Config)

// WithRPIDuration overrides the default 15-minute epoch length.
func WithRPIDuration(d time.Duration) Option {
	return func(c *Config) { c.RPIDuration = d }
}

// WithRescanInterval sets the rescan throttle. Must be <= RPIDuration;
// validated in New.
func WithRescanInterval(d time.Duration) Option {
	return func(c *Config) { c.RescanInterval = d }
}

// WithReportDays overrides the default 14-day report history depth.
func WithReportDays(days int) Option {
	return func(c *Config) { c.ReportDays = days }
}

// WithKeyStorage substitutes a non-default key-storage collaborator
// (e.g. a real OS-keychain adapter) in place of the file-backed default.
func WithKeyStorage(store identity.KeyStore) Option {
	return func(c *Config) { c.KeyStorage = store }
}

// WithStoreDir sets the directory the encrypted local store and the
// default key-storage file live under.
func WithStoreDir(dir string) Option {
	return func(c *Config) { c.StoreDir = dir }
}

// WithAttestToken attaches an x-attest-token value to report submissions.
func WithAttestToken(token string) Option {
	return func(c *Config) { c.AttestToken = token }
}

// WithHTTPClient substitutes the HTTP client used for report submission
// and matcher downloads.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Config) { c.HTTPClient = client }
}

// New builds a Config from the required options and any overrides,
// applying §6's defaults.
func New(reportURL, downloadURL, appSecret string, opts ...Option) (Config, error) {
	cfg := Config{
		ReportURL:      reportURL,
		DownloadURL:    downloadURL,
		AppSecret:      appSecret,
		RPIDuration:    15 * time.Minute,
		RescanInterval: 0,
		ReportDays:     14,
		StoreDir:       ".",
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	if cfg.ReportURL == "" || cfg.DownloadURL == "" || cfg.AppSecret == "" {
		return Config{}, ErrConfigInvalid
	}
	if cfg.RPIDuration <= 0 {
		return Config{}, ErrConfigInvalid
	}
	if cfg.RescanInterval > cfg.RPIDuration {
		return Config{}, ErrConfigInvalid
	}

	if cfg.KeyStorage == nil {
		fileStore, err := keystore.NewFileStore(cfg.StoreDir)
		if err != nil {
			return Config{}, err
		}
		cfg.KeyStorage = fileStore
	}

	return cfg, nil
}
