/*
	Timelinize
	Copyright (c) 2013 Matthew Holt

	This program is free software: you can redistribute it and/or modify
	it under the terms of the GNU Affero General Public License as published
	by the Free Software Foundation, either version 3 of the License, or
	(at your option) any later version.

	This program is distributed in the hope that it will be useful,
	but WITHOUT ANY WARRANTY; without even the implied warranty of
	MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
	GNU Affero General Public License for more details.

	You should have received a copy of the GNU Affero General Public License
	along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package app

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/caddyserver/caddy/v2"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/timelinize/photoimport/cluster"
	"github.com/timelinize/photoimport/importer"
	"github.com/timelinize/photoimport/upload"
	"go.uber.org/zap"
)

// Config describes the importer configuration.
// Config values must not be copied (i.e. use pointers).
type Config struct {
	sync.RWMutex `json:"-"`

	// Base URL of the photo service's API, e.g. https://photos.example.com/api.
	Server string `json:"server,omitempty" validate:"omitempty,url"`

	// Bearer token for the photo service.
	AccessToken string `json:"access_token,omitempty"`

	// Upload to an S3-compatible bucket instead of a photo service.
	Storage *upload.MinioConfig `json:"storage,omitempty"`

	// Uploads in flight at once; defaults to 3.
	MaxConcurrent int `json:"max_concurrent,omitempty" validate:"gte=0,lte=32"`

	// Files parsed at once; defaults to 4.
	Workers int `json:"workers,omitempty" validate:"gte=0,lte=256"`

	// Timeout for each request to the photo service; defaults to 2m.
	RequestTimeout caddy.Duration `json:"request_timeout,omitempty" validate:"gte=0"`

	// Throttles requests to the photo service.
	RateLimit upload.RateLimit `json:"rate_limit,omitzero"`

	// How long parse results are remembered for identical files.
	CacheTTL caddy.Duration `json:"cache_ttl,omitempty" validate:"gte=0"`

	// Photos further apart than this in time or space start a new cluster.
	ClusterWindow caddy.Duration `json:"cluster_window,omitempty" validate:"gte=0"`
	ClusterRadius float64        `json:"cluster_radius_meters,omitempty" validate:"gte=0"`

	// Look up the time zone of each cluster's location.
	InferTimeZone bool `json:"infer_time_zone,omitempty"`

	// Decode every EXIF field of each photo, not only location and time.
	ExtractMetadata bool `json:"extract_metadata,omitempty"`

	// Where the record of import sessions is kept.
	LedgerPath string `json:"ledger_path,omitempty"`

	// Also write logs to this file, rotating it as it grows.
	LogFile  string `json:"log_file,omitempty"`
	LogLevel string `json:"log_level,omitempty" validate:"omitempty,oneof=debug info warn error"`

	// If set, serve live progress on this address, e.g. localhost:12003.
	ProgressListen string `json:"progress_listen,omitempty"`

	log *zap.Logger
}

// ErrNoDestination is returned when uploading without a server or bucket.
var ErrNoDestination = errors.New("no upload destination configured: set server or storage")

// LoadConfig reads the config file at path, or the default config file
// if path is empty, then applies .env files and PHOTOIMPORT_* environment
// variables. A missing default config file is not an error.
func LoadConfig(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading .env file: %w", err)
	}

	explicit := path != ""
	if !explicit {
		path = DefaultConfigFilePath()
	}

	cfg := new(Config)
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist) && !explicit:
	case err != nil:
		return nil, fmt.Errorf("reading config file: %w", err)
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decoding config file %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	cfg.fillDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides config values with PHOTOIMPORT_* variables.
func (cfg *Config) applyEnv(lookup func(string) (string, bool)) error {
	cfg.Lock()
	defer cfg.Unlock()

	str := func(key string, dst *string) {
		if v, ok := lookup(envPrefix + key); ok {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		v, ok := lookup(envPrefix + key)
		if !ok {
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s%s: %w", envPrefix, key, err)
		}
		*dst = n
		return nil
	}

	str("SERVER", &cfg.Server)
	str("ACCESS_TOKEN", &cfg.AccessToken)
	str("LEDGER", &cfg.LedgerPath)
	str("LOG_FILE", &cfg.LogFile)
	str("LOG_LEVEL", &cfg.LogLevel)
	str("PROGRESS_LISTEN", &cfg.ProgressListen)
	if err := num("MAX_CONCURRENT", &cfg.MaxConcurrent); err != nil {
		return err
	}
	if err := num("WORKERS", &cfg.Workers); err != nil {
		return err
	}

	if endpoint, ok := lookup(envPrefix + "S3_ENDPOINT"); ok {
		if cfg.Storage == nil {
			cfg.Storage = new(upload.MinioConfig)
		}
		cfg.Storage.Endpoint = endpoint
	}
	if cfg.Storage != nil {
		str("S3_ACCESS_KEY", &cfg.Storage.AccessKeyID)
		str("S3_SECRET_KEY", &cfg.Storage.SecretAccessKey)
		str("S3_BUCKET", &cfg.Storage.Bucket)
		str("S3_PREFIX", &cfg.Storage.Prefix)
	}
	return nil
}

func (cfg *Config) fillDefaults() {
	cfg.Lock()
	defer cfg.Unlock()
	if cfg.MaxConcurrent == 0 {
		cfg.MaxConcurrent = upload.DefaultMaxConcurrent
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = caddy.Duration(defaultRequestTimeout)
	}
	if cfg.ClusterWindow == 0 {
		cfg.ClusterWindow = caddy.Duration(cluster.DefaultTimeWindow)
	}
	if cfg.ClusterRadius == 0 {
		cfg.ClusterRadius = cluster.DefaultProximityMeters
	}
	if cfg.LedgerPath == "" {
		cfg.LedgerPath = filepath.Join(DefaultDataDir(), "ledger.db")
	}
	if cfg.log == nil {
		cfg.log = importer.Log.Named("config").With(zap.Time("loaded", time.Now()))
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func (cfg *Config) validate() error {
	cfg.RLock()
	defer cfg.RUnlock()
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q check", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// requireDestination returns ErrNoDestination if there is nowhere to upload to.
func (cfg *Config) requireDestination() error {
	cfg.RLock()
	defer cfg.RUnlock()
	if cfg.Server == "" && cfg.Storage == nil {
		return ErrNoDestination
	}
	return nil
}

// Save persists the config to path, or to the default config file if
// path is empty.
func (cfg *Config) Save(path string) error {
	cfg.RLock()
	defer cfg.RUnlock()

	if path == "" {
		path = DefaultConfigFilePath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "\t")
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	if cfg.log != nil {
		cfg.log.Info("saved config file", zap.String("path", path))
	}
	return nil
}

// DefaultConfigFilePath returns the file path where
// configuration is persisted.
func DefaultConfigFilePath() string {
	cfgDir, err := os.UserConfigDir()
	if err == nil {
		return filepath.Join(cfgDir, "photoimport", "config.json")
	}
	cfgDir, err = os.UserHomeDir()
	if err == nil {
		return filepath.Join(cfgDir, ".photoimport", "config.json")
	}
	return filepath.Join(".photoimport", "config.json")
}

// DefaultDataDir returns the folder where the ledger is kept by default.
func DefaultDataDir() string {
	dataDir, err := os.UserCacheDir()
	if err == nil {
		return filepath.Join(dataDir, "photoimport")
	}
	homeDir, err := os.UserHomeDir()
	if err == nil {
		return filepath.Join(homeDir, ".photoimport", "data")
	}
	return filepath.Join(".photoimport", "data")
}

const (
	envPrefix             = "PHOTOIMPORT_"
	defaultRequestTimeout = 2 * time.Minute
)
