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
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/caddyserver/caddy/v2"
	"github.com/stretchr/testify/require"
	"github.com/timelinize/photoimport/cluster"
	"github.com/timelinize/photoimport/upload"
)

func TestConfigApplyEnv(t *testing.T) {
	env := map[string]string{
		"PHOTOIMPORT_SERVER":         "https://photos.example.com/api",
		"PHOTOIMPORT_ACCESS_TOKEN":   "secret",
		"PHOTOIMPORT_MAX_CONCURRENT": " 5 ",
		"PHOTOIMPORT_S3_ENDPOINT":    "s3.example.com",
		"PHOTOIMPORT_S3_BUCKET":      "photos",
	}
	lookup := func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}

	cfg := &Config{Server: "https://old.example.com", Workers: 7}
	require.NoError(t, cfg.applyEnv(lookup))

	require.Equal(t, "https://photos.example.com/api", cfg.Server)
	require.Equal(t, "secret", cfg.AccessToken)
	require.Equal(t, 5, cfg.MaxConcurrent)
	require.Equal(t, 7, cfg.Workers)
	require.NotNil(t, cfg.Storage)
	require.Equal(t, "s3.example.com", cfg.Storage.Endpoint)
	require.Equal(t, "photos", cfg.Storage.Bucket)

	env["PHOTOIMPORT_WORKERS"] = "many"
	err := cfg.applyEnv(lookup)
	require.ErrorContains(t, err, "PHOTOIMPORT_WORKERS")
}

func TestConfigDefaults(t *testing.T) {
	cfg := new(Config)
	cfg.fillDefaults()

	require.Equal(t, upload.DefaultMaxConcurrent, cfg.MaxConcurrent)
	require.Equal(t, caddy.Duration(cluster.DefaultTimeWindow), cfg.ClusterWindow)
	require.Equal(t, cluster.DefaultProximityMeters, cfg.ClusterRadius)
	require.Equal(t, caddy.Duration(defaultRequestTimeout), cfg.RequestTimeout)
	require.True(t, strings.HasSuffix(cfg.LedgerPath, "ledger.db"))
	require.NoError(t, cfg.validate())
}

func TestConfigValidate(t *testing.T) {
	for i, tc := range []struct {
		cfg       *Config
		expectErr bool
	}{
		{cfg: &Config{}, expectErr: false},
		{cfg: &Config{Server: "http://127.0.0.1:8080/api", MaxConcurrent: 3}, expectErr: false},
		{cfg: &Config{Server: "not a url"}, expectErr: true},
		{cfg: &Config{MaxConcurrent: 100}, expectErr: true},
		{cfg: &Config{Workers: -1}, expectErr: true},
		{cfg: &Config{ClusterRadius: -5}, expectErr: true},
		{cfg: &Config{LogLevel: "loud"}, expectErr: true},
		{cfg: &Config{LogLevel: "debug"}, expectErr: false},
		{cfg: &Config{Storage: &upload.MinioConfig{Endpoint: "s3.example.com"}}, expectErr: true},
		{cfg: &Config{Storage: &upload.MinioConfig{
			Endpoint:        "s3.example.com",
			AccessKeyID:     "id",
			SecretAccessKey: "key",
			Bucket:          "photos",
		}}, expectErr: false},
	} {
		err := tc.cfg.validate()
		if tc.expectErr && err == nil {
			t.Errorf("Test %d: expected an error but got none", i)
		}
		if !tc.expectErr && err != nil {
			t.Errorf("Test %d: expected no error but got: %v", i, err)
		}
	}
}

func TestConfigRequireDestination(t *testing.T) {
	require.ErrorIs(t, new(Config).requireDestination(), ErrNoDestination)
	require.NoError(t, (&Config{Server: "http://localhost"}).requireDestination())
	require.NoError(t, (&Config{Storage: &upload.MinioConfig{}}).requireDestination())
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"server": "https://photos.example.com",
		"max_concurrent": 2,
		"cluster_window": "90m",
		"request_timeout": "30s",
		"rate_limit": {"requests_per_hour": 600}
	}`), 0o600))
	t.Setenv("PHOTOIMPORT_MAX_CONCURRENT", "4")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, "https://photos.example.com", cfg.Server)
	require.Equal(t, 4, cfg.MaxConcurrent, "environment overrides the file")
	require.Equal(t, caddy.Duration(90*time.Minute), cfg.ClusterWindow)
	require.Equal(t, caddy.Duration(30*time.Second), cfg.RequestTimeout)
	require.Equal(t, 600, cfg.RateLimit.RequestsPerHour)

	_, err = LoadConfig(filepath.Join(dir, "missing.json"))
	require.Error(t, err, "an explicitly named config file must exist")

	require.NoError(t, os.WriteFile(path, []byte(`{"max_concurrent": 1000}`), 0o600))
	_, err = LoadConfig(path)
	require.ErrorContains(t, err, "invalid config")
}

func TestConfigSave(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.json")
	cfg := &Config{Server: "https://photos.example.com", MaxConcurrent: 2}
	require.NoError(t, cfg.Save(path))

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, cfg.Server, loaded.Server)
	require.Equal(t, 2, loaded.MaxConcurrent)
}
