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

package upload

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"path"
	"strconv"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// MinioConfig configures a MinioBackend.
type MinioConfig struct {
	Endpoint        string `json:"endpoint" validate:"required"`
	AccessKeyID     string `json:"access_key_id" validate:"required"`
	SecretAccessKey string `json:"secret_access_key" validate:"required"`
	Bucket          string `json:"bucket" validate:"required"`
	Prefix          string `json:"prefix,omitempty"`
	UseSSL          bool   `json:"use_ssl,omitempty"`
}

// MinioBackend stores photos in an S3-compatible bucket, one object per
// fingerprint, so a photo is a duplicate if its object already exists.
type MinioBackend struct {
	client *minio.Client
	bucket string
	prefix string
	logger *zap.Logger
}

// NewMinioBackend connects to the object store described by cfg.
func NewMinioBackend(cfg MinioConfig, logger *zap.Logger) (*MinioBackend, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("creating object store client: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MinioBackend{
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		logger: logger.Named("minio"),
	}, nil
}

// CheckDuplicates stats the object of each fingerprint.
func (m *MinioBackend) CheckDuplicates(ctx context.Context, fingerprints []string) ([]string, error) {
	var (
		mu    sync.Mutex
		known []string
	)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(minioStatConcurrency)
	for _, fp := range fingerprints {
		g.Go(func() error {
			_, err := m.client.StatObject(ctx, m.bucket, m.fingerprintObject(fp), minio.StatObjectOptions{})
			if err != nil {
				if isNotFound(err) {
					return nil
				}
				return fmt.Errorf("stat %s: %w", fp, err)
			}
			mu.Lock()
			known = append(known, fp)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return known, nil
}

// Upload puts the item's bytes at its object name.
func (m *MinioBackend) Upload(ctx context.Context, item Item, progress ProgressFunc) error {
	size := int64(len(item.Data))
	_, err := m.client.PutObject(ctx, m.bucket, m.objectName(item), bytes.NewReader(item.Data), size, minio.PutObjectOptions{
		ContentType:  item.MimeType,
		UserMetadata: objectMetadata(item),
		Progress:     &progressReader{total: size, fn: progress},
	})
	if err != nil {
		return fmt.Errorf("putting object: %w", err)
	}
	return nil
}

func (m *MinioBackend) fingerprintObject(fp string) string {
	return path.Join(m.prefix, "fingerprints", fp)
}

// objectName keys fingerprinted items by fingerprint. Items without one
// can never be detected as duplicates, so they are keyed by item ID.
func (m *MinioBackend) objectName(item Item) string {
	if item.Fingerprint != nil && *item.Fingerprint != "" {
		return m.fingerprintObject(*item.Fingerprint)
	}
	return path.Join(m.prefix, "items", item.ID+path.Ext(item.FileName))
}

func objectMetadata(item Item) map[string]string {
	meta := map[string]string{
		"item-id":   item.ID,
		"file-name": item.FileName,
	}
	if item.Latitude != nil {
		meta["latitude"] = strconv.FormatFloat(*item.Latitude, 'f', -1, 64)
	}
	if item.Longitude != nil {
		meta["longitude"] = strconv.FormatFloat(*item.Longitude, 'f', -1, 64)
	}
	if item.Timestamp != nil {
		meta["timestamp"] = *item.Timestamp
	}
	return meta
}

func isNotFound(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound
}

const minioStatConcurrency = 8
