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
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

// HTTPConfig configures an HTTPClient.
type HTTPConfig struct {
	// BaseURL of the photo service; endpoints are resolved relative to it.
	BaseURL string

	// AccessToken, if set, is sent as a bearer token.
	AccessToken string

	// Timeout for each request, including the upload body.
	Timeout time.Duration

	RateLimit RateLimit

	// Transport is the base round tripper; http.DefaultTransport if nil.
	Transport http.RoundTripper
}

// HTTPClient talks to the photo service's REST endpoints. It is both a
// DuplicateChecker and an Uploader.
type HTTPClient struct {
	base   *url.URL
	client *http.Client
	logger *zap.Logger
	stop   func()
}

// NewHTTPClient returns a client for the service at cfg.BaseURL. Call
// Close when done with it.
func NewHTTPClient(ctx context.Context, cfg HTTPConfig, logger *zap.Logger) (*HTTPClient, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing base URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("base URL must be http or https: %s", cfg.BaseURL)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	transport := cfg.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	transport, stop := NewRateLimitedRoundTripper(transport, cfg.RateLimit)
	client := &http.Client{Transport: transport}

	if cfg.AccessToken != "" {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, client)
		client = oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.AccessToken}))
	}
	client.Timeout = cfg.Timeout

	return &HTTPClient{
		base:   base,
		client: client,
		logger: logger.Named("http"),
		stop:   stop,
	}, nil
}

// Close releases the client's rate limiter.
func (c *HTTPClient) Close() { c.stop() }

type duplicatesRequest struct {
	Fingerprints []string `json:"fingerprints"`
}

type duplicatesResponse struct {
	Duplicates []string `json:"duplicates"`
}

// CheckDuplicates posts the fingerprints to {base}/duplicates and returns
// the subset the service already has.
func (c *HTTPClient) CheckDuplicates(ctx context.Context, fingerprints []string) ([]string, error) {
	body, err := json.Marshal(duplicatesRequest{Fingerprints: fingerprints})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("duplicates"), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.do(req, "checking duplicates")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var result duplicatesResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decoding duplicate check response: %w", err)
	}
	c.logger.Debug("duplicate check",
		zap.Int("asked", len(fingerprints)),
		zap.Int("known", len(result.Duplicates)))
	return result.Duplicates, nil
}

// Upload posts the item to {base}/photos as a multipart form with a
// "file" part and optional latitude, longitude, timestamp and
// fingerprint fields.
func (c *HTTPClient) Upload(ctx context.Context, item Item, progress ProgressFunc) error {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	contentType := item.MimeType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, quoteEscaper.Replace(item.FileName)))
	h.Set("Content-Type", contentType)
	part, err := mw.CreatePart(h)
	if err != nil {
		return err
	}
	if _, err := part.Write(item.Data); err != nil {
		return err
	}

	fields := []struct {
		name  string
		value *string
	}{
		{"latitude", formatFloat(item.Latitude)},
		{"longitude", formatFloat(item.Longitude)},
		{"timestamp", item.Timestamp},
		{"fingerprint", item.Fingerprint},
	}
	for _, f := range fields {
		if f.value == nil {
			continue
		}
		if err := mw.WriteField(f.name, *f.value); err != nil {
			return err
		}
	}
	if err := mw.Close(); err != nil {
		return err
	}

	total := int64(buf.Len())
	body := &progressReader{r: &buf, total: total, fn: progress}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("photos"), body)
	if err != nil {
		return err
	}
	req.ContentLength = total
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.do(req, "uploading "+item.FileName)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.Body.Close()
}

func (c *HTTPClient) endpoint(name string) string {
	return c.base.JoinPath(name).String()
}

// do performs the request and turns transport failures and non-2xx
// responses into a *TransportError. On success the caller closes the body.
func (c *HTTPClient) do(req *http.Request, op string) (*http.Response, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &TransportError{
			Op:         op,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(body)),
		}
	}
	return resp, nil
}

// TransportError is a failed request to the photo service.
type TransportError struct {
	Op         string
	StatusCode int    // zero if no response was received
	Body       string // start of the response body, if any
	Err        error
}

func (e *TransportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	msg := fmt.Sprintf("%s: HTTP %d %s", e.Op, e.StatusCode, http.StatusText(e.StatusCode))
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

func (e *TransportError) Unwrap() error { return e.Err }

// progressReader reports bytes read through fn. With a nil r it only
// counts, which suits APIs that pass uploaded chunks to a progress reader.
type progressReader struct {
	r     io.Reader
	sent  int64
	total int64
	fn    ProgressFunc
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := len(b), error(nil)
	if p.r != nil {
		n, err = p.r.Read(b)
	}
	if n > 0 && p.fn != nil {
		p.sent += int64(n)
		p.fn(p.sent, p.total)
	}
	return n, err
}

func formatFloat(f *float64) *string {
	if f == nil {
		return nil
	}
	s := strconv.FormatFloat(*f, 'f', -1, 64)
	return &s
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

const maxErrorBody = 4096
