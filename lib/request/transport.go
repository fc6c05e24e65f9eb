package request

import (
	"bytes"
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/go-i2p/go-onionreq/lib/snode"
	"github.com/go-i2p/logger"
	"github.com/samber/oops"
	"github.com/tidwall/gjson"
	"golang.org/x/mod/semver"
)

const (
	// OnionRequestPath is the guard endpoint onion requests are posted to.
	OnionRequestPath = "/onion_req/v2"
	// StatsPath is the endpoint used to test guard snodes.
	StatsPath = "/get_stats/v1"
	// MinGuardVersion is the oldest storage server accepted as a guard.
	MinGuardVersion = "v2.0.7"

	// DefaultTimeout bounds a single attempt.
	DefaultTimeout = 10 * time.Second

	maxResponseBytes = 16 << 20
)

// Transport sends raw requests to snodes. Snodes present self-signed
// certificates; every onion layer is authenticated with AES-GCM instead.
type Transport struct {
	client  *http.Client
	timeout time.Duration
}

// NewTransport creates a transport that accepts self-signed certificates.
func NewTransport(timeout time.Duration) *Transport {
	tr := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSClientConfig:     &tls.Config{InsecureSkipVerify: true},
		MaxIdleConns:        64,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: timeout,
	}
	return NewTransportWithClient(&http.Client{Transport: tr}, timeout)
}

// NewTransportWithClient wraps an existing client, as tests with httptest do.
func NewTransportWithClient(client *http.Client, timeout time.Duration) *Transport {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Transport{client: client, timeout: timeout}
}

// Client returns the underlying HTTP client.
func (t *Transport) Client() *http.Client {
	return t.client
}

// Timeout is the per-attempt deadline.
func (t *Transport) Timeout() time.Duration {
	return t.timeout
}

// Do sends one request and reads the whole reply within the per-attempt
// timeout.
func (t *Transport) Do(ctx context.Context, method, url string, body []byte) (int, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return 0, nil, oops.Wrapf(err, "building request to %s", url)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/octet-stream")
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, data, nil
}

// TestGuard checks that s answers its stats endpoint and runs a storage
// server version that can act as a guard.
func (t *Transport) TestGuard(ctx context.Context, s snode.Snode) error {
	status, body, err := t.Do(ctx, http.MethodGet, s.URL()+StatsPath, nil)
	if err != nil {
		return oops.Wrapf(err, "guard %s unreachable", s)
	}
	if status != http.StatusOK {
		return oops.Errorf("guard %s answered stats with %d", s, status)
	}
	version := gjson.GetBytes(body, "version").String()
	if version == "" {
		return oops.Errorf("guard %s reported no version", s)
	}
	v := "v" + version
	if !semver.IsValid(v) {
		return oops.Errorf("guard %s reported invalid version %q", s, version)
	}
	if semver.Compare(v, MinGuardVersion) < 0 {
		return oops.Errorf("guard %s runs %s, need %s", s, version, MinGuardVersion)
	}

	log.WithFields(logger.Fields{
		"at":      "(Transport) TestGuard",
		"snode":   s.String(),
		"version": version,
	}).Debug("guard snode passed test")
	return nil
}
