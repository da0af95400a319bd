package objectstore

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"
)

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key  string
	Size int64
	ETag string
}

// Store is the S3-compatible surface the artifact pipeline needs.
type Store interface {
	EnsureBucket(ctx context.Context, bucket string) error
	Upload(ctx context.Context, bucket, key, path string) error
	Stat(ctx context.Context, bucket, key string) (ObjectInfo, error)
}

type Config struct {
	Driver    string
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
}

// New returns the store for cfg.Driver ("minio" or "s3").
func New(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Driver {
	case "", "minio":
		return NewMinIO(cfg)
	case "s3":
		return NewS3(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown object store driver %q", cfg.Driver)
	}
}

// splitEndpoint turns "http://host:9000" into ("host:9000", false).
func splitEndpoint(raw string) (string, bool, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", false, fmt.Errorf("invalid endpoint %q: %w", raw, err)
	}
	if u.Host == "" {
		return raw, false, nil
	}
	return u.Host, u.Scheme == "https", nil
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
