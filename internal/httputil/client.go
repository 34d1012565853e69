package httputil

import (
	"net"
	"net/http"
	"time"
)

type ClientConfig struct {
	Timeout               time.Duration
	DialTimeout           time.Duration
	TLSHandshakeTimeout   time.Duration
	ResponseHeaderTimeout time.Duration
	IdleConnTimeout       time.Duration
	MaxIdleConns          int
	MaxIdleConnsPerHost   int
}

// DefaultConfig holds the dial and pool settings shared by every upstream
// client.
func DefaultConfig() ClientConfig {
	return ClientConfig{
		Timeout:               30 * time.Second,
		DialTimeout:           10 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
	}
}

// StreamingConfig has no overall timeout: a completion body may stay open for
// minutes and is bounded by the request context instead. The upstream must
// still produce response headers within ResponseHeaderTimeout.
func StreamingConfig(headerTimeout time.Duration) ClientConfig {
	cfg := DefaultConfig()
	cfg.Timeout = 0
	if headerTimeout > 0 {
		cfg.ResponseHeaderTimeout = headerTimeout
	}
	return cfg
}

func NewClient(cfg ClientConfig) *http.Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.DialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   cfg.TLSHandshakeTimeout,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		ForceAttemptHTTP2:     true,
	}

	return &http.Client{
		Timeout:   cfg.Timeout,
		Transport: transport,
	}
}

func StreamingClient(headerTimeout time.Duration) *http.Client {
	return NewClient(StreamingConfig(headerTimeout))
}
