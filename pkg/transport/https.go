package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// TLS version constants
const (
	TLS12 = tls.VersionTLS12
	TLS13 = tls.VersionTLS13
)

// UserAgent is sent on every outbound request
const UserAgent = "go-hostlink/1.0"

// MaxResponseSize bounds how much of a response body is read
const MaxResponseSize = 10 << 20

// Recommended TLS 1.2 cipher suites
var RecommendedTLS12CipherSuites = []uint16{
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
}

// HTTPSConfig contains HTTPS client configuration
type HTTPSConfig struct {
	MinTLSVersion      uint16
	MaxTLSVersion      uint16
	CipherSuites       []uint16
	Certificates       []tls.Certificate
	RootCAs            *x509.CertPool
	InsecureSkipVerify bool
	Timeout            time.Duration
	IdleConnTimeout    time.Duration
}

// DefaultHTTPSConfig returns a default HTTPS configuration
func DefaultHTTPSConfig() *HTTPSConfig {
	return &HTTPSConfig{
		MinTLSVersion:   TLS12,
		MaxTLSVersion:   TLS13,
		CipherSuites:    RecommendedTLS12CipherSuites,
		Timeout:         30 * time.Second,
		IdleConnTimeout: 90 * time.Second,
	}
}

// Response is a fully read HTTP response. Non-2xx statuses are not errors.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// OK reports a 2xx status
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// HTTPSClient posts request bodies to host endpoints
type HTTPSClient struct {
	client *http.Client
	config *HTTPSConfig
}

// NewHTTPSClient creates a new HTTPS client
func NewHTTPSClient(config *HTTPSConfig) *HTTPSClient {
	if config == nil {
		config = DefaultHTTPSConfig()
	}

	tlsConfig := &tls.Config{
		MinVersion:         config.MinTLSVersion,
		MaxVersion:         config.MaxTLSVersion,
		CipherSuites:       config.CipherSuites,
		Certificates:       config.Certificates,
		RootCAs:            config.RootCAs,
		InsecureSkipVerify: config.InsecureSkipVerify, //nolint:gosec // per-credential opt-out
	}

	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		TLSClientConfig:     tlsConfig,
		IdleConnTimeout:     config.IdleConnTimeout,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
	}

	return &HTTPSClient{
		client: &http.Client{
			Transport: transport,
			Timeout:   config.Timeout,
		},
		config: config,
	}
}

// Timeout returns the client's overall request timeout
func (c *HTTPSClient) Timeout() time.Duration {
	return c.client.Timeout
}

// Post sends body to endpoint and returns the response whatever its status.
// Only transport-level failures are returned as errors.
func (c *HTTPSClient) Post(ctx context.Context, endpoint string, body []byte, headers map[string]string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("User-Agent", UserAgent)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       data,
	}, nil
}

// ClientOptions selects a client from a Pool
type ClientOptions struct {
	Timeout            time.Duration
	CertFile           string
	KeyFile            string
	InsecureSkipVerify bool
}

// Pool hands out clients shared between callers with the same options
type Pool struct {
	base    *HTTPSConfig
	mu      sync.Mutex
	clients map[ClientOptions]*HTTPSClient
}

// NewPool creates a client pool. base supplies TLS versions and cipher suites.
func NewPool(base *HTTPSConfig) *Pool {
	if base == nil {
		base = DefaultHTTPSConfig()
	}
	return &Pool{
		base:    base,
		clients: make(map[ClientOptions]*HTTPSClient),
	}
}

// Client returns the pooled client for opts, creating it on first use
func (p *Pool) Client(opts ClientOptions) (*HTTPSClient, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = p.base.Timeout
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if c, ok := p.clients[opts]; ok {
		return c, nil
	}

	cfg := *p.base
	cfg.Timeout = opts.Timeout
	cfg.InsecureSkipVerify = opts.InsecureSkipVerify

	if opts.CertFile != "" || opts.KeyFile != "" {
		if opts.CertFile == "" || opts.KeyFile == "" {
			return nil, fmt.Errorf("client certificate requires both cert and key paths")
		}
		cert, err := tls.LoadX509KeyPair(opts.CertFile, opts.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	c := NewHTTPSClient(&cfg)
	p.clients[opts] = c
	return c, nil
}
