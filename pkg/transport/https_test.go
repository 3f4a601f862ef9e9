package transport

import (
	"context"
	"crypto/tls"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestDefaultHTTPSConfig(t *testing.T) {
	config := DefaultHTTPSConfig()

	if config == nil {
		t.Fatal("expected non-nil config")
	}

	if config.MinTLSVersion != TLS12 {
		t.Errorf("expected MinTLSVersion TLS12, got %d", config.MinTLSVersion)
	}
	if config.MaxTLSVersion != TLS13 {
		t.Errorf("expected MaxTLSVersion TLS13, got %d", config.MaxTLSVersion)
	}
	if len(config.CipherSuites) == 0 {
		t.Error("expected CipherSuites to be set")
	}
	if config.Timeout != 30*time.Second {
		t.Errorf("expected Timeout 30s, got %v", config.Timeout)
	}
	if config.InsecureSkipVerify {
		t.Error("expected certificate verification by default")
	}
}

func TestRecommendedTLS12CipherSuites(t *testing.T) {
	for _, suite := range RecommendedTLS12CipherSuites {
		if tls.CipherSuiteName(suite) == "" {
			t.Errorf("unknown cipher suite: %d", suite)
		}
	}
}

func TestHTTPSClient_Post(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "text/xml; charset=utf-8" {
			t.Errorf("unexpected content-type %q", ct)
		}
		if r.Header.Get("SOAPAction") != "kirimData" {
			t.Errorf("expected SOAPAction header")
		}
		if r.Header.Get("User-Agent") != UserAgent {
			t.Errorf("expected User-Agent %q", UserAgent)
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != "<Request/>" {
			t.Errorf("unexpected body %q", body)
		}

		w.Header().Set("X-Trace", "abc")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("<Response/>"))
	}))
	defer server.Close()

	client := NewHTTPSClient(nil)

	resp, err := client.Post(context.Background(), server.URL, []byte("<Request/>"), map[string]string{
		"Content-Type": "text/xml; charset=utf-8",
		"SOAPAction":   "kirimData",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !resp.OK() {
		t.Errorf("expected OK, got %d", resp.StatusCode)
	}
	if string(resp.Body) != "<Response/>" {
		t.Errorf("unexpected response: %s", resp.Body)
	}
	if resp.Header.Get("X-Trace") != "abc" {
		t.Error("expected response headers to be kept")
	}
}

func TestHTTPSClient_Post_ErrorStatusIsNotAnError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("Internal Server Error"))
	}))
	defer server.Close()

	resp, err := NewHTTPSClient(nil).Post(context.Background(), server.URL, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.OK() {
		t.Error("expected non-OK response")
	}
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", resp.StatusCode)
	}
	if string(resp.Body) != "Internal Server Error" {
		t.Errorf("unexpected body %q", resp.Body)
	}
}

func TestHTTPSClient_Post_InvalidURL(t *testing.T) {
	client := NewHTTPSClient(nil)

	if _, err := client.Post(context.Background(), "://invalid-url", nil, nil); err == nil {
		t.Error("expected error for invalid URL")
	}
}

func TestHTTPSClient_Post_ContextCancelled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(100 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewHTTPSClient(&HTTPSConfig{Timeout: 10 * time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := client.Post(ctx, server.URL, nil, nil); err == nil {
		t.Error("expected error for cancelled context")
	}
}

func TestHTTPSClient_Post_InsecureSkipVerify(t *testing.T) {
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer server.Close()

	strict := NewHTTPSClient(nil)
	if _, err := strict.Post(context.Background(), server.URL, nil, nil); err == nil {
		t.Error("expected certificate verification failure")
	}

	cfg := DefaultHTTPSConfig()
	cfg.InsecureSkipVerify = true
	lax := NewHTTPSClient(cfg)
	resp, err := lax.Post(context.Background(), server.URL, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(resp.Body) != "ok" {
		t.Errorf("unexpected body %q", resp.Body)
	}
}

func TestPool_Client(t *testing.T) {
	pool := NewPool(nil)

	a, err := pool.Client(ClientOptions{Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, _ := pool.Client(ClientOptions{Timeout: 5 * time.Second})
	if a != b {
		t.Error("expected the same client for identical options")
	}
	if a.Timeout() != 5*time.Second {
		t.Errorf("expected 5s timeout, got %v", a.Timeout())
	}

	c, _ := pool.Client(ClientOptions{Timeout: 5 * time.Second, InsecureSkipVerify: true})
	if c == a {
		t.Error("expected a distinct client for different options")
	}

	d, _ := pool.Client(ClientOptions{})
	if d.Timeout() != 30*time.Second {
		t.Errorf("expected default timeout, got %v", d.Timeout())
	}
}

func TestPool_Client_CertificateErrors(t *testing.T) {
	pool := NewPool(nil)

	if _, err := pool.Client(ClientOptions{CertFile: "/tmp/cert.pem"}); err == nil {
		t.Error("expected error for cert without key")
	}
	if _, err := pool.Client(ClientOptions{CertFile: "/nonexistent/cert.pem", KeyFile: "/nonexistent/key.pem"}); err == nil {
		t.Error("expected error for missing certificate files")
	}
}
