package transmit

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/sirosfoundation/go-hostlink/pkg/credential"
	"github.com/sirosfoundation/go-hostlink/pkg/transport"
)

var testNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeRepo is an in-memory CredentialRepository
type fakeRepo struct {
	mu      sync.Mutex
	creds   []*credential.Credential
	usage   map[string]int
	unsets  [][]string
	findErr error
}

func newFakeRepo(creds ...*credential.Credential) *fakeRepo {
	return &fakeRepo{creds: creds, usage: make(map[string]int)}
}

func (r *fakeRepo) FindActiveByServiceType(_ context.Context, st credential.ServiceType) ([]*credential.Credential, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.findErr != nil {
		return nil, r.findErr
	}
	var out []*credential.Credential
	for _, c := range r.creds {
		if c.IsActive && c.ServiceType == st {
			out = append(out, c.Clone())
		}
	}
	return out, nil
}

func (r *fakeRepo) PatchCredentialConfig(_ context.Context, id string, set map[string]any, unset []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.get(id)
	if c == nil {
		return errors.New("not found")
	}
	if c.AdditionalConfig == nil {
		c.AdditionalConfig = make(map[string]any)
	}
	for k, v := range set {
		c.AdditionalConfig[k] = v
	}
	for _, k := range unset {
		delete(c.AdditionalConfig, k)
	}
	if len(unset) > 0 {
		r.unsets = append(r.unsets, unset)
	}
	return nil
}

func (r *fakeRepo) RecordUsage(_ context.Context, id string, _ time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.usage[id]++
	return nil
}

func (r *fakeRepo) get(id string) *credential.Credential {
	for _, c := range r.creds {
		if c.ID == id {
			return c
		}
	}
	return nil
}

func (r *fakeRepo) stored(id string) *credential.Credential {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.get(id).Clone()
}

func (r *fakeRepo) usageOf(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.usage[id]
}

type stubRenderer struct {
	xml  string
	json string
	err  error
}

func (s *stubRenderer) RenderXML(context.Context, Document) (string, error) {
	return s.xml, s.err
}

func (s *stubRenderer) RenderJSON(context.Context, Document) (string, error) {
	return s.json, s.err
}

// prefixDecrypter "decrypts" by stripping an enc: prefix
type prefixDecrypter struct{}

func (prefixDecrypter) Decrypt(s string) (string, error) {
	if len(s) < 4 || s[:4] != "enc:" {
		return "", errors.New("not encrypted")
	}
	return s[4:], nil
}

func testDeps(repo *fakeRepo, r Renderer) Deps {
	return Deps{
		Renderer:    r,
		Secrets:     prefixDecrypter{},
		Credentials: repo,
		Pool:        transport.NewPool(nil),
		Timeout:     5 * time.Second,
		Now:         func() time.Time { return testNow },
	}
}

func soapCredential(endpoint string) *credential.Credential {
	return &credential.Credential{
		ID:          "soap-1",
		ServiceName: "beacukai-soap",
		ServiceType: credential.ServiceTypeSOAPXML,
		Username:    "TPSDEMO",
		Password:    "enc:demo123",
		EndpointURL: endpoint,
		IsActive:    true,
	}
}

func bearerCredential(endpoint, authEndpoint string) *credential.Credential {
	return &credential.Credential{
		ID:          "json-1",
		ServiceName: "beacukai-json",
		ServiceType: credential.ServiceTypeJSONBearer,
		Username:    "TPSDEMO",
		Password:    "enc:demo123",
		EndpointURL: endpoint,
		IsActive:    true,
		AdditionalConfig: map[string]any{
			credential.KeyAuthEndpoint: authEndpoint,
		},
	}
}
