// Package memory implements storage interfaces with in-process maps
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sirosfoundation/go-hostlink/internal/storage"
	"github.com/sirosfoundation/go-hostlink/pkg/credential"
)

// Store implements storage.Store in memory
type Store struct {
	mu          sync.RWMutex
	credentials map[string]*credential.Credential
	documents   map[string]*storage.Document
	attempts    map[string][]*storage.Attempt
	now         func() time.Time
}

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{
		credentials: make(map[string]*credential.Credential),
		documents:   make(map[string]*storage.Document),
		attempts:    make(map[string][]*storage.Attempt),
		now:         time.Now,
	}
}

// Close is a no-op
func (s *Store) Close(ctx context.Context) error { return nil }

// Ping always succeeds
func (s *Store) Ping(ctx context.Context) error { return nil }

// CredentialStore implementation

func (s *Store) CreateCredential(ctx context.Context, cred *credential.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.credentials {
		if c.ServiceName == cred.ServiceName {
			return fmt.Errorf("credential %s: %w", cred.ServiceName, storage.ErrDuplicate)
		}
	}
	if cred.ID == "" {
		cred.ID = uuid.NewString()
	}
	if cred.CreatedAt.IsZero() {
		cred.CreatedAt = s.now()
	}
	cred.UpdatedAt = cred.CreatedAt
	s.credentials[cred.ID] = cred.Clone()
	return nil
}

func (s *Store) GetCredential(ctx context.Context, id string) (*credential.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.credentials[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return c.Clone(), nil
}

func (s *Store) FindActiveByServiceType(ctx context.Context, st credential.ServiceType) ([]*credential.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*credential.Credential
	for _, c := range s.credentials {
		if c.IsActive && c.ServiceType == st {
			out = append(out, c.Clone())
		}
	}
	sortCredentials(out)
	return out, nil
}

func (s *Store) ListCredentials(ctx context.Context) ([]*credential.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*credential.Credential, 0, len(s.credentials))
	for _, c := range s.credentials {
		out = append(out, c.Clone())
	}
	sortCredentials(out)
	return out, nil
}

func (s *Store) UpdateCredential(ctx context.Context, cred *credential.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.credentials[cred.ID]
	if !ok {
		return storage.ErrNotFound
	}
	for id, c := range s.credentials {
		if id != cred.ID && c.ServiceName == cred.ServiceName {
			return fmt.Errorf("credential %s: %w", cred.ServiceName, storage.ErrDuplicate)
		}
	}
	storage.PreserveManaged(cred, old)
	cred.UpdatedAt = s.now()
	s.credentials[cred.ID] = cred.Clone()
	return nil
}

func (s *Store) PatchCredentialConfig(ctx context.Context, id string, set map[string]any, unset []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.credentials[id]
	if !ok {
		return storage.ErrNotFound
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
	c.UpdatedAt = s.now()
	return nil
}

func (s *Store) RecordUsage(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.credentials[id]
	if !ok {
		return storage.ErrNotFound
	}
	c.UsageCount++
	if c.LastUsedAt == nil || at.After(*c.LastUsedAt) {
		t := at
		c.LastUsedAt = &t
	}
	return nil
}

func sortCredentials(cs []*credential.Credential) {
	sort.SliceStable(cs, func(i, j int) bool {
		if cs[i].CreatedAt.Equal(cs[j].CreatedAt) {
			return cs[i].ID < cs[j].ID
		}
		return cs[i].CreatedAt.Before(cs[j].CreatedAt)
	})
}

// DocumentStore implementation

func (s *Store) CreateDocument(ctx context.Context, doc *storage.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	if _, exists := s.documents[doc.ID]; exists {
		return fmt.Errorf("document %s: %w", doc.ID, storage.ErrDuplicate)
	}
	if doc.Status == "" {
		doc.Status = storage.DocumentStatusDraft
	}
	doc.CreatedAt = s.now()
	doc.UpdatedAt = doc.CreatedAt
	s.documents[doc.ID] = doc.Clone()
	return nil
}

func (s *Store) GetDocument(ctx context.Context, id string) (*storage.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.documents[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return d.Clone(), nil
}

func (s *Store) ListDocuments(ctx context.Context, filter *storage.DocumentFilter) ([]*storage.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*storage.Document
	for _, d := range s.documents {
		if filter != nil {
			if filter.Status != "" && d.Status != filter.Status {
				continue
			}
			if filter.Kind != "" && d.Kind != filter.Kind {
				continue
			}
		}
		out = append(out, d.Clone())
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})

	if filter != nil {
		if filter.Offset > 0 {
			if filter.Offset >= len(out) {
				return nil, nil
			}
			out = out[filter.Offset:]
		}
		if filter.Limit > 0 && len(out) > filter.Limit {
			out = out[:filter.Limit]
		}
	}
	return out, nil
}

func (s *Store) UpdateTransmissionStatus(ctx context.Context, id string, update *storage.TransmissionUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.documents[id]
	if !ok {
		return storage.ErrNotFound
	}
	d.Status = update.Status
	d.TransmissionFormat = update.Format
	d.LastError = update.LastError
	d.Response = update.Response
	if update.SentAt != nil {
		t := *update.SentAt
		d.SentAt = &t
	}
	d.UpdatedAt = s.now()
	return nil
}

// AttemptStore implementation

func (s *Store) RecordAttempt(ctx context.Context, attempt *storage.Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if attempt.ID == "" {
		attempt.ID = uuid.NewString()
	}
	cp := *attempt
	s.attempts[attempt.DocumentID] = append(s.attempts[attempt.DocumentID], &cp)
	return nil
}

func (s *Store) ListAttempts(ctx context.Context, documentID string) ([]*storage.Attempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	src := s.attempts[documentID]
	out := make([]*storage.Attempt, len(src))
	for i, a := range src {
		cp := *a
		out[i] = &cp
	}
	return out, nil
}

var _ storage.Store = (*Store)(nil)
