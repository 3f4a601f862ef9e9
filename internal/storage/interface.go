// Package storage provides data storage interfaces and implementations
// for the host transmission gateway.
//
// # Interface Design
//
// The storage layer is organized into focused interfaces:
//
//   - [CredentialStore]: host service credentials, their token cache and usage counters
//   - [DocumentStore]: documents awaiting or having completed transmission
//   - [AttemptStore]: the per-attempt transmission log
//
// The [Store] interface combines all sub-stores for convenience.
//
// # Implementations
//
//   - memory: in-process maps, for tests and development
//   - mongodb: production MongoDB backend
//   - sqlite: embedded database with versioned migrations
//
// # Concurrency
//
// All store implementations must be safe for concurrent use from multiple
// goroutines. Returned values are copies; mutating them does not affect the
// stored record.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/sirosfoundation/go-hostlink/pkg/credential"
)

// ErrNotFound is returned when a record does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when a unique key is already taken
var ErrDuplicate = errors.New("already exists")

// Store is the main storage interface combining all sub-stores
type Store interface {
	CredentialStore
	DocumentStore
	AttemptStore

	// Close releases storage resources
	Close(ctx context.Context) error

	// Ping checks database connectivity
	Ping(ctx context.Context) error
}

// CredentialStore manages host service credentials
type CredentialStore interface {
	// CreateCredential stores a new credential. The service name is unique.
	CreateCredential(ctx context.Context, cred *credential.Credential) error

	// GetCredential retrieves a credential by ID
	GetCredential(ctx context.Context, id string) (*credential.Credential, error)

	// FindActiveByServiceType returns active credentials of a type, oldest first
	FindActiveByServiceType(ctx context.Context, st credential.ServiceType) ([]*credential.Credential, error)

	// ListCredentials returns all credentials, oldest first
	ListCredentials(ctx context.Context) ([]*credential.Credential, error)

	// UpdateCredential replaces the administered fields of a credential.
	// Creation time, usage counters and the token cache keep their stored
	// values; see PreserveManaged.
	UpdateCredential(ctx context.Context, cred *credential.Credential) error

	// PatchCredentialConfig sets and removes keys of the extension map
	// without touching the rest of the record
	PatchCredentialConfig(ctx context.Context, id string, set map[string]any, unset []string) error

	// RecordUsage increments the usage counter and sets the last-used time
	RecordUsage(ctx context.Context, id string, at time.Time) error
}

// DocumentStore manages documents
type DocumentStore interface {
	// CreateDocument stores a new document in draft status
	CreateDocument(ctx context.Context, doc *Document) error

	// GetDocument retrieves a document by ID
	GetDocument(ctx context.Context, id string) (*Document, error)

	// ListDocuments returns documents, newest first
	ListDocuments(ctx context.Context, filter *DocumentFilter) ([]*Document, error)

	// UpdateTransmissionStatus records the outcome of a transmission
	UpdateTransmissionStatus(ctx context.Context, id string, update *TransmissionUpdate) error
}

// AttemptStore manages the transmission attempt log
type AttemptStore interface {
	// RecordAttempt appends one attempt
	RecordAttempt(ctx context.Context, attempt *Attempt) error

	// ListAttempts returns the attempts for a document in order
	ListAttempts(ctx context.Context, documentID string) ([]*Attempt, error)
}

// PreserveManaged copies the fields UpdateCredential never overwrites from
// stored into cred. Token keys supplied in cred are replaced by the stored
// ones; clearing a token goes through PatchCredentialConfig.
func PreserveManaged(cred, stored *credential.Credential) {
	cred.CreatedAt = stored.CreatedAt
	cred.UsageCount = stored.UsageCount
	cred.LastUsedAt = nil
	if stored.LastUsedAt != nil {
		t := *stored.LastUsedAt
		cred.LastUsedAt = &t
	}

	cred.ClearCachedToken()
	for _, k := range credential.TokenKeys() {
		v, ok := stored.AdditionalConfig[k]
		if !ok {
			continue
		}
		if cred.AdditionalConfig == nil {
			cred.AdditionalConfig = make(map[string]any)
		}
		cred.AdditionalConfig[k] = v
	}
}

// Domain models

// DocumentStatus tracks where a document is in its transmission lifecycle
type DocumentStatus string

const (
	DocumentStatusDraft   DocumentStatus = "draft"
	DocumentStatusPending DocumentStatus = "pending"
	DocumentStatusSent    DocumentStatus = "sent"
	DocumentStatusError   DocumentStatus = "error"
)

// Document is a customs document to be transmitted to the host
type Document struct {
	ID        string         `bson:"_id" json:"id"`
	Number    string         `bson:"number" json:"number" validate:"required"`
	Kind      string         `bson:"kind" json:"kind" validate:"required"`
	Payload   map[string]any `bson:"payload" json:"payload"`
	Status    DocumentStatus `bson:"status" json:"status"`
	CreatedAt time.Time      `bson:"created_at" json:"created_at"`
	UpdatedAt time.Time      `bson:"updated_at" json:"updated_at"`

	// Transmission outcome
	TransmissionFormat string     `bson:"transmission_format,omitempty" json:"transmission_format,omitempty"`
	LastError          string     `bson:"last_error,omitempty" json:"last_error,omitempty"`
	SentAt             *time.Time `bson:"sent_at,omitempty" json:"sent_at,omitempty"`
	Response           string     `bson:"response,omitempty" json:"response,omitempty"`
}

// DocumentFilter narrows ListDocuments
type DocumentFilter struct {
	Status DocumentStatus
	Kind   string
	Limit  int
	Offset int
}

// TransmissionUpdate is the result of a transmission written to a document
type TransmissionUpdate struct {
	Status    DocumentStatus
	Format    string
	LastError string
	Response  string
	SentAt    *time.Time
}

// Attempt is one wire exchange made for a document
type Attempt struct {
	ID          string        `bson:"_id" json:"id"`
	DocumentID  string        `bson:"document_id" json:"document_id"`
	Attempt     int           `bson:"attempt" json:"attempt"`
	Format      string        `bson:"format" json:"format"`
	StartedAt   time.Time     `bson:"started_at" json:"started_at"`
	Duration    time.Duration `bson:"duration" json:"duration_ns"`
	Success     bool          `bson:"success" json:"success"`
	StatusCode  int           `bson:"status_code,omitempty" json:"status_code,omitempty"`
	ErrorKind   string        `bson:"error_kind,omitempty" json:"error_kind,omitempty"`
	Error       string        `bson:"error,omitempty" json:"error,omitempty"`
	PayloadSize int           `bson:"payload_size" json:"payload_size"`
}

// Clone returns a deep copy of d
func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}
	cp := *d
	cp.Payload = cloneMap(d.Payload)
	if d.SentAt != nil {
		t := *d.SentAt
		cp.SentAt = &t
	}
	return &cp
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		switch t := v.(type) {
		case map[string]any:
			out[k] = cloneMap(t)
		case []any:
			s := make([]any, len(t))
			copy(s, t)
			out[k] = s
		default:
			out[k] = v
		}
	}
	return out
}
