package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sirosfoundation/go-hostlink/internal/storage"
	"github.com/sirosfoundation/go-hostlink/pkg/credential"
)

// Store implements storage.Store on SQLite
type Store struct {
	db  *DB
	now func() time.Time
}

// Config holds SQLite settings
type Config struct {
	Path string
}

// NewStore opens the database and applies pending migrations
func NewStore(ctx context.Context, cfg *Config) (*Store, error) {
	db, err := OpenDB(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}
	if err := RunMigrations(db.Writer); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close closes the database
func (s *Store) Close(ctx context.Context) error {
	return s.db.Close()
}

// Ping verifies the database is reachable
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Reader.PingContext(ctx)
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint")
}

func encodeMap(m map[string]any) (string, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeMap(s string) (map[string]any, error) {
	if s == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, err
	}
	return m, nil
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// CredentialStore implementation

const credentialColumns = `id, service_name, service_type, username, password, endpoint_url, is_active,
	additional_config, usage_count, last_used_at, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanCredential(row scanner) (*credential.Credential, error) {
	var (
		c                    credential.Credential
		config               string
		lastUsed             sql.NullString
		createdAt, updatedAt string
	)
	err := row.Scan(&c.ID, &c.ServiceName, &c.ServiceType, &c.Username, &c.Password, &c.EndpointURL,
		&c.IsActive, &config, &c.UsageCount, &lastUsed, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if c.AdditionalConfig, err = decodeMap(config); err != nil {
		return nil, fmt.Errorf("decode additional_config for %s: %w", c.ID, err)
	}
	if c.LastUsedAt, err = parseNullTime(lastUsed); err != nil {
		return nil, fmt.Errorf("parse last_used_at for %s: %w", c.ID, err)
	}
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at for %s: %w", c.ID, err)
	}
	if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at for %s: %w", c.ID, err)
	}
	return &c, nil
}

func (s *Store) CreateCredential(ctx context.Context, cred *credential.Credential) error {
	if cred.ID == "" {
		cred.ID = uuid.NewString()
	}
	if cred.CreatedAt.IsZero() {
		cred.CreatedAt = s.now()
	}
	cred.UpdatedAt = cred.CreatedAt

	config, err := encodeMap(cred.AdditionalConfig)
	if err != nil {
		return fmt.Errorf("encode additional_config: %w", err)
	}

	const query = `INSERT INTO credentials (` + credentialColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.Writer.ExecContext(ctx, query,
		cred.ID, cred.ServiceName, cred.ServiceType, cred.Username, cred.Password, cred.EndpointURL,
		cred.IsActive, config, cred.UsageCount, nullTime(cred.LastUsedAt),
		formatTime(cred.CreatedAt), formatTime(cred.UpdatedAt))
	if isUniqueViolation(err) {
		return fmt.Errorf("credential %s: %w", cred.ServiceName, storage.ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("insert credential %s: %w", cred.ServiceName, err)
	}
	return nil
}

func (s *Store) GetCredential(ctx context.Context, id string) (*credential.Credential, error) {
	const query = `SELECT ` + credentialColumns + ` FROM credentials WHERE id = ?`
	c, err := scanCredential(s.db.Reader.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get credential %s: %w", id, err)
	}
	return c, nil
}

func (s *Store) FindActiveByServiceType(ctx context.Context, st credential.ServiceType) ([]*credential.Credential, error) {
	const query = `SELECT ` + credentialColumns + ` FROM credentials
		WHERE service_type = ? AND is_active = 1 ORDER BY created_at, id`
	return s.queryCredentials(ctx, query, st)
}

func (s *Store) ListCredentials(ctx context.Context) ([]*credential.Credential, error) {
	const query = `SELECT ` + credentialColumns + ` FROM credentials ORDER BY created_at, id`
	return s.queryCredentials(ctx, query)
}

func (s *Store) queryCredentials(ctx context.Context, query string, args ...any) ([]*credential.Credential, error) {
	rows, err := s.db.Reader.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer rows.Close()

	var creds []*credential.Credential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		creds = append(creds, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate credentials: %w", err)
	}
	return creds, nil
}

// UpdateCredential reads the stored row inside the write transaction so
// usage counters and the token cache written meanwhile are kept.
func (s *Store) UpdateCredential(ctx context.Context, cred *credential.Credential) error {
	tx, err := s.db.Writer.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin update: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stored, err := scanCredential(tx.QueryRowContext(ctx, `SELECT `+credentialColumns+` FROM credentials WHERE id = ?`, cred.ID))
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("load credential %s: %w", cred.ID, err)
	}

	storage.PreserveManaged(cred, stored)
	cred.UpdatedAt = s.now()
	config, err := encodeMap(cred.AdditionalConfig)
	if err != nil {
		return fmt.Errorf("encode additional_config: %w", err)
	}

	const query = `UPDATE credentials SET service_name = ?, service_type = ?, username = ?, password = ?,
		endpoint_url = ?, is_active = ?, additional_config = ?, updated_at = ? WHERE id = ?`
	_, err = tx.ExecContext(ctx, query,
		cred.ServiceName, cred.ServiceType, cred.Username, cred.Password, cred.EndpointURL,
		cred.IsActive, config, formatTime(cred.UpdatedAt), cred.ID)
	if isUniqueViolation(err) {
		return fmt.Errorf("credential %s: %w", cred.ServiceName, storage.ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("update credential %s: %w", cred.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit update: %w", err)
	}
	return nil
}

// PatchCredentialConfig rewrites the JSON column inside a transaction on the
// single writer connection, so concurrent patches serialize.
func (s *Store) PatchCredentialConfig(ctx context.Context, id string, set map[string]any, unset []string) error {
	tx, err := s.db.Writer.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin patch: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var raw string
	err = tx.QueryRowContext(ctx, `SELECT additional_config FROM credentials WHERE id = ?`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("load additional_config for %s: %w", id, err)
	}

	config, err := decodeMap(raw)
	if err != nil {
		return fmt.Errorf("decode additional_config for %s: %w", id, err)
	}
	if config == nil {
		config = make(map[string]any)
	}
	for k, v := range set {
		config[k] = v
	}
	for _, k := range unset {
		delete(config, k)
	}

	encoded, err := encodeMap(config)
	if err != nil {
		return fmt.Errorf("encode additional_config: %w", err)
	}
	_, err = tx.ExecContext(ctx, `UPDATE credentials SET additional_config = ?, updated_at = ? WHERE id = ?`,
		encoded, formatTime(s.now()), id)
	if err != nil {
		return fmt.Errorf("patch credential %s: %w", id, err)
	}
	return tx.Commit()
}

func (s *Store) RecordUsage(ctx context.Context, id string, at time.Time) error {
	const query = `UPDATE credentials SET usage_count = usage_count + 1,
		last_used_at = CASE WHEN last_used_at IS NULL OR last_used_at < ?1 THEN ?1 ELSE last_used_at END
		WHERE id = ?2`
	res, err := s.db.Writer.ExecContext(ctx, query, formatTime(at), id)
	if err != nil {
		return fmt.Errorf("record usage for %s: %w", id, err)
	}
	return requireAffected(res)
}

// DocumentStore implementation

const documentColumns = `id, number, kind, payload, status, transmission_format, last_error, response,
	sent_at, created_at, updated_at`

func scanDocument(row scanner) (*storage.Document, error) {
	var (
		d                    storage.Document
		payload              string
		sentAt               sql.NullString
		createdAt, updatedAt string
	)
	err := row.Scan(&d.ID, &d.Number, &d.Kind, &payload, &d.Status, &d.TransmissionFormat,
		&d.LastError, &d.Response, &sentAt, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if d.Payload, err = decodeMap(payload); err != nil {
		return nil, fmt.Errorf("decode payload for %s: %w", d.ID, err)
	}
	if d.SentAt, err = parseNullTime(sentAt); err != nil {
		return nil, fmt.Errorf("parse sent_at for %s: %w", d.ID, err)
	}
	if d.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at for %s: %w", d.ID, err)
	}
	if d.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at for %s: %w", d.ID, err)
	}
	return &d, nil
}

func (s *Store) CreateDocument(ctx context.Context, doc *storage.Document) error {
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	if doc.Status == "" {
		doc.Status = storage.DocumentStatusDraft
	}
	doc.CreatedAt = s.now()
	doc.UpdatedAt = doc.CreatedAt

	payload, err := encodeMap(doc.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	const query = `INSERT INTO documents (` + documentColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.Writer.ExecContext(ctx, query,
		doc.ID, doc.Number, doc.Kind, payload, doc.Status, doc.TransmissionFormat, doc.LastError,
		doc.Response, nullTime(doc.SentAt), formatTime(doc.CreatedAt), formatTime(doc.UpdatedAt))
	if isUniqueViolation(err) {
		return fmt.Errorf("document %s: %w", doc.ID, storage.ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

func (s *Store) GetDocument(ctx context.Context, id string) (*storage.Document, error) {
	const query = `SELECT ` + documentColumns + ` FROM documents WHERE id = ?`
	d, err := scanDocument(s.db.Reader.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get document %s: %w", id, err)
	}
	return d, nil
}

func (s *Store) ListDocuments(ctx context.Context, filter *storage.DocumentFilter) ([]*storage.Document, error) {
	var (
		where []string
		args  []any
	)
	if filter != nil {
		if filter.Status != "" {
			where = append(where, "status = ?")
			args = append(args, filter.Status)
		}
		if filter.Kind != "" {
			where = append(where, "kind = ?")
			args = append(args, filter.Kind)
		}
	}

	var b strings.Builder
	b.WriteString(`SELECT ` + documentColumns + ` FROM documents`)
	if len(where) > 0 {
		b.WriteString(" WHERE " + strings.Join(where, " AND "))
	}
	b.WriteString(" ORDER BY created_at DESC, id DESC")
	if filter != nil && (filter.Limit > 0 || filter.Offset > 0) {
		limit := filter.Limit
		if limit <= 0 {
			limit = -1
		}
		b.WriteString(" LIMIT ? OFFSET ?")
		args = append(args, limit, filter.Offset)
	}

	rows, err := s.db.Reader.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var docs []*storage.Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		docs = append(docs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return docs, nil
}

func (s *Store) UpdateTransmissionStatus(ctx context.Context, id string, update *storage.TransmissionUpdate) error {
	const query = `UPDATE documents SET status = ?, transmission_format = ?, last_error = ?, response = ?,
		sent_at = COALESCE(?, sent_at), updated_at = ? WHERE id = ?`
	res, err := s.db.Writer.ExecContext(ctx, query,
		update.Status, update.Format, update.LastError, update.Response,
		nullTime(update.SentAt), formatTime(s.now()), id)
	if err != nil {
		return fmt.Errorf("update document %s: %w", id, err)
	}
	return requireAffected(res)
}

// AttemptStore implementation

func (s *Store) RecordAttempt(ctx context.Context, a *storage.Attempt) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	const query = `INSERT INTO attempts (id, document_id, attempt, format, started_at, duration_ns, success,
		status_code, error_kind, error, payload_size) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.Writer.ExecContext(ctx, query,
		a.ID, a.DocumentID, a.Attempt, a.Format, formatTime(a.StartedAt), int64(a.Duration), a.Success,
		a.StatusCode, a.ErrorKind, a.Error, a.PayloadSize)
	if err != nil {
		return fmt.Errorf("insert attempt: %w", err)
	}
	return nil
}

func (s *Store) ListAttempts(ctx context.Context, documentID string) ([]*storage.Attempt, error) {
	const query = `SELECT id, document_id, attempt, format, started_at, duration_ns, success, status_code,
		error_kind, error, payload_size FROM attempts WHERE document_id = ? ORDER BY started_at, attempt`
	rows, err := s.db.Reader.QueryContext(ctx, query, documentID)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	defer rows.Close()

	attempts := []*storage.Attempt{}
	for rows.Next() {
		var (
			a         storage.Attempt
			startedAt string
			duration  int64
		)
		if err := rows.Scan(&a.ID, &a.DocumentID, &a.Attempt, &a.Format, &startedAt, &duration, &a.Success,
			&a.StatusCode, &a.ErrorKind, &a.Error, &a.PayloadSize); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		if a.StartedAt, err = parseTime(startedAt); err != nil {
			return nil, fmt.Errorf("parse started_at for %s: %w", a.ID, err)
		}
		a.Duration = time.Duration(duration)
		attempts = append(attempts, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attempts: %w", err)
	}
	return attempts, nil
}

var _ storage.Store = (*Store)(nil)
