// Package mongodb implements storage interfaces using MongoDB
package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/sirosfoundation/go-hostlink/internal/storage"
	"github.com/sirosfoundation/go-hostlink/pkg/credential"
)

// Store implements storage.Store using MongoDB
type Store struct {
	client *mongo.Client
	db     *mongo.Database

	// Collections
	credentials *mongo.Collection
	documents   *mongo.Collection
	attempts    *mongo.Collection
}

// Config holds MongoDB connection settings
type Config struct {
	URI      string
	Database string
}

// NewStore creates a new MongoDB store
func NewStore(ctx context.Context, cfg *Config) (*Store, error) {
	// Nested documents decode as maps so payloads and the extension map
	// keep the shape they were written with.
	clientOpts := options.Client().
		ApplyURI(cfg.URI).
		SetBSONOptions(&options.BSONOptions{DefaultDocumentM: true})

	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, fmt.Errorf("connecting to MongoDB: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("pinging MongoDB: %w", err)
	}

	db := client.Database(cfg.Database)
	s := &Store{
		client:      client,
		db:          db,
		credentials: db.Collection("credentials"),
		documents:   db.Collection("documents"),
		attempts:    db.Collection("attempts"),
	}

	if err := s.createIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("creating indexes: %w", err)
	}

	return s, nil
}

func (s *Store) createIndexes(ctx context.Context) error {
	_, err := s.credentials.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "service_name", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "service_type", Value: 1}, {Key: "is_active", Value: 1}, {Key: "created_at", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("creating credential indexes: %w", err)
	}

	_, err = s.documents.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "created_at", Value: -1}}},
		{Keys: bson.D{{Key: "kind", Value: 1}}},
		{Keys: bson.D{{Key: "created_at", Value: -1}}},
	})
	if err != nil {
		return fmt.Errorf("creating document indexes: %w", err)
	}

	_, err = s.attempts.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "document_id", Value: 1}, {Key: "attempt", Value: 1}, {Key: "started_at", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("creating attempt indexes: %w", err)
	}

	return nil
}

// Close closes the MongoDB connection
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// Ping verifies database connectivity
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

// Drop removes the database. Used by tests.
func (s *Store) Drop(ctx context.Context) error {
	return s.db.Drop(ctx)
}

// CredentialStore implementation

func (s *Store) CreateCredential(ctx context.Context, cred *credential.Credential) error {
	if cred.CreatedAt.IsZero() {
		cred.CreatedAt = time.Now()
	}
	cred.UpdatedAt = cred.CreatedAt
	if cred.ID == "" {
		cred.ID = primitive.NewObjectID().Hex()
	}

	_, err := s.credentials.InsertOne(ctx, cred)
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("credential %s: %w", cred.ServiceName, storage.ErrDuplicate)
	}
	return err
}

func (s *Store) GetCredential(ctx context.Context, id string) (*credential.Credential, error) {
	var cred credential.Credential
	err := s.credentials.FindOne(ctx, bson.M{"_id": id}).Decode(&cred)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &cred, nil
}

func (s *Store) FindActiveByServiceType(ctx context.Context, st credential.ServiceType) ([]*credential.Credential, error) {
	return s.findCredentials(ctx, bson.M{"service_type": st, "is_active": true})
}

func (s *Store) ListCredentials(ctx context.Context) ([]*credential.Credential, error) {
	return s.findCredentials(ctx, bson.M{})
}

func (s *Store) findCredentials(ctx context.Context, query bson.M) ([]*credential.Credential, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})
	cursor, err := s.credentials.Find(ctx, query, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var creds []*credential.Credential
	if err := cursor.All(ctx, &creds); err != nil {
		return nil, err
	}
	return creds, nil
}

// UpdateCredential runs as a single pipeline update: administered fields
// are set from cred while usage counters and the token keys of the stored
// extension map are carried over.
func (s *Store) UpdateCredential(ctx context.Context, cred *credential.Credential) error {
	admin := make(map[string]any, len(cred.AdditionalConfig))
	for k, v := range cred.AdditionalConfig {
		admin[k] = v
	}
	for _, k := range credential.TokenKeys() {
		delete(admin, k)
	}

	tokens := bson.D{}
	for _, k := range credential.TokenKeys() {
		tokens = append(tokens, bson.E{Key: k, Value: "$additional_config." + k})
	}

	update := mongo.Pipeline{{{Key: "$set", Value: bson.D{
		{Key: "service_name", Value: literal(cred.ServiceName)},
		{Key: "service_type", Value: literal(cred.ServiceType)},
		{Key: "username", Value: literal(cred.Username)},
		{Key: "password", Value: literal(cred.Password)},
		{Key: "endpoint_url", Value: literal(cred.EndpointURL)},
		{Key: "is_active", Value: cred.IsActive},
		{Key: "updated_at", Value: time.Now()},
		{Key: "additional_config", Value: bson.D{{Key: "$mergeObjects", Value: bson.A{literal(admin), tokens}}}},
	}}}}

	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var updated credential.Credential
	err := s.credentials.FindOneAndUpdate(ctx, bson.M{"_id": cred.ID}, update, opts).Decode(&updated)
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("credential %s: %w", cred.ServiceName, storage.ErrDuplicate)
	}
	if errors.Is(err, mongo.ErrNoDocuments) {
		return storage.ErrNotFound
	}
	if err != nil {
		return err
	}
	*cred = updated
	return nil
}

// literal keeps values that start with $ from being read as field paths
func literal(v any) bson.D {
	return bson.D{{Key: "$literal", Value: v}}
}

func (s *Store) PatchCredentialConfig(ctx context.Context, id string, set map[string]any, unset []string) error {
	setDoc := bson.M{"updated_at": time.Now()}
	for k, v := range set {
		setDoc["additional_config."+k] = v
	}
	update := bson.M{"$set": setDoc}
	if len(unset) > 0 {
		unsetDoc := bson.M{}
		for _, k := range unset {
			unsetDoc["additional_config."+k] = ""
		}
		update["$unset"] = unsetDoc
	}

	res, err := s.credentials.UpdateOne(ctx, bson.M{"_id": id}, update)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) RecordUsage(ctx context.Context, id string, at time.Time) error {
	res, err := s.credentials.UpdateOne(ctx, bson.M{"_id": id}, bson.M{
		"$inc": bson.M{"usage_count": 1},
		"$max": bson.M{"last_used_at": at},
	})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// DocumentStore implementation

func (s *Store) CreateDocument(ctx context.Context, doc *storage.Document) error {
	doc.CreatedAt = time.Now()
	doc.UpdatedAt = doc.CreatedAt
	if doc.ID == "" {
		doc.ID = primitive.NewObjectID().Hex()
	}
	if doc.Status == "" {
		doc.Status = storage.DocumentStatusDraft
	}

	_, err := s.documents.InsertOne(ctx, doc)
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("document %s: %w", doc.ID, storage.ErrDuplicate)
	}
	return err
}

func (s *Store) GetDocument(ctx context.Context, id string) (*storage.Document, error) {
	var doc storage.Document
	err := s.documents.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

func (s *Store) ListDocuments(ctx context.Context, filter *storage.DocumentFilter) ([]*storage.Document, error) {
	query := bson.M{}
	if filter != nil {
		if filter.Status != "" {
			query["status"] = filter.Status
		}
		if filter.Kind != "" {
			query["kind"] = filter.Kind
		}
	}

	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}})
	if filter != nil {
		if filter.Limit > 0 {
			opts.SetLimit(int64(filter.Limit))
		}
		if filter.Offset > 0 {
			opts.SetSkip(int64(filter.Offset))
		}
	}

	cursor, err := s.documents.Find(ctx, query, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var docs []*storage.Document
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}
	return docs, nil
}

func (s *Store) UpdateTransmissionStatus(ctx context.Context, id string, update *storage.TransmissionUpdate) error {
	set := bson.M{
		"status":              update.Status,
		"transmission_format": update.Format,
		"last_error":          update.LastError,
		"response":            update.Response,
		"updated_at":          time.Now(),
	}
	if update.SentAt != nil {
		set["sent_at"] = *update.SentAt
	}

	res, err := s.documents.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": set})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// AttemptStore implementation

func (s *Store) RecordAttempt(ctx context.Context, attempt *storage.Attempt) error {
	if attempt.ID == "" {
		attempt.ID = primitive.NewObjectID().Hex()
	}
	_, err := s.attempts.InsertOne(ctx, attempt)
	return err
}

func (s *Store) ListAttempts(ctx context.Context, documentID string) ([]*storage.Attempt, error) {
	opts := options.Find().SetSort(bson.D{{Key: "started_at", Value: 1}, {Key: "attempt", Value: 1}})
	cursor, err := s.attempts.Find(ctx, bson.M{"document_id": documentID}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	attempts := []*storage.Attempt{}
	if err := cursor.All(ctx, &attempts); err != nil {
		return nil, err
	}
	return attempts, nil
}

var _ storage.Store = (*Store)(nil)
