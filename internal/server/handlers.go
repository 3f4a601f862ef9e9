package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/sirosfoundation/go-hostlink/internal/storage"
	"github.com/sirosfoundation/go-hostlink/pkg/credential"
	"github.com/sirosfoundation/go-hostlink/pkg/retry"
	"github.com/sirosfoundation/go-hostlink/pkg/transmit"
)

const maxBodySize = 1 << 20

// Health handlers

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, map[string]string{"status": "ok"}, http.StatusOK)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		s.jsonError(w, "database not ready", http.StatusServiceUnavailable)
		return
	}
	s.jsonResponse(w, map[string]string{"status": "ready"}, http.StatusOK)
}

// Credential handlers

func (s *Server) handleListCredentials(w http.ResponseWriter, r *http.Request) {
	creds, err := s.store.ListCredentials(r.Context())
	if err != nil {
		s.logger.Error("failed to list credentials", "error", err)
		s.jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}
	if creds == nil {
		creds = []*credential.Credential{}
	}

	s.jsonResponse(w, map[string]any{
		"credentials": creds,
		"total":       len(creds),
	}, http.StatusOK)
}

func (s *Server) handleCreateCredential(w http.ResponseWriter, r *http.Request) {
	var req CredentialRequest
	if !s.decode(w, r, &req) {
		return
	}

	cred := &credential.Credential{
		ServiceName:      req.ServiceName,
		ServiceType:      credential.ServiceType(req.ServiceType),
		Username:         req.Username,
		Password:         req.Password,
		EndpointURL:      req.EndpointURL,
		IsActive:         true,
		AdditionalConfig: req.AdditionalConfig,
	}
	if req.IsActive != nil {
		cred.IsActive = *req.IsActive
	}
	if err := cred.Validate(); err != nil {
		s.validationError(w, err)
		return
	}

	enc, err := s.secrets.Encrypt(cred.Password)
	if err != nil {
		s.logger.Error("failed to encrypt credential password", "error", err)
		s.jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}
	cred.Password = enc

	if err := s.store.CreateCredential(r.Context(), cred); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			s.jsonError(w, "credential with this service name already exists", http.StatusConflict)
			return
		}
		s.logger.Error("failed to create credential", "error", err)
		s.jsonError(w, "failed to create credential", http.StatusInternalServerError)
		return
	}

	s.logger.Info("credential created",
		"credential", cred.ServiceName,
		"service_type", cred.ServiceType,
		"active", cred.IsActive,
	)
	s.jsonResponse(w, cred, http.StatusCreated)
}

func (s *Server) handleGetCredential(w http.ResponseWriter, r *http.Request) {
	cred, ok := s.loadCredential(w, r)
	if !ok {
		return
	}
	s.jsonResponse(w, cred, http.StatusOK)
}

func (s *Server) handleUpdateCredential(w http.ResponseWriter, r *http.Request) {
	cred, ok := s.loadCredential(w, r)
	if !ok {
		return
	}

	var req CredentialRequest
	if !s.decode(w, r, &req) {
		return
	}
	before := cred.Clone()

	if req.ServiceName != "" {
		cred.ServiceName = req.ServiceName
	}
	if req.ServiceType != "" {
		cred.ServiceType = credential.ServiceType(req.ServiceType)
	}
	if req.Username != "" {
		cred.Username = req.Username
	}
	if req.EndpointURL != "" {
		cred.EndpointURL = req.EndpointURL
	}
	if req.IsActive != nil {
		cred.IsActive = *req.IsActive
	}
	if req.AdditionalConfig != nil {
		cred.AdditionalConfig = req.AdditionalConfig
	}
	if req.Password != "" {
		enc, err := s.secrets.Encrypt(req.Password)
		if err != nil {
			s.logger.Error("failed to encrypt credential password", "error", err)
			s.jsonError(w, "internal error", http.StatusInternalServerError)
			return
		}
		cred.Password = enc
	}

	if err := cred.Validate(); err != nil {
		s.validationError(w, err)
		return
	}

	if err := s.store.UpdateCredential(r.Context(), cred); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			s.jsonError(w, "credential with this service name already exists", http.StatusConflict)
			return
		}
		s.logger.Error("failed to update credential", "error", err)
		s.jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}

	// cached tokens belong to the old account or configuration
	if req.Password != "" || req.AdditionalConfig != nil ||
		cred.Username != before.Username || cred.EndpointURL != before.EndpointURL {
		if err := s.store.PatchCredentialConfig(r.Context(), cred.ID, nil, credential.TokenKeys()); err != nil {
			s.logger.Error("failed to clear cached token", "credential", cred.ID, "error", err)
			s.jsonError(w, "internal error", http.StatusInternalServerError)
			return
		}
		cred.ClearCachedToken()
	}

	s.jsonResponse(w, cred, http.StatusOK)
}

func (s *Server) handleTestCredential(w http.ResponseWriter, r *http.Request) {
	format := r.URL.Query().Get("format")
	opts := &transmit.SendOptions{CredentialName: r.URL.Query().Get("credential")}

	result, err := s.dispatcher.TestConnection(r.Context(), format, opts)
	if err != nil {
		s.transmissionError(w, err)
		return
	}
	s.jsonResponse(w, result, http.StatusOK)
}

func (s *Server) loadCredential(w http.ResponseWriter, r *http.Request) (*credential.Credential, bool) {
	cred, err := s.store.GetCredential(r.Context(), chi.URLParam(r, "credentialID"))
	if errors.Is(err, storage.ErrNotFound) {
		s.jsonError(w, "credential not found", http.StatusNotFound)
		return nil, false
	}
	if err != nil {
		s.logger.Error("failed to get credential", "error", err)
		s.jsonError(w, "internal error", http.StatusInternalServerError)
		return nil, false
	}
	return cred, true
}

// Document handlers

func (s *Server) handleCreateDocument(w http.ResponseWriter, r *http.Request) {
	var req DocumentRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		s.validationError(w, err)
		return
	}

	doc := &storage.Document{
		Number:  req.Number,
		Kind:    req.Kind,
		Payload: req.Payload,
	}
	if err := s.store.CreateDocument(r.Context(), doc); err != nil {
		s.logger.Error("failed to create document", "error", err)
		s.jsonError(w, "failed to create document", http.StatusInternalServerError)
		return
	}

	s.jsonResponse(w, doc, http.StatusCreated)
}

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := &storage.DocumentFilter{
		Status: storage.DocumentStatus(q.Get("status")),
		Kind:   q.Get("kind"),
	}
	if limit, err := strconv.Atoi(q.Get("limit")); err == nil && limit > 0 {
		filter.Limit = limit
	}
	if offset, err := strconv.Atoi(q.Get("offset")); err == nil && offset > 0 {
		filter.Offset = offset
	}

	docs, err := s.store.ListDocuments(r.Context(), filter)
	if err != nil {
		s.logger.Error("failed to list documents", "error", err)
		s.jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}
	if docs == nil {
		docs = []*storage.Document{}
	}

	s.jsonResponse(w, map[string]any{
		"documents": docs,
		"total":     len(docs),
	}, http.StatusOK)
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	doc, ok := s.loadDocument(w, r)
	if !ok {
		return
	}
	s.jsonResponse(w, doc, http.StatusOK)
}

func (s *Server) handleTransmitDocument(w http.ResponseWriter, r *http.Request) {
	documentID := chi.URLParam(r, "documentID")
	format := r.URL.Query().Get("format")
	opts := &transmit.SendOptions{CredentialName: r.URL.Query().Get("credential")}

	result, err := s.dispatcher.Dispatch(r.Context(), documentID, format, opts)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.jsonError(w, "document not found", http.StatusNotFound)
			return
		}
		s.transmissionError(w, err)
		return
	}
	s.jsonResponse(w, result, http.StatusOK)
}

func (s *Server) handleListAttempts(w http.ResponseWriter, r *http.Request) {
	doc, ok := s.loadDocument(w, r)
	if !ok {
		return
	}

	attempts, err := s.store.ListAttempts(r.Context(), doc.ID)
	if err != nil {
		s.logger.Error("failed to list attempts", "error", err)
		s.jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}

	s.jsonResponse(w, map[string]any{
		"document_id": doc.ID,
		"status":      doc.Status,
		"attempts":    attempts,
	}, http.StatusOK)
}

func (s *Server) loadDocument(w http.ResponseWriter, r *http.Request) (*storage.Document, bool) {
	doc, err := s.store.GetDocument(r.Context(), chi.URLParam(r, "documentID"))
	if errors.Is(err, storage.ErrNotFound) {
		s.jsonError(w, "document not found", http.StatusNotFound)
		return nil, false
	}
	if err != nil {
		s.logger.Error("failed to get document", "error", err)
		s.jsonError(w, "internal error", http.StatusInternalServerError)
		return nil, false
	}
	return doc, true
}

// Request/Response types

type CredentialRequest struct {
	ServiceName      string         `json:"service_name"`
	ServiceType      string         `json:"service_type"`
	Username         string         `json:"username"`
	Password         string         `json:"password"`
	EndpointURL      string         `json:"endpoint_url"`
	IsActive         *bool          `json:"is_active,omitempty"`
	AdditionalConfig map[string]any `json:"additional_config,omitempty"`
}

type DocumentRequest struct {
	Number  string         `json:"number" validate:"required"`
	Kind    string         `json:"kind" validate:"required"`
	Payload map[string]any `json:"payload"`
}

// ErrorResponse is returned for every failed request. Kind and Status are
// set for transmission failures; Status is the host's HTTP status when one
// was received.
type ErrorResponse struct {
	Error   string                  `json:"error"`
	Kind    string                  `json:"kind,omitempty"`
	Status  int                     `json:"status,omitempty"`
	Details []credential.FieldError `json:"details,omitempty"`
}

// Helper functions

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err := dec.Decode(v); err != nil {
		s.jsonError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func (s *Server) validationError(w http.ResponseWriter, err error) {
	resp := ErrorResponse{Error: "validation failed"}

	var cerrs credential.ValidationErrors
	var verrs validator.ValidationErrors
	switch {
	case errors.As(err, &cerrs):
		resp.Details = cerrs
	case errors.As(err, &verrs):
		for _, fe := range verrs {
			resp.Details = append(resp.Details, credential.FieldError{
				Field:   strings.ToLower(fe.Field()),
				Message: "failed " + fe.Tag() + " check",
			})
		}
	default:
		resp.Error = err.Error()
	}
	s.jsonResponse(w, resp, http.StatusBadRequest)
}

// transmissionError maps a transmission failure onto the HTTP response.
// Configuration problems are the caller's to fix (400); everything else
// failed at or on the way to the host (502).
func (s *Server) transmissionError(w http.ResponseWriter, err error) {
	resp := ErrorResponse{
		Error:  err.Error(),
		Kind:   string(transmit.KindOf(err)),
		Status: retry.StatusOf(err),
	}

	status := http.StatusBadGateway
	switch {
	case transmit.IsConfigError(err):
		status = http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	case resp.Kind == "" && !errors.Is(err, context.Canceled):
		s.logger.Error("transmission failed", "error", err)
	}
	s.jsonResponse(w, resp, status)
}

func (s *Server) jsonResponse(w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Debug("failed to write response", "error", err)
	}
}

func (s *Server) jsonError(w http.ResponseWriter, message string, status int) {
	s.jsonResponse(w, ErrorResponse{Error: message}, status)
}
