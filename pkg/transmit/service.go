package transmit

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sirosfoundation/go-hostlink/pkg/credential"
)

// SendOptions tune a single Send call
type SendOptions struct {
	// CredentialName selects a specific active credential by service name
	// instead of the oldest active one.
	CredentialName string
}

// Service routes documents to the transmitter matching the requested format.
// It performs exactly one attempt per call; retries belong to the caller.
type Service struct {
	credentials CredentialRepository
	xml         Transmitter
	json        Transmitter
	logger      *slog.Logger
}

// NewService creates a transmission service
func NewService(credentials CredentialRepository, xml, json Transmitter, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		credentials: credentials,
		xml:         xml,
		json:        json,
		logger:      logger,
	}
}

// Send transmits doc in the given format ("xml" or "json")
func (s *Service) Send(ctx context.Context, doc Document, format string, opts *SendOptions) (*Result, error) {
	cred, t, err := s.prepare(ctx, format, opts)
	if err != nil {
		return nil, err
	}
	return t.Send(ctx, doc, cred)
}

// TestConnection resolves and validates the credential for format. Bearer
// credentials additionally log in.
func (s *Service) TestConnection(ctx context.Context, format string) (*Result, error) {
	return s.TestConnectionWith(ctx, format, nil)
}

// TestConnectionWith is TestConnection honouring opts
func (s *Service) TestConnectionWith(ctx context.Context, format string, opts *SendOptions) (*Result, error) {
	cred, t, err := s.prepare(ctx, format, opts)
	if err != nil {
		return nil, err
	}
	if tester, ok := t.(ConnectionTester); ok {
		return tester.TestConnection(ctx, cred)
	}
	return &Result{
		Success:         true,
		Format:          credential.Format(format),
		TransmitterName: t.Name(),
		Message:         "credential configured",
	}, nil
}

// prepare resolves the format, loads the credential and validates it before
// any network I/O
func (s *Service) prepare(ctx context.Context, format string, opts *SendOptions) (*credential.Credential, Transmitter, error) {
	f := credential.Format(format)
	st, ok := credential.ServiceTypeFor(f)
	if !ok {
		return nil, nil, newError(KindInvalidFormat, "%q (want %q or %q)", format, credential.FormatXML, credential.FormatJSON)
	}

	t := s.transmitterFor(f)
	if t == nil {
		return nil, nil, newError(KindInvalidFormat, "no transmitter registered for %q", format)
	}

	cred, err := s.resolveCredential(ctx, st, opts)
	if err != nil {
		return nil, nil, err
	}

	if !t.ValidateCredential(cred) {
		return nil, nil, newError(KindInvalidCredentialConfig,
			"credential %q does not satisfy the %s transmitter", cred.ServiceName, t.Name())
	}
	return cred, t, nil
}

func (s *Service) transmitterFor(f credential.Format) Transmitter {
	switch f {
	case credential.FormatXML:
		return s.xml
	case credential.FormatJSON:
		return s.json
	}
	return nil
}

func (s *Service) resolveCredential(ctx context.Context, st credential.ServiceType, opts *SendOptions) (*credential.Credential, error) {
	creds, err := s.credentials.FindActiveByServiceType(ctx, st)
	if err != nil {
		return nil, fmt.Errorf("loading credential: %w", err)
	}

	if opts != nil && opts.CredentialName != "" {
		for _, c := range creds {
			if c.ServiceName == opts.CredentialName {
				return c, nil
			}
		}
		return nil, newError(KindNoCredential, "no active %s credential named %q", st, opts.CredentialName)
	}

	if len(creds) == 0 {
		return nil, newError(KindNoCredential, "no active %s credential", st)
	}
	if len(creds) > 1 {
		names := make([]string, len(creds))
		for i, c := range creds {
			names[i] = c.ServiceName
		}
		s.logger.Warn("multiple active credentials, using the oldest",
			"service_type", st,
			"credentials", names,
			"selected", creds[0].ServiceName,
		)
	}
	return creds[0], nil
}
