package transmit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/sirosfoundation/go-hostlink/pkg/credential"
	"github.com/sirosfoundation/go-hostlink/pkg/soap"
)

// SOAPTransmitterName identifies the XML transmitter in results and logs
const SOAPTransmitterName = "xml_soap"

// businessFailureMarkers flag a rejected document inside a successful response
var businessFailureMarkers = []string{"ERROR", "GAGAL", "INVALID"}

// SOAPTransmitter sends documents as SOAP 1.2 envelopes with the
// credential's identity embedded in the body
type SOAPTransmitter struct {
	deps    Deps
	service soap.Service
	logger  *slog.Logger
}

// NewSOAPTransmitter creates a SOAP transmitter. A zero service uses the
// host defaults.
func NewSOAPTransmitter(deps Deps, service soap.Service, logger *slog.Logger) *SOAPTransmitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &SOAPTransmitter{
		deps:    deps.withDefaults(),
		service: service,
		logger:  logger.With("transmitter", SOAPTransmitterName),
	}
}

// Name implements Transmitter
func (t *SOAPTransmitter) Name() string {
	return SOAPTransmitterName
}

// ValidateCredential implements Transmitter
func (t *SOAPTransmitter) ValidateCredential(cred *credential.Credential) bool {
	return cred != nil &&
		cred.ServiceType == credential.ServiceTypeSOAPXML &&
		cred.IsConfigured()
}

// Send implements Transmitter
func (t *SOAPTransmitter) Send(ctx context.Context, doc Document, cred *credential.Credential) (*Result, error) {
	if !t.ValidateCredential(cred) {
		return nil, newError(KindInvalidCredentialConfig, "credential is not a configured %s credential", credential.ServiceTypeSOAPXML)
	}

	log := t.logger.With("credential", cred.ServiceName)
	start := t.deps.now()

	payload, err := t.deps.Renderer.RenderXML(ctx, doc)
	if err != nil {
		return nil, fmt.Errorf("rendering XML: %w", err)
	}

	password, err := t.deps.decryptPassword(cred)
	if err != nil {
		return nil, err
	}

	envelope, err := soap.BuildEnvelope(t.service, soap.Request{
		Payload:  payload,
		Username: cred.Username,
		Password: password,
	})
	if err != nil {
		return nil, fmt.Errorf("building envelope: %w", err)
	}

	client, err := t.deps.clientFor(cred, log)
	if err != nil {
		return nil, err
	}

	log.Debug("posting SOAP envelope", "endpoint", cred.EndpointURL, "size", len(envelope))

	resp, err := client.Post(ctx, cred.EndpointURL, envelope, map[string]string{
		"Content-Type": soap.ContentType,
	})
	if err != nil {
		return nil, fmt.Errorf("posting to %s: %w", cred.EndpointURL, err)
	}

	if !resp.OK() {
		return nil, &Error{Kind: KindHTTP, StatusCode: resp.StatusCode, Body: string(resp.Body)}
	}

	parsed, err := soap.ParseResponse(t.service, resp.Body)
	if err != nil {
		msg := "malformed XML"
		if errors.Is(err, soap.ErrNoResult) {
			msg = "result element not found"
		}
		return nil, &Error{
			Kind:       KindParse,
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("%s in response %q", msg, Excerpt(string(resp.Body))),
			Body:       Excerpt(string(resp.Body)),
		}
	}

	if parsed.Fault != nil {
		return nil, &Error{
			Kind:       KindSOAPFault,
			StatusCode: resp.StatusCode,
			Message:    parsed.Fault.Reason,
			Body:       Excerpt(string(resp.Body)),
		}
	}

	if isBusinessFailure(parsed.Result) {
		return nil, &Error{
			Kind:       KindBusiness,
			StatusCode: resp.StatusCode,
			Message:    parsed.Result,
			Body:       Excerpt(string(resp.Body)),
		}
	}

	done := t.deps.now()
	t.deps.recordUsage(ctx, cred, done, log)

	log.Info("document transmitted",
		"status", resp.StatusCode,
		"duration", done.Sub(start),
	)

	return &Result{
		Success:          true,
		Format:           credential.FormatXML,
		TransmitterName:  SOAPTransmitterName,
		Message:          parsed.Result,
		ResponseTimeMS:   done.Sub(start).Milliseconds(),
		TransmissionSize: len(envelope),
		ResponseData:     string(resp.Body),
		TransmittedAt:    done,
	}, nil
}

// TestConnection validates the credential. The host offers no test
// operation, so no request is sent.
func (t *SOAPTransmitter) TestConnection(ctx context.Context, cred *credential.Credential) (*Result, error) {
	if !t.ValidateCredential(cred) {
		return nil, newError(KindInvalidCredentialConfig, "credential is not a configured %s credential", credential.ServiceTypeSOAPXML)
	}
	if _, err := t.deps.decryptPassword(cred); err != nil {
		return nil, err
	}
	now := t.deps.now()
	return &Result{
		Success:         true,
		Format:          credential.FormatXML,
		TransmitterName: SOAPTransmitterName,
		Message:         fmt.Sprintf("endpoint %s configured", cred.EndpointURL),
		TransmittedAt:   now,
	}, nil
}

func isBusinessFailure(text string) bool {
	upper := strings.ToUpper(text)
	for _, m := range businessFailureMarkers {
		if strings.Contains(upper, m) {
			return true
		}
	}
	return false
}

var _ Transmitter = (*SOAPTransmitter)(nil)
var _ ConnectionTester = (*SOAPTransmitter)(nil)
