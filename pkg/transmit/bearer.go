package transmit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/sirosfoundation/go-hostlink/pkg/credential"
	"github.com/sirosfoundation/go-hostlink/pkg/transport"
)

// BearerTransmitterName identifies the JSON transmitter in results and logs
const BearerTransmitterName = "json_bearer"

// BearerTransmitter posts JSON documents authorised by a bearer token
type BearerTransmitter struct {
	deps   Deps
	tokens *TokenManager
	logger *slog.Logger
}

// NewBearerTransmitter creates a bearer transmitter
func NewBearerTransmitter(deps Deps, tokens *TokenManager, logger *slog.Logger) *BearerTransmitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &BearerTransmitter{
		deps:   deps.withDefaults(),
		tokens: tokens,
		logger: logger.With("transmitter", BearerTransmitterName),
	}
}

// Name implements Transmitter
func (t *BearerTransmitter) Name() string {
	return BearerTransmitterName
}

// ValidateCredential implements Transmitter. The refresh endpoint is
// optional; without it every 401 leads to a full login.
func (t *BearerTransmitter) ValidateCredential(cred *credential.Credential) bool {
	return cred != nil &&
		cred.ServiceType == credential.ServiceTypeJSONBearer &&
		cred.IsConfigured() &&
		cred.AuthEndpoint() != ""
}

// Send implements Transmitter. A 401 answer triggers one token refresh and
// one repeated request.
func (t *BearerTransmitter) Send(ctx context.Context, doc Document, cred *credential.Credential) (*Result, error) {
	if !t.ValidateCredential(cred) {
		return nil, newError(KindInvalidCredentialConfig, "credential is not a configured %s credential", credential.ServiceTypeJSONBearer)
	}

	log := t.logger.With("credential", cred.ServiceName)
	start := t.deps.now()

	token, err := t.tokens.GetValidToken(ctx, cred)
	if err != nil {
		return nil, err
	}

	payload, err := t.deps.Renderer.RenderJSON(ctx, doc)
	if err != nil {
		return nil, fmt.Errorf("rendering JSON: %w", err)
	}

	client, err := t.deps.clientFor(cred, log)
	if err != nil {
		return nil, err
	}

	resp, err := t.post(ctx, client, cred.EndpointURL, []byte(payload), token)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusUnauthorized {
		log.Warn("token rejected, refreshing")
		token, err = t.tokens.RefreshToken(ctx, cred)
		if err != nil {
			return nil, err
		}
		resp, err = t.post(ctx, client, cred.EndpointURL, []byte(payload), token)
		if err != nil {
			return nil, err
		}
	}

	if !resp.OK() {
		return nil, &Error{Kind: KindHTTP, StatusCode: resp.StatusCode, Body: string(resp.Body)}
	}

	data, err := decodeBody(resp)
	if err != nil {
		return nil, err
	}

	message := "document transmitted"
	if obj, ok := data.(map[string]any); ok {
		if success, ok := obj["success"].(bool); ok && !success {
			msg, _ := obj["message"].(string)
			if msg == "" {
				msg = "host reported success=false"
			}
			return nil, &Error{
				Kind:       KindBusiness,
				StatusCode: resp.StatusCode,
				Message:    msg,
				Body:       Excerpt(string(resp.Body)),
			}
		}
		if msg, ok := obj["message"].(string); ok && msg != "" {
			message = msg
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
		Format:           credential.FormatJSON,
		TransmitterName:  BearerTransmitterName,
		Message:          message,
		ResponseTimeMS:   done.Sub(start).Milliseconds(),
		TransmissionSize: len(payload),
		ResponseData:     data,
		TransmittedAt:    done,
	}, nil
}

// TestConnection proves the auth endpoint works by logging in. No document
// is sent.
func (t *BearerTransmitter) TestConnection(ctx context.Context, cred *credential.Credential) (*Result, error) {
	if !t.ValidateCredential(cred) {
		return nil, newError(KindInvalidCredentialConfig, "credential is not a configured %s credential", credential.ServiceTypeJSONBearer)
	}

	start := t.deps.now()
	if _, err := t.tokens.Login(ctx, cred); err != nil {
		return nil, err
	}
	done := t.deps.now()

	return &Result{
		Success:         true,
		Format:          credential.FormatJSON,
		TransmitterName: BearerTransmitterName,
		Message:         "token acquired from " + cred.AuthEndpoint(),
		ResponseTimeMS:  done.Sub(start).Milliseconds(),
		TransmittedAt:   done,
	}, nil
}

func (t *BearerTransmitter) post(ctx context.Context, client *transport.HTTPSClient, endpoint string, body []byte, token string) (*transport.Response, error) {
	resp, err := client.Post(ctx, endpoint, body, map[string]string{
		"Content-Type":  "application/json",
		"Accept":        "application/json",
		"Authorization": "Bearer " + token,
	})
	if err != nil {
		return nil, fmt.Errorf("posting to %s: %w", endpoint, err)
	}
	return resp, nil
}

// decodeBody requires a non-empty JSON value
func decodeBody(resp *transport.Response) (any, error) {
	if len(strings.TrimSpace(string(resp.Body))) == 0 {
		return nil, &Error{Kind: KindEmptyResponse, StatusCode: resp.StatusCode, Message: "host returned no body"}
	}

	var data any
	if err := json.Unmarshal(resp.Body, &data); err != nil {
		return nil, &Error{
			Kind:       KindParse,
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("response is not JSON: %q", Excerpt(string(resp.Body))),
			Body:       Excerpt(string(resp.Body)),
			Err:        err,
		}
	}

	switch v := data.(type) {
	case nil:
		return nil, &Error{Kind: KindEmptyResponse, StatusCode: resp.StatusCode, Message: "host returned null"}
	case map[string]any:
		if len(v) == 0 {
			return nil, &Error{Kind: KindEmptyResponse, StatusCode: resp.StatusCode, Message: "host returned an empty object"}
		}
	case []any:
		if len(v) == 0 {
			return nil, &Error{Kind: KindEmptyResponse, StatusCode: resp.StatusCode, Message: "host returned an empty array"}
		}
	}
	return data, nil
}

var _ Transmitter = (*BearerTransmitter)(nil)
var _ ConnectionTester = (*BearerTransmitter)(nil)
