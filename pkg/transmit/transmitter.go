package transmit

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/sirosfoundation/go-hostlink/pkg/credential"
	"github.com/sirosfoundation/go-hostlink/pkg/transport"
)

// DefaultTimeout applies to every wire call unless the credential overrides it
const DefaultTimeout = 30 * time.Second

// Document is the opaque aggregate handed to the renderer
type Document any

// Renderer serialises documents into wire payloads
type Renderer interface {
	RenderXML(ctx context.Context, doc Document) (string, error)
	RenderJSON(ctx context.Context, doc Document) (string, error)
}

// CredentialRepository is the part of credential storage used here
type CredentialRepository interface {
	// FindActiveByServiceType returns active credentials, oldest first
	FindActiveByServiceType(ctx context.Context, st credential.ServiceType) ([]*credential.Credential, error)
	PatchCredentialConfig(ctx context.Context, id string, set map[string]any, unset []string) error
	RecordUsage(ctx context.Context, id string, at time.Time) error
}

// SecretDecrypter turns a stored password into plaintext
type SecretDecrypter interface {
	Decrypt(ciphertext string) (string, error)
}

// Transmitter performs one wire exchange for one protocol
type Transmitter interface {
	Send(ctx context.Context, doc Document, cred *credential.Credential) (*Result, error)
	ValidateCredential(cred *credential.Credential) bool
	Name() string
}

// ConnectionTester is implemented by transmitters that can check their
// endpoint without sending a document
type ConnectionTester interface {
	TestConnection(ctx context.Context, cred *credential.Credential) (*Result, error)
}

// Result is the normalised outcome of a transmission
type Result struct {
	Success          bool              `json:"success"`
	Format           credential.Format `json:"format"`
	TransmitterName  string            `json:"transmitter_name"`
	Message          string            `json:"message"`
	ResponseTimeMS   int64             `json:"response_time_ms"`
	TransmissionSize int               `json:"transmission_size_bytes"`
	ResponseData     any               `json:"response_data,omitempty"`
	TransmittedAt    time.Time         `json:"transmitted_at"`
}

// Deps are the collaborators shared by both transmitters
type Deps struct {
	Renderer    Renderer
	Secrets     SecretDecrypter
	Credentials CredentialRepository
	Pool        *transport.Pool

	// Timeout is the per-call default when a credential sets none
	Timeout time.Duration

	// Now is the clock. Nil uses time.Now.
	Now func() time.Time
}

func (d *Deps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

func (d Deps) withDefaults() Deps {
	if d.Pool == nil {
		d.Pool = transport.NewPool(nil)
	}
	if d.Timeout <= 0 {
		d.Timeout = DefaultTimeout
	}
	return d
}

// clientFor picks the HTTP client matching the credential's transport settings.
// Client certificates are only used when both files exist.
func (d *Deps) clientFor(cred *credential.Credential, logger *slog.Logger) (*transport.HTTPSClient, error) {
	opts := transport.ClientOptions{
		Timeout:            cred.Timeout(),
		InsecureSkipVerify: !cred.SSLVerify(),
	}
	if opts.Timeout <= 0 {
		opts.Timeout = d.Timeout
	}

	certPath, keyPath := cred.SSLCertPath(), cred.SSLKeyPath()
	if certPath != "" || keyPath != "" {
		if fileExists(certPath) && fileExists(keyPath) {
			opts.CertFile = certPath
			opts.KeyFile = keyPath
		} else {
			logger.Warn("client certificate files not found, using default TLS",
				"cert_path", certPath,
				"key_path", keyPath,
			)
		}
	}

	client, err := d.Pool.Client(opts)
	if err != nil {
		return nil, &Error{Kind: KindInvalidCredentialConfig, Message: "building HTTP client", Err: err}
	}
	return client, nil
}

// recordUsage bumps the usage counter. Failures are logged only.
func (d *Deps) recordUsage(ctx context.Context, cred *credential.Credential, at time.Time, logger *slog.Logger) {
	if d.Credentials == nil || cred.ID == "" {
		return
	}
	if err := d.Credentials.RecordUsage(ctx, cred.ID, at); err != nil {
		logger.Warn("failed to record credential usage", "error", err)
	}
}

func (d *Deps) decryptPassword(cred *credential.Credential) (string, error) {
	if d.Secrets == nil {
		return cred.Password, nil
	}
	pw, err := d.Secrets.Decrypt(cred.Password)
	if err != nil {
		return "", &Error{Kind: KindInvalidCredentialConfig, Message: "decrypting password", Err: err}
	}
	return pw, nil
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	st, err := os.Stat(path)
	return err == nil && !st.IsDir()
}
