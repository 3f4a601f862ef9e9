package credential

import (
	"fmt"
	"maps"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// ServiceType is the wire protocol spoken by a host service
type ServiceType string

const (
	ServiceTypeSOAPXML    ServiceType = "soap_xml"
	ServiceTypeJSONBearer ServiceType = "json_bearer"
)

// Format is the payload format requested by a caller
type Format string

const (
	FormatXML  Format = "xml"
	FormatJSON Format = "json"
)

// ServiceTypeFor returns the protocol kind able to carry the given format
func ServiceTypeFor(f Format) (ServiceType, bool) {
	switch f {
	case FormatXML:
		return ServiceTypeSOAPXML, true
	case FormatJSON:
		return ServiceTypeJSONBearer, true
	}
	return "", false
}

// Extension map keys
const (
	KeyAuthEndpoint       = "auth_endpoint"
	KeyRefreshEndpoint    = "refresh_endpoint"
	KeyTokenField         = "token_field"
	KeyRefreshTokenField  = "refresh_token_field"
	KeyTokenExpiry        = "token_expiry"
	KeyTimeout            = "timeout"
	KeySSLCertPath        = "ssl_cert_path"
	KeySSLKeyPath         = "ssl_key_path"
	KeySSLVerify          = "ssl_verify"
	KeyCachedToken        = "cached_token"
	KeyCachedRefreshToken = "cached_refresh_token"
	KeyTokenExpiresAt     = "token_expires_at"
)

const (
	DefaultTokenField        = "access_token"
	DefaultRefreshTokenField = "refresh_token"
)

// Credential identifies one external service integration.
//
// Password holds the ciphertext as stored; it is decrypted only at call time.
type Credential struct {
	ID               string         `bson:"_id" json:"id"`
	ServiceName      string         `bson:"service_name" json:"service_name" validate:"required"`
	ServiceType      ServiceType    `bson:"service_type" json:"service_type" validate:"required,oneof=soap_xml json_bearer"`
	Username         string         `bson:"username" json:"username" validate:"required"`
	Password         string         `bson:"password" json:"-" validate:"required"`
	EndpointURL      string         `bson:"endpoint_url" json:"endpoint_url" validate:"required,url"`
	IsActive         bool           `bson:"is_active" json:"is_active"`
	AdditionalConfig map[string]any `bson:"additional_config" json:"additional_config,omitempty"`
	UsageCount       int64          `bson:"usage_count" json:"usage_count"`
	LastUsedAt       *time.Time     `bson:"last_used_at,omitempty" json:"last_used_at,omitempty"`
	CreatedAt        time.Time      `bson:"created_at" json:"created_at"`
	UpdatedAt        time.Time      `bson:"updated_at" json:"updated_at"`
}

// IsConfigured reports whether identity, secret and endpoint are all present
func (c *Credential) IsConfigured() bool {
	return c.Username != "" && c.Password != "" && c.EndpointURL != ""
}

// Clone returns a copy that shares no mutable state with c
func (c *Credential) Clone() *Credential {
	if c == nil {
		return nil
	}
	cp := *c
	cp.AdditionalConfig = maps.Clone(c.AdditionalConfig)
	if c.LastUsedAt != nil {
		t := *c.LastUsedAt
		cp.LastUsedAt = &t
	}
	return &cp
}

// ConfigString returns a string value from the extension map
func (c *Credential) ConfigString(key string) string {
	v, ok := c.AdditionalConfig[key]
	if !ok || v == nil {
		return ""
	}
	switch s := v.(type) {
	case string:
		return strings.TrimSpace(s)
	case fmt.Stringer:
		return s.String()
	default:
		return fmt.Sprint(v)
	}
}

// ConfigInt returns an integer value from the extension map, tolerating the
// float64 produced by JSON decoding and numeric strings
func (c *Credential) ConfigInt(key string) (int64, bool) {
	v, ok := c.AdditionalConfig[key]
	if !ok || v == nil {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		return int64(n), true
	case float32:
		return int64(n), true
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
		if err != nil {
			return 0, false
		}
		return i, true
	}
	return 0, false
}

// ConfigBool returns a boolean value from the extension map
func (c *Credential) ConfigBool(key string, def bool) bool {
	v, ok := c.AdditionalConfig[key]
	if !ok || v == nil {
		return def
	}
	switch b := v.(type) {
	case bool:
		return b
	case string:
		parsed, err := strconv.ParseBool(strings.TrimSpace(b))
		if err != nil {
			return def
		}
		return parsed
	}
	return def
}

func (c *Credential) AuthEndpoint() string    { return c.ConfigString(KeyAuthEndpoint) }
func (c *Credential) RefreshEndpoint() string { return c.ConfigString(KeyRefreshEndpoint) }
func (c *Credential) SSLCertPath() string     { return c.ConfigString(KeySSLCertPath) }
func (c *Credential) SSLKeyPath() string      { return c.ConfigString(KeySSLKeyPath) }
func (c *Credential) SSLVerify() bool         { return c.ConfigBool(KeySSLVerify, true) }

// TokenField returns the auth response field carrying the access token
func (c *Credential) TokenField() string {
	if f := c.ConfigString(KeyTokenField); f != "" {
		return f
	}
	return DefaultTokenField
}

// RefreshTokenField returns the auth response field carrying the refresh token
func (c *Credential) RefreshTokenField() string {
	if f := c.ConfigString(KeyRefreshTokenField); f != "" {
		return f
	}
	return DefaultRefreshTokenField
}

// TokenExpiry returns the configured default token lifetime, or zero
func (c *Credential) TokenExpiry() time.Duration {
	if secs, ok := c.ConfigInt(KeyTokenExpiry); ok && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

// Timeout returns the configured per-call timeout, or zero
func (c *Credential) Timeout() time.Duration {
	if secs, ok := c.ConfigInt(KeyTimeout); ok && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

var validate = validator.New()

// FieldError describes one failed validation rule
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is returned by Validate
type ValidationErrors []FieldError

func (v ValidationErrors) Error() string {
	if len(v) == 0 {
		return "validation failed"
	}
	msgs := make([]string, len(v))
	for i, e := range v {
		msgs[i] = e.Field + ": " + e.Message
	}
	return "validation failed: " + strings.Join(msgs, "; ")
}

// Validate checks the record shape accepted by administration.
// Bearer credentials must also name an auth endpoint.
func (c *Credential) Validate() error {
	var errs ValidationErrors
	if err := validate.Struct(c); err != nil {
		verrs, ok := err.(validator.ValidationErrors)
		if !ok {
			return err
		}
		for _, e := range verrs {
			errs = append(errs, FieldError{
				Field:   fieldName(e.Field()),
				Message: fieldMessage(e),
			})
		}
	}
	if c.ServiceType == ServiceTypeJSONBearer && c.AuthEndpoint() == "" {
		errs = append(errs, FieldError{
			Field:   "additional_config." + KeyAuthEndpoint,
			Message: "required for json_bearer credentials",
		})
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}

func fieldName(goName string) string {
	switch goName {
	case "ServiceName":
		return "service_name"
	case "ServiceType":
		return "service_type"
	case "EndpointURL":
		return "endpoint_url"
	}
	return strings.ToLower(goName)
}

func fieldMessage(e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return "is required"
	case "oneof":
		return "must be one of: " + e.Param()
	case "url":
		return "must be a valid URL"
	}
	return "failed " + e.Tag() + " check"
}
