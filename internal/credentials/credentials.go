// Package credentials is the per-provider credential store and auth header
// builder: S3/R2 requests are signed with AWS SigV4, GCS/Azure bearer tokens
// are refreshed via OAuth2 client-credentials, and API-key providers attach
// a static header. Replacing a provider's credentials invalidates any token
// derived from the old ones.
package credentials

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"sync"
	"time"

	v4signer "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awscreds "github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/srnarasim/dataprism-core/internal/taxonomy"
)

// AuthMethod enumerates the supported per-provider auth schemes.
type AuthMethod string

const (
	AuthAPIKey   AuthMethod = "api-key"
	AuthAWSSigV4 AuthMethod = "aws-sigv4"
	AuthOAuth2   AuthMethod = "oauth2"
	AuthNone     AuthMethod = "none"
)

// Credentials is the opaque per-provider credential bundle. Which fields are
// used depends on Method.
type Credentials struct {
	Method AuthMethod

	// aws-sigv4
	AccessKeyID     string
	SecretAccessKey string
	Region          string
	Service         string // defaults to "s3"
	Endpoint        string // S3-compatible endpoint, for R2/MinIO-style stores

	// api-key; Email additionally emits X-Auth-Email for R2-style key pairs
	APIKeyHeader string
	APIKeyValue  string
	Email        string

	// oauth2
	ClientID     string
	ClientSecret string
	TokenURL     string
	Scopes       []string

	// azure-blob shared key, used for SAS presigning and engine secrets
	AccountName      string
	AccountKey       string
	ConnectionString string

	// gcs service account, used for V4 signed URLs and engine secrets
	GoogleAccessID string
	PrivateKey     string
	KeyFilePath    string
}

type tokenCacheEntry struct {
	token *oauth2.Token
}

// Manager stores credentials per provider tag and produces auth headers,
// refreshing OAuth2 tokens transparently.
type Manager struct {
	mu          sync.RWMutex
	credentials map[string]Credentials
	tokens      map[string]tokenCacheEntry
}

// NewManager returns an empty credential manager.
func NewManager() *Manager {
	return &Manager{
		credentials: map[string]Credentials{},
		tokens:      map[string]tokenCacheEntry{},
	}
}

// SetCredentials stores creds for provider, invalidating any cached derived
// token for that provider so the next AuthHeaders call re-derives it.
func (m *Manager) SetCredentials(provider string, creds Credentials) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.credentials[provider] = creds
	delete(m.tokens, provider)
}

// Validate checks that provider has complete credentials for its method.
func (m *Manager) Validate(provider string) error {
	m.mu.RLock()
	creds, ok := m.credentials[provider]
	m.mu.RUnlock()
	if !ok {
		return taxonomy.New(taxonomy.CodeUnsupportedAuthMethod, "credentials", "no credentials configured for provider %q", provider)
	}
	switch creds.Method {
	case AuthAWSSigV4:
		if creds.AccessKeyID == "" || creds.SecretAccessKey == "" || creds.Region == "" {
			return taxonomy.New(taxonomy.CodeUnsupportedAuthMethod, "credentials", "incomplete AWS SigV4 credentials for %q", provider)
		}
	case AuthAPIKey:
		if creds.APIKeyValue == "" {
			return taxonomy.New(taxonomy.CodeUnsupportedAuthMethod, "credentials", "missing API key for %q", provider)
		}
	case AuthOAuth2:
		if creds.ClientID == "" || creds.ClientSecret == "" || creds.TokenURL == "" {
			return taxonomy.New(taxonomy.CodeUnsupportedAuthMethod, "credentials", "incomplete OAuth2 credentials for %q", provider)
		}
	case AuthNone:
	default:
		return taxonomy.New(taxonomy.CodeUnsupportedAuthMethod, "credentials", "unsupported auth method %q for %q", creds.Method, provider)
	}
	return nil
}

// AuthHeaders builds the headers to attach to a request against rawURL for
// provider. S3/API-key resolve synchronously; OAuth2 may perform a network
// round trip to refresh an expired token.
func (m *Manager) AuthHeaders(ctx context.Context, provider, method, rawURL string, body []byte) (http.Header, error) {
	m.mu.RLock()
	creds, ok := m.credentials[provider]
	m.mu.RUnlock()
	if !ok {
		return http.Header{}, nil
	}

	switch creds.Method {
	case AuthNone:
		return http.Header{}, nil
	case AuthAPIKey:
		h := http.Header{}
		name := creds.APIKeyHeader
		if name == "" {
			name = "X-API-Key"
		}
		h.Set(name, creds.APIKeyValue)
		if creds.Email != "" {
			h.Set("X-Auth-Key", creds.APIKeyValue)
			h.Set("X-Auth-Email", creds.Email)
		}
		return h, nil
	case AuthAWSSigV4:
		return m.sigV4Headers(ctx, creds, method, rawURL, body)
	case AuthOAuth2:
		token, err := m.RefreshIfNeeded(ctx, provider, creds)
		if err != nil {
			return nil, err
		}
		h := http.Header{}
		h.Set("Authorization", "Bearer "+token.AccessToken)
		return h, nil
	default:
		return nil, taxonomy.New(taxonomy.CodeUnsupportedAuthMethod, "credentials", "unsupported auth method %q", creds.Method)
	}
}

func (m *Manager) sigV4Headers(ctx context.Context, creds Credentials, method, rawURL string, body []byte) (http.Header, error) {
	service := creds.Service
	if service == "" {
		service = "s3"
	}
	provider := awscreds.NewStaticCredentialsProvider(creds.AccessKeyID, creds.SecretAccessKey, "")
	awsCreds, err := provider.Retrieve(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve AWS credentials: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return nil, err
	}

	payloadHash := emptyPayloadHash
	if len(body) > 0 {
		payloadHash = sha256Hex(body)
	}

	signer := v4signer.NewSigner()
	if err := signer.SignHTTP(ctx, awsCreds, req, payloadHash, service, creds.Region, time.Now()); err != nil {
		return nil, fmt.Errorf("sign request: %w", err)
	}
	return req.Header, nil
}

// RefreshIfNeeded returns a cached OAuth2 token for provider, refreshing it
// via the client-credentials grant if missing or expired. On refresh failure
// the cached entry is cleared so subsequent calls surface NO_OAUTH2_TOKEN
// rather than reusing a stale bearer.
func (m *Manager) RefreshIfNeeded(ctx context.Context, provider string, creds Credentials) (*oauth2.Token, error) {
	m.mu.RLock()
	cached, ok := m.tokens[provider]
	m.mu.RUnlock()
	if ok && cached.token == nil {
		return nil, taxonomy.New(taxonomy.CodeNoOAuth2Token, "credentials", "no OAuth2 token for %q after a failed refresh", provider).WithProvider(provider)
	}
	if ok && cached.token.Valid() {
		return cached.token, nil
	}

	cfg := &clientcredentials.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		TokenURL:     creds.TokenURL,
		Scopes:       creds.Scopes,
	}
	token, err := cfg.Token(ctx)
	if err != nil {
		m.mu.Lock()
		m.tokens[provider] = tokenCacheEntry{}
		m.mu.Unlock()
		return nil, taxonomy.Wrap(taxonomy.CodeTokenRefreshFailed, "credentials", err, "refreshing OAuth2 token for %q", provider).WithProvider(provider)
	}
	if token == nil {
		return nil, taxonomy.New(taxonomy.CodeNoOAuth2Token, "credentials", "token endpoint returned no token for %q", provider).WithProvider(provider)
	}
	if token.Expiry.IsZero() {
		// Some token endpoints omit expires_in; fall back to the exp claim
		// of the bearer itself when it happens to be a JWT.
		if exp := bearerExpiry(token.AccessToken); !exp.IsZero() {
			token.Expiry = exp
		}
	}

	m.mu.Lock()
	m.tokens[provider] = tokenCacheEntry{token: token}
	m.mu.Unlock()
	return token, nil
}

// bearerExpiry extracts the exp claim from a JWT-shaped access token without
// verifying its signature — the token came from the provider's own endpoint,
// we only need its lifetime for cache invalidation.
func bearerExpiry(raw string) time.Time {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}

// emptyPayloadHash is the SHA-256 hex digest of an empty byte string, the
// value SigV4 expects for GET/HEAD requests with no body.
const emptyPayloadHash = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"

func sha256Hex(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}
