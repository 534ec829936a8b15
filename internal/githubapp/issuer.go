package githubapp

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Andrejs1979/cloud-code/common/clock"
	"github.com/Andrejs1979/cloud-code/common/logger"
)

const (
	DefaultBaseURL   = "https://api.github.com"
	DefaultUserAgent = "Worker-GitHub-Integration"

	// assertionBackdate absorbs clock skew against GitHub.
	assertionBackdate = 60 * time.Second
	// assertionLifetime is the maximum GitHub accepts.
	assertionLifetime = 10 * time.Minute
)

type IssuerConfig struct {
	AppID         string
	PrivateKeyPEM []byte
	BaseURL       string
	UserAgent     string
	HTTPClient    *http.Client
	Clock         clock.Clock
}

// Issuer mints app assertions and exchanges them for installation tokens.
type Issuer struct {
	appID      string
	privateKey *rsa.PrivateKey
	baseURL    string
	userAgent  string
	httpClient *http.Client
	clock      clock.Clock
}

func NewIssuer(cfg IssuerConfig) (*Issuer, error) {
	if cfg.AppID == "" {
		return nil, errors.New("githubapp: app id is required")
	}

	key, err := ParsePrivateKey(cfg.PrivateKeyPEM)
	if err != nil {
		return nil, err
	}

	issuer := &Issuer{
		appID:      cfg.AppID,
		privateKey: key,
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		userAgent:  cfg.UserAgent,
		httpClient: cfg.HTTPClient,
		clock:      cfg.Clock,
	}
	if issuer.baseURL == "" {
		issuer.baseURL = DefaultBaseURL
	}
	if issuer.userAgent == "" {
		issuer.userAgent = DefaultUserAgent
	}
	if issuer.httpClient == nil {
		issuer.httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if issuer.clock == nil {
		issuer.clock = clock.Real()
	}
	return issuer, nil
}

// ParsePrivateKey decodes a PEM RSA key in PKCS#1 or PKCS#8 form.
func ParsePrivateKey(pemBytes []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("githubapp: failed to decode PEM block from private key")
	}

	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err == nil {
		return key, nil
	}

	parsed, pkcs8Err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if pkcs8Err != nil {
		return nil, fmt.Errorf("githubapp: parsing private key: %w (also tried PKCS8: %v)", err, pkcs8Err)
	}
	rsaKey, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("githubapp: private key is not RSA")
	}
	return rsaKey, nil
}

func (i *Issuer) AppID() string {
	return i.appID
}

// Claims returns the assertion claim set for now.
func (i *Issuer) Claims(now time.Time) jwt.RegisteredClaims {
	return jwt.RegisteredClaims{
		Issuer:    i.appID,
		IssuedAt:  jwt.NewNumericDate(now.Add(-assertionBackdate)),
		ExpiresAt: jwt.NewNumericDate(now.Add(assertionLifetime)),
	}
}

// MintAssertion signs the app claims with RS256.
func (i *Issuer) MintAssertion() (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, i.Claims(i.clock.Now()))
	signed, err := token.SignedString(i.privateKey)
	if err != nil {
		return "", fmt.Errorf("githubapp: signing assertion: %w", err)
	}
	return signed, nil
}

// InstallationToken exchanges a fresh assertion for an installation token.
// Every failure is reported as (nil, false): revoked installs and expired
// keys are routine, and callers degrade instead of erroring.
func (i *Issuer) InstallationToken(ctx context.Context, installationID string) (*InstallationToken, bool) {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		AppID:          logger.Ptr(i.appID),
		InstallationID: logger.Ptr(installationID),
		Component:      "cloudcode.githubapp.issuer",
	})

	sc := logger.StartSpan(ctx, "githubapp.installation_token", trace.WithSpanKind(trace.SpanKindClient))
	defer sc.End()
	ctx = sc.Context()

	if installationID == "" {
		slog.WarnContext(ctx, "installation token requested without installation id")
		return nil, false
	}

	tok, status, err := i.exchange(ctx, installationID)
	sc.SetAttributes(attribute.Int("http.status_code", status))
	if err != nil {
		sc.RecordError(err)
		slog.WarnContext(ctx, "installation token exchange failed", "status", status, "error", err)
		return nil, false
	}

	slog.InfoContext(ctx, "installation token issued", "status", status, "expires_at", tok.ExpiresAt)
	return tok, true
}

func (i *Issuer) exchange(ctx context.Context, installationID string) (*InstallationToken, int, error) {
	assertion, err := i.MintAssertion()
	if err != nil {
		return nil, 0, err
	}

	endpoint := i.baseURL + "/app/installations/" + url.PathEscape(installationID) + "/access_tokens"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("creating token exchange request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+assertion)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("User-Agent", i.userAgent)

	resp, err := i.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("token exchange request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil, resp.StatusCode, fmt.Errorf("token exchange returned HTTP %d", resp.StatusCode)
	}

	var body struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, resp.StatusCode, fmt.Errorf("decoding token exchange response: %w", err)
	}
	if body.Token == "" {
		return nil, resp.StatusCode, errors.New("token exchange returned empty token")
	}

	return &InstallationToken{Token: body.Token, ExpiresAt: body.ExpiresAt}, resp.StatusCode, nil
}
