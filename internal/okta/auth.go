package okta

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/google/uuid"
)

// authProvider attaches credentials to outbound requests. invalidate is
// called on 401 so a cached bearer is never reused after rejection.
type authProvider interface {
	apply(ctx context.Context, req *http.Request) error
	invalidate()
}

// sswsAuth is the static API-token scheme.
type sswsAuth struct {
	token string
}

func (a *sswsAuth) apply(_ context.Context, req *http.Request) error {
	req.Header.Set("Authorization", "SSWS "+a.token)
	return nil
}

func (a *sswsAuth) invalidate() {}

const (
	clientAssertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"
	assertionLifetime   = 5 * time.Minute
	// tokens are re-minted this long before their stated expiry.
	tokenExpirySlack = 60 * time.Second
)

// oauth2Auth implements the private-key-JWT client-credentials exchange
// against {org}/oauth2/v1/token.
type oauth2Auth struct {
	tokenURL string
	clientID string
	scopes   []string
	key      *rsa.PrivateKey
	httpc    *http.Client
	now      func() time.Time

	mu          sync.Mutex
	accessToken string
	expiresAt   time.Time
}

func newOAuth2Auth(orgURL, clientID, privateKeyPEM string, scopes []string, httpc *http.Client) (*oauth2Auth, error) {
	key, err := parseRSAPrivateKey(privateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("okta oauth2 private key: %w", err)
	}
	if httpc == nil {
		httpc = http.DefaultClient
	}
	return &oauth2Auth{
		tokenURL: strings.TrimRight(orgURL, "/") + "/oauth2/v1/token",
		clientID: clientID,
		scopes:   scopes,
		key:      key,
		httpc:    httpc,
		now:      time.Now,
	}, nil
}

func (a *oauth2Auth) apply(ctx context.Context, req *http.Request) error {
	token, err := a.bearer(ctx)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

func (a *oauth2Auth) invalidate() {
	a.mu.Lock()
	a.accessToken = ""
	a.expiresAt = time.Time{}
	a.mu.Unlock()
}

func (a *oauth2Auth) bearer(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	if a.accessToken != "" && now.Before(a.expiresAt.Add(-tokenExpirySlack)) {
		return a.accessToken, nil
	}

	assertion, err := a.mintAssertion(now)
	if err != nil {
		return "", err
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("scope", strings.Join(a.scopes, " "))
	form.Set("client_assertion_type", clientAssertionType)
	form.Set("client_assertion", assertion)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := a.httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("okta token exchange: %w", err)
	}
	body, readErr := io.ReadAll(resp.Body)
	resp.Body.Close()
	if readErr != nil {
		return "", readErr
	}
	if resp.StatusCode != http.StatusOK {
		return "", &APIError{
			Code:       CodeAuth,
			StatusCode: resp.StatusCode,
			Detail:     "token exchange failed: " + strings.TrimSpace(string(body)),
		}
	}

	var payload struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
		TokenType   string `json:"token_type"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", fmt.Errorf("okta token response: %w", err)
	}
	if payload.AccessToken == "" {
		return "", errors.New("okta token response carried no access_token")
	}

	a.accessToken = payload.AccessToken
	a.expiresAt = now.Add(time.Duration(payload.ExpiresIn) * time.Second)
	return a.accessToken, nil
}

// mintAssertion builds the signed client assertion: iss = sub = client_id,
// aud = token endpoint, 5-minute expiry, unique jti per request.
func (a *oauth2Auth) mintAssertion(now time.Time) (string, error) {
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.RS256, Key: a.key},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	if err != nil {
		return "", fmt.Errorf("okta assertion signer: %w", err)
	}
	claims := jwt.Claims{
		Issuer:   a.clientID,
		Subject:  a.clientID,
		Audience: jwt.Audience{a.tokenURL},
		IssuedAt: jwt.NewNumericDate(now),
		Expiry:   jwt.NewNumericDate(now.Add(assertionLifetime)),
		ID:       uuid.NewString(),
	}
	return jwt.Signed(signer).Claims(claims).Serialize()
}

func parseRSAPrivateKey(pemData string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, errors.New("no PEM block found")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("unsupported private key type %T", parsed)
	}
	return key, nil
}
