package ticketing

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"

	"github.com/tech-consulting/assetops/internal/configuration"
	"github.com/tech-consulting/assetops/internal/vendors"
)

const (
	adminLoginPath    = "/api/auth/loginadmin"
	loginTimeout      = 30 * time.Second
	defaultTokenTTL   = time.Hour
	maxTokenBodyBytes = 64 << 10
)

// tokenSource returns the bearer token source for the platform: the static api
// token when configured, otherwise short lived admin tokens.
func tokenSource(opts *configuration.TicketingOptions) oauth2.TokenSource {
	if opts.APIToken != "" {
		return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: opts.APIToken, TokenType: "Bearer"})
	}

	return oauth2.ReuseTokenSource(nil, &adminTokenSource{
		url:  strings.TrimSuffix(opts.BaseURL, "/") + adminLoginPath,
		beid: opts.BEID,
		key:  opts.WebServicesKey,
		client: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   loginTimeout,
		},
		now: time.Now,
	})
}

// adminTokenSource exchanges the BEID and web services key for a JWT.
// The expiry is read from the token so it is refreshed before the platform rejects it.
type adminTokenSource struct {
	url    string
	beid   string
	key    string
	client *http.Client
	now    func() time.Time
}

func (s *adminTokenSource) Token() (*oauth2.Token, error) {
	body, err := json.Marshal(adminLogin{BEID: s.beid, WebServicesKey: s.key})
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal admin login")
	}

	ctx, cancel := context.WithTimeout(context.Background(), loginTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "failed to build admin login request")
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "admin login")
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenBodyBytes))
	if err != nil {
		return nil, errors.Wrap(err, "admin login")
	}

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Wrapf(vendors.ErrCredentials, "admin login returned HTTP %d", resp.StatusCode)
	}

	raw := strings.Trim(strings.TrimSpace(string(payload)), `"`)
	if raw == "" {
		return nil, errors.Wrap(vendors.ErrCredentials, "admin login returned no token")
	}

	return &oauth2.Token{
		AccessToken: raw,
		TokenType:   "Bearer",
		Expiry:      s.expiry(raw),
	}, nil
}

// expiry reads the exp claim without verifying the signature, the platform
// does that. Tokens without a readable exp are kept for defaultTokenTTL.
func (s *adminTokenSource) expiry(raw string) time.Time {
	claims := &jwt.RegisteredClaims{}

	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil || claims.ExpiresAt == nil {
		return s.now().Add(defaultTokenTTL)
	}

	return claims.ExpiresAt.Time
}
