package vendors

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/pkg/errors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/tech-consulting/assetops/internal/configuration"
	"github.com/tech-consulting/assetops/internal/model"
)

const tokenRequestTimeout = 30 * time.Second

// APIKeyTransport sets a static API key header on every request.
type APIKeyTransport struct {
	Header string
	Key    string
	Base   http.RoundTripper
}

func (t *APIKeyTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}

	clone := req.Clone(req.Context())
	clone.Header.Set(t.Header, t.Key)

	return base.RoundTrip(clone)
}

// TokenTransport sets a bearer token from Source on every request.
//
// Unlike oauth2.Transport, a slow token endpoint never holds a request past its
// context. The token fetch carries on in the background so the reuse cache is
// filled for the next request.
type TokenTransport struct {
	Source oauth2.TokenSource
	Base   http.RoundTripper
}

type tokenResult struct {
	token *oauth2.Token
	err   error
}

func (t *TokenTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}

	fetched := make(chan tokenResult, 1)

	go func() {
		token, err := t.Source.Token()
		fetched <- tokenResult{token: token, err: err}
	}()

	var res tokenResult

	select {
	case res = <-fetched:
	case <-req.Context().Done():
		closeBody(req)
		return nil, req.Context().Err()
	}

	if res.err != nil {
		closeBody(req)
		return nil, res.err
	}

	clone := req.Clone(req.Context())
	res.token.SetAuthHeader(clone)

	return base.RoundTrip(clone)
}

func closeBody(req *http.Request) {
	if req.Body != nil {
		_ = req.Body.Close()
	}
}

// NewTransport returns the authenticating transport of a vendor configured for
// api key, OAuth2 client credentials or no authentication. Session based
// vendors log in themselves and get the plain transport.
func NewTransport(vendor model.VendorIdentity, opts *configuration.VendorOptions) (http.RoundTripper, error) {
	base := http.DefaultTransport

	switch opts.AuthMode {
	case configuration.AuthNone, configuration.AuthSession, "":
		return base, nil
	case configuration.AuthAPIKey:
		return &APIKeyTransport{Header: opts.APIKeyHeader, Key: opts.APIKey, Base: base}, nil
	case configuration.AuthOAuth2:
		return &TokenTransport{Source: ClientCredentials(opts), Base: base}, nil
	default:
		return nil, errors.Wrapf(model.ErrConfig, "%s: unsupported auth mode %q", vendor, opts.AuthMode)
	}
}

// ClientCredentials returns a token source for the OAuth2 client credentials
// grant. Tokens are cached and refreshed shortly before they expire. With an
// OIDC issuer configured the token endpoint is discovered on first use.
func ClientCredentials(opts *configuration.VendorOptions) oauth2.TokenSource {
	// token requests outlive any single vendor call
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, &http.Client{
		Transport: otelhttp.NewTransport(http.DefaultTransport),
		Timeout:   tokenRequestTimeout,
	})

	cfg := clientcredentials.Config{
		ClientID:     opts.ClientID,
		ClientSecret: opts.ClientSecret,
		TokenURL:     opts.TokenURL,
		Scopes:       opts.Scopes,
	}

	if opts.OidcIssuer != "" {
		return oauth2.ReuseTokenSource(nil, &discoveringTokenSource{ctx: ctx, issuer: opts.OidcIssuer, cfg: cfg})
	}

	return oauth2.ReuseTokenSource(nil, cfg.TokenSource(ctx))
}

type discoveringTokenSource struct {
	ctx    context.Context
	issuer string
	cfg    clientcredentials.Config

	mu     sync.Mutex
	source oauth2.TokenSource
}

func (s *discoveringTokenSource) Token() (*oauth2.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.source == nil {
		client, _ := s.ctx.Value(oauth2.HTTPClient).(*http.Client)

		provider, err := oidc.NewProvider(oidc.ClientContext(s.ctx, client), s.issuer)
		if err != nil {
			return nil, errors.Wrapf(ErrCredentials, "token endpoint discovery at %s: %v", s.issuer, err)
		}

		s.cfg.TokenURL = provider.Endpoint().TokenURL
		s.source = s.cfg.TokenSource(s.ctx)
	}

	return s.source.Token()
}
