// Package safeware queries Safeware insurance coverage for a device.
// The API keeps a login session in a cookie.
package safeware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/publicsuffix"

	"github.com/tech-consulting/assetops/internal/configuration"
	"github.com/tech-consulting/assetops/internal/model"
	"github.com/tech-consulting/assetops/internal/normalize"
	"github.com/tech-consulting/assetops/internal/vendors"
)

const (
	loginPath    = "api/login"
	coveragePath = "api/policies/coverage"
)

var vocabulary = normalize.Vocabulary{
	Active:  []string{"In Force", "Active", "Covered"},
	Expired: []string{"Lapsed", "Expired", "Cancelled", "Terminated"},
}

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type coverage struct {
	Serial       string `json:"serial"`
	PolicyNumber string `json:"policyNumber"`
	PolicyStatus string `json:"policyStatus"`
	Expires      string `json:"expires"`
	Found        *bool  `json:"found,omitempty"`
}

type Adapter struct {
	client *vendors.Client
	creds  credentials

	mu sync.Mutex
	// session numbers the current login, zero when logged out
	session uint64
	logins  uint64
}

func New(opts *configuration.VendorOptions, logger *logrus.Logger) (*Adapter, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create cookie jar")
	}

	transport, err := vendors.NewTransport(model.VendorSafeware, opts)
	if err != nil {
		return nil, err
	}

	client, err := vendors.NewClient(model.VendorSafeware, opts.BaseURL, transport, logger, vendors.WithCookieJar(jar))
	if err != nil {
		return nil, err
	}

	return &Adapter{
		client: client,
		creds:  credentials{Username: opts.Username, Password: opts.Password},
	}, nil
}

func (a *Adapter) Vendor() model.VendorIdentity {
	return model.VendorSafeware
}

func (a *Adapter) Supports(kind model.OperationKind) bool {
	return kind == model.WarrantyLookup
}

// Execute logs in when there is no session and logs in again once when the session expired.
func (a *Adapter) Execute(ctx context.Context, req *model.OperationRequest) (*model.RawVendorResponse, error) {
	if !a.Supports(req.Kind) {
		return nil, vendors.Unsupported(model.VendorSafeware, req.Kind)
	}

	session, err := a.ensureSession(ctx, 0)
	if err != nil {
		return nil, err
	}

	raw, err := a.coverage(ctx, req)
	if raw == nil || raw.HTTPStatus != http.StatusUnauthorized {
		return raw, err
	}

	a.client.Logger().Debug("session expired, logging in again")

	if _, err := a.ensureSession(ctx, session); err != nil {
		return nil, err
	}

	return a.coverage(ctx, req)
}

func (a *Adapter) coverage(ctx context.Context, req *model.OperationRequest) (*model.RawVendorResponse, error) {
	return a.client.Do(ctx, &vendors.Request{
		Kind:   req.Kind,
		Method: http.MethodGet,
		Path:   coveragePath,
		Query:  url.Values{"serial": []string{req.Asset.SerialNumber}},
	})
}

// ensureSession returns the current session, logging in when there is none or
// when the current one is expired. Concurrent callers that saw the same session
// expire share one login.
func (a *Adapter) ensureSession(ctx context.Context, expired uint64) (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.session != 0 && a.session != expired {
		return a.session, nil
	}

	a.session = 0

	r := &vendors.Request{Method: http.MethodPost, Path: loginPath}
	if err := r.JSON(a.creds); err != nil {
		return 0, err
	}

	if _, err := a.client.Do(ctx, r); err != nil {
		if model.KindOf(err) == model.KindAuth {
			return 0, model.NewVendorError(model.VendorSafeware, model.KindAuth, errors.Wrap(vendors.ErrCredentials, err.Error()))
		}

		return 0, err
	}

	a.logins++
	a.session = a.logins

	return a.session, nil
}

type Normalizer struct{}

func (Normalizer) Normalize(raw *model.RawVendorResponse) model.OperationOutcome {
	c := &coverage{}
	if err := json.Unmarshal(raw.Body, c); err != nil {
		return normalize.Malformed(model.VendorSafeware, err)
	}

	if c.Found != nil && !*c.Found {
		return model.Failed(model.KindInvalidRequest, "safeware: no policy covers "+c.Serial)
	}

	return normalize.Warranty(
		model.VendorSafeware,
		c.Serial,
		vocabulary.Classify(c.PolicyStatus),
		c.PolicyStatus,
		normalize.ParseDate(c.Expires),
	)
}
