// Package dell queries Dell asset entitlements.
//
// Dell reports entitlements with start and end dates only, coverage is derived
// from the latest end date. The token endpoint is either configured or
// discovered from the OIDC issuer.
package dell

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/tech-consulting/assetops/internal/configuration"
	"github.com/tech-consulting/assetops/internal/model"
	"github.com/tech-consulting/assetops/internal/normalize"
	"github.com/tech-consulting/assetops/internal/vendors"
)

const entitlementsPath = "asset-entitlements"

type entitlement struct {
	ServiceLevelDescription string `json:"serviceLevelDescription"`
	EntitlementType         string `json:"entitlementType"`
	StartDate               string `json:"startDate"`
	EndDate                 string `json:"endDate"`
}

type assetEntitlements struct {
	ServiceTag   string        `json:"serviceTag"`
	Invalid      bool          `json:"invalid"`
	Entitlements []entitlement `json:"entitlements"`
}

type Adapter struct {
	client *vendors.Client
}

func New(opts *configuration.VendorOptions, logger *logrus.Logger) (*Adapter, error) {
	transport, err := vendors.NewTransport(model.VendorDell, opts)
	if err != nil {
		return nil, err
	}

	client, err := vendors.NewClient(model.VendorDell, opts.BaseURL, transport, logger)
	if err != nil {
		return nil, err
	}

	return &Adapter{client: client}, nil
}

func (a *Adapter) Vendor() model.VendorIdentity {
	return model.VendorDell
}

func (a *Adapter) Supports(kind model.OperationKind) bool {
	return kind == model.WarrantyLookup
}

func (a *Adapter) Execute(ctx context.Context, req *model.OperationRequest) (*model.RawVendorResponse, error) {
	if !a.Supports(req.Kind) {
		return nil, vendors.Unsupported(model.VendorDell, req.Kind)
	}

	return a.client.Do(ctx, &vendors.Request{
		Kind:   req.Kind,
		Method: http.MethodGet,
		Path:   entitlementsPath,
		Query:  url.Values{"servicetags": []string{req.Asset.SerialNumber}},
	})
}

type Normalizer struct {
	now func() time.Time
}

func (n Normalizer) Normalize(raw *model.RawVendorResponse) model.OperationOutcome {
	var assets []assetEntitlements
	if err := json.Unmarshal(raw.Body, &assets); err != nil {
		return normalize.Malformed(model.VendorDell, err)
	}

	if len(assets) == 0 {
		return normalize.Malformed(model.VendorDell, errors.New("no asset in response"))
	}

	a := assets[0]
	if a.Invalid {
		return model.Failed(model.KindInvalidRequest, "dell: service tag not recognized: "+a.ServiceTag)
	}

	var (
		latest      *time.Time
		description string
	)

	for _, e := range a.Entitlements {
		end := normalize.ParseDate(e.EndDate)
		if end == nil {
			continue
		}

		if latest == nil || end.After(*latest) {
			latest = end
			description = e.ServiceLevelDescription
		}
	}

	now := time.Now
	if n.now != nil {
		now = n.now
	}

	return normalize.Warranty(model.VendorDell, a.ServiceTag, normalize.ByExpiration(latest, now()), description, latest)
}
