// Package lenovo queries the Lenovo warranty API, authenticated with a ClientID header.
package lenovo

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tech-consulting/assetops/internal/configuration"
	"github.com/tech-consulting/assetops/internal/model"
	"github.com/tech-consulting/assetops/internal/normalize"
	"github.com/tech-consulting/assetops/internal/vendors"
)

const warrantyPath = "warranty"

type warranty struct {
	ID    string `json:"ID"`
	Name  string `json:"Name"`
	Type  string `json:"Type"`
	Start string `json:"Start"`
	End   string `json:"End"`
}

type response struct {
	Serial       string     `json:"Serial"`
	InWarranty   *bool      `json:"InWarranty"`
	Warranty     []warranty `json:"Warranty"`
	ErrorCode    int        `json:"ErrorCode"`
	ErrorMessage string     `json:"ErrorMessage"`
}

type Adapter struct {
	client *vendors.Client
}

func New(opts *configuration.VendorOptions, logger *logrus.Logger) (*Adapter, error) {
	transport, err := vendors.NewTransport(model.VendorLenovo, opts)
	if err != nil {
		return nil, err
	}

	client, err := vendors.NewClient(model.VendorLenovo, opts.BaseURL, transport, logger)
	if err != nil {
		return nil, err
	}

	return &Adapter{client: client}, nil
}

func (a *Adapter) Vendor() model.VendorIdentity {
	return model.VendorLenovo
}

func (a *Adapter) Supports(kind model.OperationKind) bool {
	return kind == model.WarrantyLookup
}

func (a *Adapter) Execute(ctx context.Context, req *model.OperationRequest) (*model.RawVendorResponse, error) {
	if !a.Supports(req.Kind) {
		return nil, vendors.Unsupported(model.VendorLenovo, req.Kind)
	}

	return a.client.Do(ctx, &vendors.Request{
		Kind:   req.Kind,
		Method: http.MethodGet,
		Path:   warrantyPath,
		Query:  url.Values{"Serial": []string{req.Asset.SerialNumber}},
	})
}

type Normalizer struct {
	now func() time.Time
}

func (n Normalizer) Normalize(raw *model.RawVendorResponse) model.OperationOutcome {
	resp := &response{}
	if err := json.Unmarshal(raw.Body, resp); err != nil {
		return normalize.Malformed(model.VendorLenovo, err)
	}

	// Lenovo reports lookup errors with HTTP 200
	if resp.ErrorCode != 0 {
		return model.Failed(model.KindInvalidRequest, fmt.Sprintf("lenovo: error %d: %s", resp.ErrorCode, resp.ErrorMessage))
	}

	var (
		latest *time.Time
		names  []string
	)

	for _, w := range resp.Warranty {
		names = append(names, w.Name)

		end := normalize.ParseDate(w.End)
		if end != nil && (latest == nil || end.After(*latest)) {
			latest = end
		}
	}

	var coverage model.CoverageStatus

	switch {
	case resp.InWarranty != nil && *resp.InWarranty:
		coverage = model.CoverageActive
	case resp.InWarranty != nil:
		coverage = model.CoverageExpired
	default:
		now := time.Now
		if n.now != nil {
			now = n.now
		}

		coverage = normalize.ByExpiration(latest, now())
	}

	return normalize.Warranty(model.VendorLenovo, resp.Serial, coverage, strings.Join(names, ", "), latest)
}
