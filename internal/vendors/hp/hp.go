// Package hp queries the HP product warranty API with OAuth2 client credentials.
package hp

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/tech-consulting/assetops/internal/configuration"
	"github.com/tech-consulting/assetops/internal/model"
	"github.com/tech-consulting/assetops/internal/normalize"
	"github.com/tech-consulting/assetops/internal/vendors"
)

const queriesPath = "productWarranty/v2/queries"

var vocabulary = normalize.Vocabulary{
	Active:  []string{"Active", "In Warranty", "Covered"},
	Expired: []string{"Expired", "Out of Warranty", "Not Covered", "Inactive"},
}

type query struct {
	SerialNumber string `json:"sn"`
	ProductNum   string `json:"pn,omitempty"`
}

type result struct {
	SerialNumber string `json:"sn"`
	Status       string `json:"status"`
	Type         string `json:"type"`
	StartDate    string `json:"startDate"`
	EndDate      string `json:"endDate"`
	Message      string `json:"message,omitempty"`
}

type Adapter struct {
	client *vendors.Client
}

func New(opts *configuration.VendorOptions, logger *logrus.Logger) (*Adapter, error) {
	transport, err := vendors.NewTransport(model.VendorHP, opts)
	if err != nil {
		return nil, err
	}

	client, err := vendors.NewClient(model.VendorHP, opts.BaseURL, transport, logger)
	if err != nil {
		return nil, err
	}

	return &Adapter{client: client}, nil
}

func (a *Adapter) Vendor() model.VendorIdentity {
	return model.VendorHP
}

func (a *Adapter) Supports(kind model.OperationKind) bool {
	return kind == model.WarrantyLookup
}

func (a *Adapter) Execute(ctx context.Context, req *model.OperationRequest) (*model.RawVendorResponse, error) {
	if !a.Supports(req.Kind) {
		return nil, vendors.Unsupported(model.VendorHP, req.Kind)
	}

	r := &vendors.Request{
		Kind:   req.Kind,
		Method: http.MethodPost,
		Path:   queriesPath,
	}

	if err := r.JSON([]query{{SerialNumber: req.Asset.SerialNumber}}); err != nil {
		return nil, err
	}

	return a.client.Do(ctx, r)
}

type Normalizer struct {
	now func() time.Time
}

func (n Normalizer) Normalize(raw *model.RawVendorResponse) model.OperationOutcome {
	var results []result
	if err := json.Unmarshal(raw.Body, &results); err != nil {
		return normalize.Malformed(model.VendorHP, err)
	}

	if len(results) == 0 {
		return normalize.Malformed(model.VendorHP, errors.New("empty query result"))
	}

	r := results[0]
	if r.Status == "" && r.EndDate == "" {
		// HP answers unknown serials with a message and no coverage
		return model.Failed(model.KindInvalidRequest, "hp: "+strings.TrimSpace(r.Message+" "+r.SerialNumber))
	}

	expires := normalize.ParseDate(r.EndDate)

	coverage := vocabulary.Classify(r.Status)
	if r.Status == "" {
		now := time.Now
		if n.now != nil {
			now = n.now
		}

		coverage = normalize.ByExpiration(expires, now())
	}

	rawText := r.Status
	if r.Type != "" {
		rawText = strings.TrimSpace(r.Status + " (" + r.Type + ")")
	}

	return normalize.Warranty(model.VendorHP, r.SerialNumber, coverage, rawText, expires)
}
