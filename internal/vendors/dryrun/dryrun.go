// Package dryrun simulates the ticketing platform and the warranty vendors in memory.
package dryrun

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/tech-consulting/assetops/internal/configuration"
	"github.com/tech-consulting/assetops/internal/model"
	"github.com/tech-consulting/assetops/internal/normalize"
	"github.com/tech-consulting/assetops/internal/vendors"
)

var (
	errTicketNotFound = errors.New("dryrun ticketing couldnt find ticket")
	errVendorDown     = errors.New("dryrun vendor simulated outage")
)

// simulated is the payload every simulated vendor answers with.
type simulated struct {
	Vendor   model.VendorIdentity `json:"vendor"`
	Serial   string               `json:"serial,omitempty"`
	Coverage string               `json:"coverage,omitempty"`
	Expires  string               `json:"expires,omitempty"`
	Asset    *model.AssetState    `json:"asset,omitempty"`
}

// Ticketing is a simulated implementation of the ticketing platform.
type Ticketing struct {
	opts *configuration.TicketingOptions

	mu      sync.Mutex
	tickets map[string]*model.Ticket
	assets  map[string]*model.AssetState
}

// NewTicketing returns a platform seeded with an open and a closed loan ticket.
func NewTicketing(opts *configuration.TicketingOptions) *Ticketing {
	t := &Ticketing{
		opts: opts,
		tickets: map[string]*model.Ticket{
			"1000": {
				ID: "1000", Title: "Loaner laptop", StatusName: firstOr(opts.OpenStatuses, "Open"), RequestorUID: "bjensen",
				Attributes: map[string]string{opts.LoanLengthAttr: "Fall 2026"},
			},
			"1001": {ID: "1001", Title: "Returned loaner", StatusName: opts.ClosedStatus, RequestorUID: "bjensen"},
		},
		assets: map[string]*model.AssetState{},
	}

	return t
}

func (t *Ticketing) Vendor() model.VendorIdentity {
	return model.VendorTicketing
}

func (t *Ticketing) Supports(kind model.OperationKind) bool {
	return kind == model.CheckOut || kind == model.CheckIn
}

// Ticket simulates a ticket lookup.
func (t *Ticketing) Ticket(_ context.Context, id string) (*model.Ticket, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ticket, ok := t.tickets[id]
	if !ok {
		return nil, &model.VendorError{Kind: model.KindInvalidRequest, Vendor: model.VendorTicketing, HTTPStatus: http.StatusNotFound, Err: errTicketNotFound}
	}

	copied := *ticket

	return &copied, nil
}

// Asset returns the simulated asset, creating it in its checked in state on first use.
func (t *Ticketing) Asset(_ context.Context, ref model.AssetRef) (*model.AssetState, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	asset, err := t.getAsset(ref)
	if err != nil {
		return nil, err
	}

	copied := *asset

	return &copied, nil
}

// Execute simulates a check-out or check-in and closes the ticket.
func (t *Ticketing) Execute(_ context.Context, req *model.OperationRequest) (*model.RawVendorResponse, error) {
	if !t.Supports(req.Kind) {
		return nil, vendors.Unsupported(model.VendorTicketing, req.Kind)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	asset, err := t.getAsset(req.Asset)
	if err != nil {
		return nil, err
	}

	switch req.Kind {
	case model.CheckOut:
		asset.LocationName = t.opts.CheckOutLocation
		asset.StatusName = t.opts.CheckOutStatus
		asset.OwnerUID = req.Owner
	case model.CheckIn:
		asset.LocationName = t.opts.CheckInLocation
		asset.StatusName = t.opts.CheckInStatus
		asset.OwnerUID = ""
	}

	if ticket, ok := t.tickets[req.Asset.TicketID]; ok {
		ticket.StatusName = t.opts.ClosedStatus
	}

	copied := *asset

	return respond(req, simulated{Vendor: model.VendorTicketing, Asset: &copied})
}

// getAsset must be called with mu held.
func (t *Ticketing) getAsset(ref model.AssetRef) (*model.AssetState, error) {
	if err := ref.Validate(); err != nil {
		return nil, model.NewVendorError(model.VendorTicketing, model.KindInvalidRequest, err)
	}

	key := strings.ToUpper(ref.AssetTag)
	if key == "" {
		key = strings.ToUpper(ref.SerialNumber)
	}

	asset, ok := t.assets[key]
	if !ok {
		asset = t.defaultAsset(ref)
		t.assets[key] = asset
	}

	return asset, nil
}

func (t *Ticketing) defaultAsset(ref model.AssetRef) *model.AssetState {
	return &model.AssetState{
		ID:           strconv.FormatUint(uint64(fnv32(ref.AssetTag+ref.SerialNumber)), 10),
		Tag:          strings.ToUpper(ref.AssetTag),
		SerialNumber: ref.SerialNumber,
		StatusName:   t.opts.CheckInStatus,
		LocationName: t.opts.CheckInLocation,
	}
}

// Warranty simulates a warranty vendor. Coverage is derived from the serial
// number: serials starting with EXP are expired, ERR fails with a server
// error, SLOW never answers before the deadline and anything else is active.
type Warranty struct {
	vendor model.VendorIdentity
	now    func() time.Time
}

func NewWarranty(vendor model.VendorIdentity) *Warranty {
	return &Warranty{vendor: vendor, now: time.Now}
}

func (w *Warranty) Vendor() model.VendorIdentity {
	return w.vendor
}

func (w *Warranty) Supports(kind model.OperationKind) bool {
	return kind == model.WarrantyLookup
}

func (w *Warranty) Execute(ctx context.Context, req *model.OperationRequest) (*model.RawVendorResponse, error) {
	if !w.Supports(req.Kind) {
		return nil, vendors.Unsupported(w.vendor, req.Kind)
	}

	serial := strings.ToUpper(req.Asset.SerialNumber)

	switch {
	case strings.HasPrefix(serial, "ERR"):
		return nil, &model.VendorError{Kind: model.KindVendorServer, Vendor: w.vendor, HTTPStatus: http.StatusServiceUnavailable, Err: errVendorDown}
	case strings.HasPrefix(serial, "SLOW"):
		<-ctx.Done()
		return nil, ctx.Err()
	}

	// a stable, serial dependent remaining term
	days := 30 + int(fnv32(serial)%700)
	expires := w.now().AddDate(0, 0, days)
	coverage := "active"

	if strings.HasPrefix(serial, "EXP") {
		expires = w.now().AddDate(0, 0, -days)
		coverage = "expired"
	}

	return respond(req, simulated{
		Vendor:   w.vendor,
		Serial:   req.Asset.SerialNumber,
		Coverage: coverage,
		Expires:  expires.Format("2006-01-02"),
	})
}

func respond(req *model.OperationRequest, payload simulated) (*model.RawVendorResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal simulated response")
	}

	return &model.RawVendorResponse{
		Vendor:      payload.Vendor,
		Kind:        req.Kind,
		HTTPStatus:  http.StatusOK,
		ContentType: "application/json",
		Body:        body,
	}, nil
}

var vocabulary = normalize.Vocabulary{
	Active:  []string{"active"},
	Expired: []string{"expired"},
}

// Normalizer decodes simulated responses of every vendor.
type Normalizer struct{}

func (Normalizer) Normalize(raw *model.RawVendorResponse) model.OperationOutcome {
	payload := &simulated{}
	if err := json.Unmarshal(raw.Body, payload); err != nil {
		return normalize.Malformed(raw.Vendor, err)
	}

	if payload.Asset != nil {
		verb := "checked out"
		if raw.Kind == model.CheckIn {
			verb = "checked in"
		}

		return model.Succeeded(payload.Asset.Tag + " " + verb + ": " + payload.Asset.StatusName + " at " + payload.Asset.LocationName + " (dry run)")
	}

	return normalize.Warranty(raw.Vendor, payload.Serial, vocabulary.Classify(payload.Coverage), payload.Coverage, normalize.ParseDate(payload.Expires))
}

func firstOr(values []string, fallback string) string {
	if len(values) == 0 {
		return fallback
	}

	return values[0]
}

func fnv32(s string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))

	return h.Sum32()
}
