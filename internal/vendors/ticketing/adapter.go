// Package ticketing talks to the ticketing platform that owns tickets and the
// asset inventory used by the loan workflow.
package ticketing

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/tech-consulting/assetops/internal/configuration"
	"github.com/tech-consulting/assetops/internal/model"
	"github.com/tech-consulting/assetops/internal/vendors"
)

const (
	lastInventoriedAttr = "Last Inventoried"
	checkedOutComment   = "Checked out by Tech Consulting"
	checkedInComment    = "Checked in by Tech Consulting"

	// maxPages guards against a platform that never stops returning a cursor.
	maxPages = 100
)

var (
	ErrAssetNotFound  = errors.New("asset not found")
	ErrAmbiguousAsset = errors.New("asset tag matches more than one asset")
)

// Adapter implements check-out and check-in against the ticketing platform.
// Ticket and Asset are the reads the loan workflow validates and confirms with.
type Adapter struct {
	client *vendors.Client
	opts   *configuration.TicketingOptions
	now    func() time.Time
}

// New returns an adapter authenticating with a bearer token.
func New(opts *configuration.TicketingOptions, logger *logrus.Logger) (*Adapter, error) {
	transport := &vendors.TokenTransport{Source: tokenSource(opts), Base: http.DefaultTransport}

	client, err := vendors.NewClient(model.VendorTicketing, opts.BaseURL, transport, logger)
	if err != nil {
		return nil, err
	}

	return &Adapter{client: client, opts: opts, now: time.Now}, nil
}

func (a *Adapter) Vendor() model.VendorIdentity {
	return model.VendorTicketing
}

func (a *Adapter) Supports(kind model.OperationKind) bool {
	return kind == model.CheckOut || kind == model.CheckIn
}

// Ticket looks up a ticket by id.
func (a *Adapter) Ticket(ctx context.Context, id string) (*model.Ticket, error) {
	raw, err := a.client.Do(ctx, &vendors.Request{
		Method: http.MethodGet,
		Path:   a.ticketPath(id),
	})
	if err != nil {
		return nil, err
	}

	t := &ticket{}
	if err := a.decode(raw, t); err != nil {
		return nil, err
	}

	return t.toModel(), nil
}

// TicketAssets lists every asset attached to a ticket, following the page cursor.
func (a *Adapter) TicketAssets(ctx context.Context, id string) ([]*model.AssetState, error) {
	var (
		assets []*model.AssetState
		cursor string
	)

	for page := 0; page < maxPages; page++ {
		query := url.Values{}
		if cursor != "" {
			query.Set("cursor", cursor)
		}

		raw, err := a.client.Do(ctx, &vendors.Request{
			Method: http.MethodGet,
			Path:   a.ticketPath(id, "assets"),
			Query:  query,
		})
		if err != nil {
			return nil, err
		}

		p := &assetPage{}
		if err := a.decode(raw, p); err != nil {
			return nil, err
		}

		for i := range p.Items {
			assets = append(assets, p.Items[i].toModel())
		}

		if p.NextCursor == "" {
			return assets, nil
		}

		cursor = p.NextCursor
	}

	return nil, model.NewVendorError(model.VendorTicketing, model.KindMalformedResponse,
		errors.Errorf("ticket %s assets did not end after %d pages", id, maxPages))
}

// Asset resolves an asset by tag, or by serial number when no tag is given, and reads it in full.
func (a *Adapter) Asset(ctx context.Context, ref model.AssetRef) (*model.AssetState, error) {
	found, err := a.resolve(ctx, ref)
	if err != nil {
		return nil, err
	}

	return found.toModel(), nil
}

// Execute performs a check-out or check-in: attach the asset to the ticket,
// update the asset and close the ticket. The raw response carries the updated asset.
func (a *Adapter) Execute(ctx context.Context, req *model.OperationRequest) (*model.RawVendorResponse, error) {
	if !a.Supports(req.Kind) {
		return nil, vendors.Unsupported(model.VendorTicketing, req.Kind)
	}

	start := a.now()

	current, err := a.resolve(ctx, req.Asset)
	if err != nil {
		return nil, err
	}

	ticketID := req.Asset.TicketID
	if ticketID != "" {
		if err := a.attach(ctx, req, ticketID, current); err != nil {
			return nil, err
		}
	}

	raw, err := a.update(ctx, req, current)
	if err != nil {
		return raw, err
	}

	if ticketID != "" {
		comment := checkedOutComment
		if req.Kind == model.CheckIn {
			comment = checkedInComment
		}

		if err := a.closeTicket(ctx, req, ticketID, comment); err != nil {
			return nil, err
		}
	}

	raw.Kind = req.Kind
	raw.Latency = a.now().Sub(start)

	return raw, nil
}

func (a *Adapter) resolve(ctx context.Context, ref model.AssetRef) (*asset, error) {
	if err := ref.Validate(); err != nil {
		return nil, model.NewVendorError(model.VendorTicketing, model.KindInvalidRequest, err)
	}

	search := &vendors.Request{
		Method: http.MethodPost,
		Path:   a.assetPath("search"),
	}

	term := ref.AssetTag
	if term == "" {
		term = ref.SerialNumber
	}

	if err := search.JSON(assetSearch{SearchText: term}); err != nil {
		return nil, err
	}

	raw, err := a.client.Do(ctx, search)
	if err != nil {
		return nil, err
	}

	var results []asset
	if err := a.decode(raw, &results); err != nil {
		return nil, err
	}

	var match *asset

	for i := range results {
		candidate := &results[i]

		matched := strings.EqualFold(candidate.Tag, ref.AssetTag)
		if ref.AssetTag == "" {
			matched = strings.EqualFold(candidate.SerialNumber, ref.SerialNumber)
		}

		if !matched {
			continue
		}

		if match != nil {
			return nil, model.NewVendorError(model.VendorTicketing, model.KindInvalidRequest, errors.Wrap(ErrAmbiguousAsset, term))
		}

		match = candidate
	}

	if match == nil {
		return nil, model.NewVendorError(model.VendorTicketing, model.KindInvalidRequest, errors.Wrap(ErrAssetNotFound, term))
	}

	raw, err = a.client.Do(ctx, &vendors.Request{
		Method: http.MethodGet,
		Path:   a.assetPath(fmt.Sprint(match.ID)),
	})
	if err != nil {
		return nil, err
	}

	full := &asset{}
	if err := a.decode(raw, full); err != nil {
		return nil, err
	}

	return full, nil
}

func (a *Adapter) attach(ctx context.Context, req *model.OperationRequest, ticketID string, target *asset) error {
	attached, err := a.TicketAssets(ctx, ticketID)
	if err != nil {
		return err
	}

	for _, existing := range attached {
		if existing.ID == fmt.Sprint(target.ID) {
			return nil
		}
	}

	_, err = a.client.Do(ctx, &vendors.Request{
		Method: http.MethodPost,
		Path:   a.ticketPath(ticketID, "assets", fmt.Sprint(target.ID)),
		Header: a.idempotencyHeader(req, "attach"),
	})

	// an earlier attempt already attached it
	if model.KindOf(err) == model.KindDuplicateOperation {
		return nil
	}

	return err
}

func (a *Adapter) update(ctx context.Context, req *model.OperationRequest, current *asset) (*model.RawVendorResponse, error) {
	updated := *current
	updated.Attributes = append([]attribute(nil), current.Attributes...)
	updated.Notes = req.Notes

	switch req.Kind {
	case model.CheckOut:
		updated.LocationName = a.opts.CheckOutLocation
		updated.StatusName = a.opts.CheckOutStatus
		updated.OwningCustomerID = req.Owner
	case model.CheckIn:
		updated.LocationName = a.opts.CheckInLocation
		updated.StatusName = a.opts.CheckInStatus
		updated.OwningCustomerID = ""
	}

	updated.setAttribute(lastInventoriedAttr, a.now().Format("2006-01-02"))

	r := &vendors.Request{
		Kind:   req.Kind,
		Method: http.MethodPost,
		Path:   a.assetPath(fmt.Sprint(current.ID)),
		Header: a.idempotencyHeader(req, "update"),
	}

	if err := r.JSON(&updated); err != nil {
		return nil, err
	}

	return a.client.Do(ctx, r)
}

func (a *Adapter) closeTicket(ctx context.Context, req *model.OperationRequest, ticketID, comment string) error {
	r := &vendors.Request{
		Method: http.MethodPost,
		Path:   a.ticketPath(ticketID, "feed"),
		Header: a.idempotencyHeader(req, "feed"),
	}

	if err := r.JSON(feedEntry{NewStatusName: a.opts.ClosedStatus, Comments: comment}); err != nil {
		return err
	}

	_, err := a.client.Do(ctx, r)

	return err
}

// idempotencyHeader derives one key per sub request from the request key.
func (a *Adapter) idempotencyHeader(req *model.OperationRequest, step string) http.Header {
	if a.opts.IdempotencyHeader == "" || req.IdempotencyKey == "" {
		return nil
	}

	h := http.Header{}
	h.Set(a.opts.IdempotencyHeader, req.IdempotencyKey+"-"+step)

	return h
}

func (a *Adapter) decode(raw *model.RawVendorResponse, v any) error {
	if err := json.Unmarshal(raw.Body, v); err != nil {
		return model.NewVendorError(model.VendorTicketing, model.KindMalformedResponse, errors.Wrap(err, "decode response"))
	}

	return nil
}

func (a *Adapter) ticketPath(id string, parts ...string) string {
	return path("api", a.opts.TicketApp, "tickets", id, parts...)
}

func (a *Adapter) assetPath(parts ...string) string {
	return path("api", a.opts.AssetApp, "assets", "", parts...)
}

func path(prefix, app, resource, id string, parts ...string) string {
	segments := []string{prefix, url.PathEscape(app), resource}
	if id != "" {
		segments = append(segments, url.PathEscape(id))
	}

	for _, p := range parts {
		segments = append(segments, url.PathEscape(p))
	}

	return strings.Join(segments, "/")
}
