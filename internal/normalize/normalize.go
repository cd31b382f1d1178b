// Package normalize turns vendor responses into operation outcomes.
package normalize

import (
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"github.com/tech-consulting/assetops/internal/model"
)

// Normalizer decodes the raw responses of one vendor.
// Implementations only ever see responses produced by their own vendor's adapter.
type Normalizer interface {
	Normalize(raw *model.RawVendorResponse) model.OperationOutcome
}

// Func adapts a function to the Normalizer interface.
type Func func(raw *model.RawVendorResponse) model.OperationOutcome

func (f Func) Normalize(raw *model.RawVendorResponse) model.OperationOutcome {
	return f(raw)
}

// Safe runs n on raw and never fails: missing input and panics become MalformedResponse.
func Safe(n Normalizer, raw *model.RawVendorResponse) (outcome model.OperationOutcome) {
	if n == nil || raw == nil {
		return model.Failed(model.KindMalformedResponse, "no response to normalize")
	}

	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("!!panic occurred in normalizer",
				"vendor", raw.Vendor.String(),
				"rec", rec,
				"stack", string(debug.Stack()),
			)

			outcome = model.Failed(model.KindMalformedResponse, fmt.Sprintf("%s: unreadable response", raw.Vendor))
		}
	}()

	if raw.HTTPStatus >= 300 {
		return model.Failed(model.KindForHTTPStatus(raw.HTTPStatus), fmt.Sprintf("%s: HTTP %d", raw.Vendor, raw.HTTPStatus))
	}

	return n.Normalize(raw)
}

// Malformed is the outcome of a payload that could not be decoded.
func Malformed(vendor model.VendorIdentity, err error) model.OperationOutcome {
	return model.Failed(model.KindMalformedResponse, fmt.Sprintf("%s: malformed response: %v", vendor, err))
}

// Vocabulary lists the coverage strings a vendor uses, compared case insensitively.
type Vocabulary struct {
	Active  []string
	Expired []string
}

// Classify maps a vendor coverage string to a coverage status.
// Anything not listed is Unknown.
func (v Vocabulary) Classify(value string) model.CoverageStatus {
	value = strings.TrimSpace(value)
	if value == "" {
		return model.CoverageUnknown
	}

	for _, s := range v.Active {
		if strings.EqualFold(s, value) {
			return model.CoverageActive
		}
	}

	for _, s := range v.Expired {
		if strings.EqualFold(s, value) {
			return model.CoverageExpired
		}
	}

	return model.CoverageUnknown
}

// ByExpiration classifies coverage for vendors that only report an end date.
func ByExpiration(expires *time.Time, now time.Time) model.CoverageStatus {
	switch {
	case expires == nil:
		return model.CoverageUnknown
	case now.Before(*expires):
		return model.CoverageActive
	default:
		return model.CoverageExpired
	}
}

var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02",
	"01/02/2006",
	"2006/01/02",
}

// ParseDate accepts the date formats vendors send, returning nil when none match.
func ParseDate(value string) *time.Time {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}

	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			t = t.UTC()
			return &t
		}
	}

	return nil
}

// Warranty builds the outcome of a successful warranty lookup.
func Warranty(vendor model.VendorIdentity, serial string, coverage model.CoverageStatus, raw string, expires *time.Time) model.OperationOutcome {
	record := &model.WarrantyRecord{
		Vendor:         vendor,
		SerialNumber:   serial,
		CoverageStatus: coverage,
		ExpirationDate: expires,
		Raw:            raw,
	}

	msg := fmt.Sprintf("%s: coverage %s", vendor, coverage)
	if expires != nil {
		msg += " until " + expires.Format("2006-01-02")
	}

	return model.OperationOutcome{
		Status:   model.StatusSuccess,
		Warranty: record,
		Message:  msg,
	}
}
