package model

import (
	"strings"
	"time"
)

const (
	AppName = "assetops"
)

// VendorIdentity names one external system the engine talks to.
type VendorIdentity string

const (
	VendorTicketing VendorIdentity = "ticketing"
	VendorApple     VendorIdentity = "apple"
	VendorHP        VendorIdentity = "hp"
	VendorDell      VendorIdentity = "dell"
	VendorLenovo    VendorIdentity = "lenovo"
	VendorSafeware  VendorIdentity = "safeware"
)

// Vendors lists every supported vendor in a fixed order.
// Fan-out results are reported in this order.
var Vendors = []VendorIdentity{
	VendorTicketing,
	VendorApple,
	VendorHP,
	VendorDell,
	VendorLenovo,
	VendorSafeware,
}

// WarrantyVendors are the vendors that answer warranty lookups.
var WarrantyVendors = []VendorIdentity{
	VendorApple,
	VendorHP,
	VendorDell,
	VendorLenovo,
	VendorSafeware,
}

func (v VendorIdentity) String() string {
	return string(v)
}

// ParseVendor returns the VendorIdentity for the given name.
func ParseVendor(name string) (VendorIdentity, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, v := range Vendors {
		if string(v) == name {
			return v, nil
		}
	}

	return "", ErrUnknownVendor
}

// Order returns the position of the vendor in Vendors, unknown vendors sort last.
func (v VendorIdentity) Order() int {
	for i, known := range Vendors {
		if known == v {
			return i
		}
	}

	return len(Vendors)
}

type OperationKind string

const (
	CheckOut       OperationKind = "checkout"
	CheckIn        OperationKind = "checkin"
	WarrantyLookup OperationKind = "warranty_lookup"
)

// AssetRef identifies a physical asset across systems.
// SerialNumber is the join key between vendors, AssetTag is local to the ticketing platform.
type AssetRef struct {
	AssetTag     string `json:"asset_tag,omitempty"`
	SerialNumber string `json:"serial_number,omitempty"`
	TicketID     string `json:"ticket_id,omitempty"`
}

// Validate requires at least one identifier.
func (a AssetRef) Validate() error {
	if strings.TrimSpace(a.AssetTag) == "" && strings.TrimSpace(a.SerialNumber) == "" {
		return ErrMissingAssetIdentifier
	}

	if a.AssetTag != "" && !ValidAssetTag(a.AssetTag) {
		return ErrInvalidAssetTag
	}

	return nil
}

func (a AssetRef) AsLogFields() []any {
	return []any{
		"asset_tag", a.AssetTag,
		"serial", a.SerialNumber,
		"ticket_id", a.TicketID,
	}
}

// OperationRequest is created once per caller invocation and not modified after dispatch.
//
// nolint:govet // prefer to keep field ordering as is
type OperationRequest struct {
	Vendor VendorIdentity `json:"vendor"`
	Kind   OperationKind  `json:"kind"`
	Asset  AssetRef       `json:"asset"`
	Actor  string         `json:"actor,omitempty"`

	// Owner and Notes are filled in by the loan workflow from the validated ticket.
	Owner string `json:"owner,omitempty"`
	Notes string `json:"notes,omitempty"`

	// IdempotencyKey is sent to vendors that accept one.
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

func (r *OperationRequest) AsLogFields() []any {
	return append([]any{
		"vendor", r.Vendor.String(),
		"kind", string(r.Kind),
		"actor", r.Actor,
	}, r.Asset.AsLogFields()...)
}

// RawVendorResponse is the vendor specific payload of one adapter call.
// Only the normalizer of the matching vendor decodes Body.
type RawVendorResponse struct {
	Vendor      VendorIdentity
	Kind        OperationKind
	HTTPStatus  int
	SOAPFault   string
	ContentType string
	Body        []byte
	Latency     time.Duration
	Attempts    int
}

type Status string

const (
	StatusSuccess  Status = "success"
	StatusFailed   Status = "failed"
	StatusDegraded Status = "degraded"
)

type CoverageStatus string

const (
	CoverageActive  CoverageStatus = "active"
	CoverageExpired CoverageStatus = "expired"
	CoverageUnknown CoverageStatus = "unknown"
)

// WarrantyRecord is built once per successful lookup and never modified.
type WarrantyRecord struct {
	Vendor         VendorIdentity `json:"vendor"`
	SerialNumber   string         `json:"serial_number"`
	CoverageStatus CoverageStatus `json:"coverage_status"`
	ExpirationDate *time.Time     `json:"expiration_date,omitempty"`
	Raw            string         `json:"raw,omitempty"`
}

// OperationOutcome is the vendor independent result of one request.
type OperationOutcome struct {
	Status    Status          `json:"status"`
	ErrorKind ErrorKind       `json:"error_kind,omitempty"`
	Warranty  *WarrantyRecord `json:"warranty,omitempty"`
	Message   string          `json:"message"`
}

func (o OperationOutcome) AsLogFields() []any {
	return []any{
		"status", string(o.Status),
		"error_kind", string(o.ErrorKind),
		"message", o.Message,
	}
}

// Succeeded returns a Success outcome.
func Succeeded(message string) OperationOutcome {
	return OperationOutcome{Status: StatusSuccess, Message: message}
}

// Failed returns a Failed outcome of the given kind.
func Failed(kind ErrorKind, message string) OperationOutcome {
	return OperationOutcome{Status: StatusFailed, ErrorKind: kind, Message: message}
}

// FailedWithError returns a Failed outcome classified from err.
func FailedWithError(err error) OperationOutcome {
	return Failed(KindOf(err), err.Error())
}

// Ticket is the part of a ticketing platform ticket the loan workflow reads.
type Ticket struct {
	ID           string            `json:"id"`
	Title        string            `json:"title"`
	StatusName   string            `json:"status_name"`
	RequestorUID string            `json:"requestor_uid"`
	Attributes   map[string]string `json:"attributes,omitempty"`
}

// AssetState is the ticketing platform view of an asset.
type AssetState struct {
	ID           string `json:"id"`
	Tag          string `json:"tag"`
	SerialNumber string `json:"serial_number"`
	StatusName   string `json:"status_name"`
	LocationName string `json:"location_name"`
	OwnerUID     string `json:"owner_uid,omitempty"`
}

type Args struct {
	LogLevel        string
	ConfigFile      string
	Actor           string
	EnableProfiling bool
	DryRun          bool
}
