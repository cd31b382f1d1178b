// Package vendors holds what the per vendor adapters share: the Adapter
// contract, the registry adapters are selected from, the HTTP client with its
// status classification and the authentication transports.
package vendors

import (
	"context"
	"sort"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/pkg/errors"

	"github.com/tech-consulting/assetops/internal/model"
	"github.com/tech-consulting/assetops/internal/normalize"
)

var (
	ErrNotRegistered = errors.New("vendor is not configured")
	ErrCredentials   = errors.New("vendor credentials rejected")
)

// Adapter translates one vendor protocol into raw vendor responses.
type Adapter interface {
	// Vendor is the identity the adapter answers for.
	Vendor() model.VendorIdentity
	// Supports reports whether the vendor implements the operation kind.
	Supports(kind model.OperationKind) bool
	// Execute performs a single attempt of the request.
	Execute(ctx context.Context, req *model.OperationRequest) (*model.RawVendorResponse, error)
}

// Unsupported is returned by adapters asked for an operation their vendor does not offer.
func Unsupported(vendor model.VendorIdentity, kind model.OperationKind) error {
	return model.NewVendorError(vendor, model.KindUnsupportedOperation, errors.Errorf("%s is not supported", kind))
}

type registration struct {
	adapter    Adapter
	normalizer normalize.Normalizer
}

// Registry selects the adapter and normalizer of a vendor.
type Registry struct {
	mu      sync.RWMutex
	entries map[model.VendorIdentity]registration
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[model.VendorIdentity]registration)}
}

// Register adds or replaces the adapter of a vendor along with its normalizer.
func (r *Registry) Register(adapter Adapter, normalizer normalize.Normalizer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries[adapter.Vendor()] = registration{adapter: adapter, normalizer: normalizer}
}

// Adapter returns the adapter of vendor.
func (r *Registry) Adapter(vendor model.VendorIdentity) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.entries[vendor]
	if !ok {
		return nil, model.NewVendorError(vendor, model.KindInvalidRequest, ErrNotRegistered)
	}

	return reg.adapter, nil
}

// Normalizer returns the normalizer of vendor, nil when the vendor is not registered.
func (r *Registry) Normalizer(vendor model.VendorIdentity) normalize.Normalizer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.entries[vendor].normalizer
}

// Supporting returns the registered vendors implementing kind.
func (r *Registry) Supporting(kind model.OperationKind) mapset.Set[model.VendorIdentity] {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := mapset.NewThreadUnsafeSet[model.VendorIdentity]()
	for vendor, reg := range r.entries {
		if reg.adapter.Supports(kind) {
			set.Add(vendor)
		}
	}

	return set
}

// Sorted returns the vendors of set in the fixed vendor order.
func Sorted(set mapset.Set[model.VendorIdentity]) []model.VendorIdentity {
	vendors := set.ToSlice()
	sort.Slice(vendors, func(i, j int) bool {
		if vendors[i].Order() != vendors[j].Order() {
			return vendors[i].Order() < vendors[j].Order()
		}

		return vendors[i] < vendors[j]
	})

	return vendors
}
