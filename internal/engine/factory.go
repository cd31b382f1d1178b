package engine

import (
	"log/slog"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/tech-consulting/assetops/internal/configuration"
	"github.com/tech-consulting/assetops/internal/model"
	"github.com/tech-consulting/assetops/internal/resilience"
	"github.com/tech-consulting/assetops/internal/vendors"
	"github.com/tech-consulting/assetops/internal/vendors/apple"
	"github.com/tech-consulting/assetops/internal/vendors/dell"
	"github.com/tech-consulting/assetops/internal/vendors/dryrun"
	"github.com/tech-consulting/assetops/internal/vendors/hp"
	"github.com/tech-consulting/assetops/internal/vendors/lenovo"
	"github.com/tech-consulting/assetops/internal/vendors/safeware"
	"github.com/tech-consulting/assetops/internal/vendors/ticketing"
)

// NewFromConfig builds the vendor adapters, their resilience table and the engine.
// With DryRun set every vendor is simulated in memory.
func NewFromConfig(cfg *configuration.Configuration, logger *logrus.Logger) (*Engine, error) {
	registry := vendors.NewRegistry()
	table := resilience.TableFromConfig(cfg)

	if cfg.DryRun {
		slog.Warn("Running vendors in dry run mode")

		loans := dryrun.NewTicketing(cfg.Ticketing)
		registry.Register(loans, dryrun.Normalizer{})

		for _, vendor := range cfg.EnabledVendors() {
			registry.Register(dryrun.NewWarranty(vendor), dryrun.Normalizer{})
		}

		return New(cfg, table, registry, loans), nil
	}

	loans, err := ticketing.New(cfg.Ticketing, logger)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create ticketing client")
	}

	registry.Register(loans, ticketing.Normalizer{})

	for _, vendor := range cfg.EnabledVendors() {
		if err := registerVendor(registry, vendor, cfg.Vendors.Get(vendor), logger); err != nil {
			return nil, errors.Wrap(err, "failed to create "+vendor.String()+" client")
		}
	}

	return New(cfg, table, registry, loans), nil
}

func registerVendor(registry *vendors.Registry, vendor model.VendorIdentity, opts *configuration.VendorOptions, logger *logrus.Logger) error {
	switch vendor {
	case model.VendorApple:
		adapter, err := apple.New(opts, logger)
		if err != nil {
			return err
		}

		registry.Register(adapter, apple.Normalizer{})
	case model.VendorHP:
		adapter, err := hp.New(opts, logger)
		if err != nil {
			return err
		}

		registry.Register(adapter, hp.Normalizer{})
	case model.VendorDell:
		adapter, err := dell.New(opts, logger)
		if err != nil {
			return err
		}

		registry.Register(adapter, dell.Normalizer{})
	case model.VendorLenovo:
		adapter, err := lenovo.New(opts, logger)
		if err != nil {
			return err
		}

		registry.Register(adapter, lenovo.Normalizer{})
	case model.VendorSafeware:
		adapter, err := safeware.New(opts, logger)
		if err != nil {
			return err
		}

		registry.Register(adapter, safeware.Normalizer{})
	default:
		return errors.Wrap(model.ErrUnknownVendor, vendor.String())
	}

	return nil
}
