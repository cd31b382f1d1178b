// Package engine is the public surface of the vendor integration engine:
// check-out, check-in and warranty lookup.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/tech-consulting/assetops/internal/aggregate"
	"github.com/tech-consulting/assetops/internal/configuration"
	"github.com/tech-consulting/assetops/internal/dedup"
	"github.com/tech-consulting/assetops/internal/metrics"
	"github.com/tech-consulting/assetops/internal/model"
	"github.com/tech-consulting/assetops/internal/normalize"
	"github.com/tech-consulting/assetops/internal/resilience"
	"github.com/tech-consulting/assetops/internal/tasks"
	"github.com/tech-consulting/assetops/internal/vendors"
)

const pkgName = "internal/engine"

// Engine has the data and business logic for the application.
// It is safe for concurrent use.
type Engine struct {
	table     *resilience.Table
	registry  *vendors.Registry
	loans     tasks.LoanClient
	dedup     *dedup.Cache
	sem       *semaphore.Weighted
	ticketing *configuration.TicketingOptions
	confirm   *configuration.ConfirmOptions
}

// New returns an engine calling the vendors of registry under the policies of table.
// loans is the ticketing platform, it is expected to be registered too.
func New(cfg *configuration.Configuration, table *resilience.Table, registry *vendors.Registry, loans tasks.LoanClient) *Engine {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	return &Engine{
		table:     table,
		registry:  registry,
		loans:     loans,
		dedup:     dedup.New(cfg.DedupWindow),
		sem:       semaphore.NewWeighted(int64(concurrency)),
		ticketing: cfg.Ticketing,
		confirm:   cfg.Confirm,
	}
}

// CheckOutAsset lends asset to the requestor of ticketID.
func (e *Engine) CheckOutAsset(ctx context.Context, asset model.AssetRef, ticketID, actor string) model.OperationOutcome {
	return e.loan(ctx, model.CheckOut, asset, ticketID, actor)
}

// CheckInAsset returns asset to stock, ticketID may be empty.
func (e *Engine) CheckInAsset(ctx context.Context, asset model.AssetRef, ticketID, actor string) model.OperationOutcome {
	return e.loan(ctx, model.CheckIn, asset, ticketID, actor)
}

func (e *Engine) loan(ctx context.Context, kind model.OperationKind, asset model.AssetRef, ticketID, actor string) model.OperationOutcome {
	ctx, span := otel.Tracer(pkgName).Start(ctx, "Engine.Loan")
	defer span.End()

	asset.AssetTag = strings.ToUpper(strings.TrimSpace(asset.AssetTag))
	asset.SerialNumber = strings.TrimSpace(asset.SerialNumber)
	asset.TicketID = strings.TrimSpace(ticketID)

	span.SetAttributes(
		attribute.String("kind", string(kind)),
		attribute.String("asset_tag", asset.AssetTag),
		attribute.String("ticket_id", asset.TicketID),
	)

	if err := validateLoan(kind, asset, actor); err != nil {
		slog.With(asset.AsLogFields()...).Warn("Rejected loan request", "kind", string(kind), "error", err)
		metrics.OperationsTotal.WithLabelValues(string(kind), string(model.StatusFailed)).Inc()

		return model.Failed(model.KindInvalidRequest, err.Error())
	}

	outcome, shared := e.dedup.Do(ctx, dedup.Key(kind, asset), func(ctx context.Context) model.OperationOutcome {
		if err := e.sem.Acquire(ctx, 1); err != nil {
			return model.Failed(model.KindTimeout, "gave up waiting for a free vendor slot: "+err.Error())
		}
		defer e.sem.Release(1)

		req := &model.OperationRequest{
			Vendor:         model.VendorTicketing,
			Kind:           kind,
			Asset:          asset,
			Actor:          strings.ToLower(strings.TrimSpace(actor)),
			IdempotencyKey: uuid.NewString(),
		}

		task := tasks.NewCheckOutTask(req)
		if kind == model.CheckIn {
			task = tasks.NewCheckInTask(req)
		}

		runner := tasks.NewTaskRunner(e.loanEnv(), task)
		out := runner.Run(ctx)

		slog.With(runner.Status().AsLogFields()...).Debug("Loan task finished", "idempotency_key", req.IdempotencyKey)

		return out
	})

	span.SetAttributes(attribute.Bool("deduplicated", shared), attribute.String("status", string(outcome.Status)))

	return outcome
}

func (e *Engine) loanEnv() *tasks.Env {
	return &tasks.Env{
		Table:      e.table,
		Client:     e.loans,
		Normalizer: e.registry.Normalizer(model.VendorTicketing),
		Ticketing:  e.ticketing,
		Confirm:    e.confirm,
	}
}

func validateLoan(kind model.OperationKind, asset model.AssetRef, actor string) error {
	if err := asset.Validate(); err != nil {
		return err
	}

	if err := model.ValidateActor(actor); err != nil {
		return err
	}

	if kind == model.CheckOut && asset.TicketID == "" {
		return model.ErrMissingTicket
	}

	return nil
}

// LookupWarranty asks every vendor of set for the coverage of serial, concurrently.
// An empty set asks every registered warranty vendor. Results follow the fixed vendor order.
func (e *Engine) LookupWarranty(ctx context.Context, serial string, set mapset.Set[model.VendorIdentity]) *aggregate.Result {
	ctx, span := otel.Tracer(pkgName).Start(ctx, "Engine.LookupWarranty")
	defer span.End()

	started := time.Now()
	serial = strings.TrimSpace(serial)

	if set == nil || set.Cardinality() == 0 {
		set = e.registry.Supporting(model.WarrantyLookup)
	}

	requested := vendors.Sorted(set)
	requests := make([]*model.OperationRequest, len(requested))

	for i, vendor := range requested {
		requests[i] = &model.OperationRequest{
			Vendor: vendor,
			Kind:   model.WarrantyLookup,
			Asset:  model.AssetRef{SerialNumber: serial},
		}
	}

	collector := aggregate.NewCollector(requests)

	var g errgroup.Group

	for i, req := range requests {
		g.Go(func() error {
			collector.Set(i, e.lookup(ctx, req))
			return nil
		})
	}

	_ = g.Wait()

	result := collector.Result()
	status := string(result.Status())

	span.SetAttributes(attribute.Int("vendors", len(requests)), attribute.String("status", status))
	metrics.OperationsTotal.WithLabelValues(string(model.WarrantyLookup), status).Inc()
	metrics.OperationRunTimeSummary.WithLabelValues(string(model.WarrantyLookup), status).Observe(time.Since(started).Seconds())

	slog.Info("Warranty lookup finished", "serial", serial, "vendors", len(requests), "status", status)

	return result
}

// lookup runs one vendor lookup. Every fault becomes a Failed outcome.
func (e *Engine) lookup(ctx context.Context, req *model.OperationRequest) (outcome model.OperationOutcome) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("!!panic occurred in warranty lookup", "vendor", req.Vendor.String(), "rec", rec, "stack", string(debug.Stack()))
			outcome = model.Failed(model.KindMalformedResponse, fmt.Sprintf("%s: lookup fatal error, check logs for details", req.Vendor))
		}

		slog.With(req.AsLogFields()...).With(outcome.AsLogFields()...).Debug("Vendor lookup finished")
	}()

	if req.Asset.SerialNumber == "" {
		return model.Failed(model.KindInvalidRequest, model.ErrMissingAssetIdentifier.Error())
	}

	adapter, err := e.registry.Adapter(req.Vendor)
	if err != nil {
		return model.FailedWithError(err)
	}

	if !adapter.Supports(req.Kind) {
		return model.FailedWithError(vendors.Unsupported(req.Vendor, req.Kind))
	}

	if err := e.sem.Acquire(ctx, 1); err != nil {
		return model.Failed(model.KindTimeout, req.Vendor.String()+": gave up waiting for a free vendor slot")
	}
	defer e.sem.Release(1)

	raw, err := e.table.Call(ctx, req.Vendor, func(ctx context.Context) (*model.RawVendorResponse, error) {
		return adapter.Execute(ctx, req)
	})
	if err != nil {
		return model.FailedWithError(err)
	}

	return normalize.Safe(e.registry.Normalizer(req.Vendor), raw)
}
