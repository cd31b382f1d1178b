package tasks

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/tech-consulting/assetops/internal/model"
	"github.com/tech-consulting/assetops/internal/normalize"
	"github.com/tech-consulting/assetops/internal/resilience"
)

const (
	checkedInNote = "Checked in by Tech Consulting"
	onLoanNote    = "On Loan"
)

var (
	errTicketClosed = errors.New("ticket does not permit the operation")
	errUnconfirmed  = errors.New("asset state change could not be confirmed")
)

// StepStatus has status about a step, to be reported as part of the overall task.
type StepStatus struct {
	Step    string `json:"step"`
	Status  string `json:"status"`
	Details string `json:"details,omitempty"`
	Error   string `json:"error,omitempty"`
}

// NewStepStatus will create a new step status struct
func NewStepStatus(stepName string, state StepState, details string, err error) *StepStatus {
	status := &StepStatus{
		Step:    stepName,
		Status:  string(state),
		Details: details,
	}

	if err != nil {
		status.Error = err.Error()
	}

	return status
}

func (s *StepStatus) AsLogFields() []any {
	return []any{
		"step", s.Step,
		"status", s.Status,
		"details", s.Details,
		"error", s.Error,
	}
}

// Step is a unit of work. Multiple steps accomplish a task.
type Step interface {
	// Name of this step
	Name() string
	// Reaches is the loan state entered once the step succeeds.
	Reaches() LoanState
	// Run will execute the code to accomplish this step
	Run(ctx context.Context, env *Env, data sharedData) (string, error)
}

type validateTicketStep struct{}

// ValidateTicketStep reads the loan ticket and checks it is open.
// The ticket requestor becomes the asset owner on check-out.
func ValidateTicketStep() Step {
	return &validateTicketStep{}
}

func (s *validateTicketStep) Name() string {
	return "ValidateTicket"
}

func (s *validateTicketStep) Reaches() LoanState {
	return TicketValidated
}

func (s *validateTicketStep) Run(ctx context.Context, env *Env, data sharedData) (string, error) {
	req := data.request()

	if req.Asset.TicketID == "" {
		if req.Kind == model.CheckOut {
			return "Check-out requires a ticket", model.NewVendorError(model.VendorTicketing, model.KindInvalidRequest, model.ErrMissingTicket)
		}

		req.Notes = checkedInNote

		return "No ticket, validation skipped", nil
	}

	ticket, err := resilience.Run(ctx, env.Table, model.VendorTicketing, func(ctx context.Context) (*model.Ticket, error) {
		return env.Client.Ticket(ctx, req.Asset.TicketID)
	})
	if err != nil {
		return "Failed to read ticket " + req.Asset.TicketID, err
	}

	if !env.ticketOpen(ticket) {
		return "Ticket is " + ticket.StatusName, &model.VendorError{
			Kind:   model.KindInvalidTicketState,
			Vendor: model.VendorTicketing,
			Err:    errors.Wrapf(errTicketClosed, "ticket %s status %q", ticket.ID, ticket.StatusName),
		}
	}

	data[ticketKey] = ticket

	switch req.Kind {
	case model.CheckOut:
		req.Owner = ticket.RequestorUID
		req.Notes = onLoanNote

		if length := strings.TrimSpace(ticket.Attributes[env.Ticketing.LoanLengthAttr]); length != "" {
			req.Notes = onLoanNote + " until " + length
		}
	case model.CheckIn:
		req.Notes = checkedInNote
	}

	return "Ticket " + ticket.ID + " is " + ticket.StatusName, nil
}

type changeAssetStateStep struct{}

// ChangeAssetStateStep performs the check-out or check-in on the ticketing platform.
func ChangeAssetStateStep() Step {
	return &changeAssetStateStep{}
}

func (s *changeAssetStateStep) Name() string {
	return "ChangeAssetState"
}

func (s *changeAssetStateStep) Reaches() LoanState {
	return AssetStateChanged
}

func (s *changeAssetStateStep) Run(ctx context.Context, env *Env, data sharedData) (string, error) {
	req := data.request()

	raw, err := env.Table.Call(ctx, model.VendorTicketing, func(ctx context.Context) (*model.RawVendorResponse, error) {
		return env.Client.Execute(ctx, req)
	})
	if err != nil {
		return "Failed to change asset state", err
	}

	outcome := normalize.Safe(env.Normalizer, raw)
	if outcome.Status != model.StatusSuccess {
		return "Unexpected asset state response", model.NewVendorError(model.VendorTicketing, outcome.ErrorKind, errors.New(outcome.Message))
	}

	data[outcomeKey] = outcome

	return outcome.Message, nil
}

type confirmStep struct{}

// ConfirmStep re-reads the asset until it shows the expected state.
func ConfirmStep() Step {
	return &confirmStep{}
}

func (s *confirmStep) Name() string {
	return "Confirm"
}

func (s *confirmStep) Reaches() LoanState {
	return Confirmed
}

func (s *confirmStep) Run(ctx context.Context, env *Env, data sharedData) (string, error) {
	if env.Confirm == nil || env.Confirm.Attempts <= 0 {
		return "Confirmation disabled", nil
	}

	req := data.request()
	want := env.expectedState(req)

	var lastSeen string

	for n := 1; n <= env.Confirm.Attempts; n++ {
		if n > 1 {
			if err := sleepInContext(ctx, env.Confirm.Interval); err != nil {
				break
			}
		}

		current, err := resilience.Run(ctx, env.Table, model.VendorTicketing, func(ctx context.Context) (*model.AssetState, error) {
			return env.Client.Asset(ctx, req.Asset)
		})
		if err != nil {
			slog.Debug("confirmation read failed", "attempt", n, "error", err)
			lastSeen = "read failed: " + err.Error()

			continue
		}

		if matches(current, want) {
			return "Asset shows " + current.StatusName + " at " + current.LocationName, nil
		}

		lastSeen = current.StatusName + " at " + current.LocationName
	}

	return "Asset state not confirmed, last seen " + lastSeen, errors.Wrap(errUnconfirmed, "last seen "+lastSeen)
}

func matches(current, want *model.AssetState) bool {
	return strings.EqualFold(current.StatusName, want.StatusName) &&
		strings.EqualFold(current.LocationName, want.LocationName) &&
		strings.EqualFold(current.OwnerUID, want.OwnerUID)
}

func sleepInContext(ctx context.Context, t time.Duration) error {
	timer := time.NewTimer(t)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
