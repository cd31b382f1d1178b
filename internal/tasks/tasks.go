// Package tasks runs the check-out and check-in loan workflows as a sequence of steps.
package tasks

import (
	"context"
	"encoding/json"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tech-consulting/assetops/internal/configuration"
	"github.com/tech-consulting/assetops/internal/metrics"
	"github.com/tech-consulting/assetops/internal/model"
	"github.com/tech-consulting/assetops/internal/normalize"
	"github.com/tech-consulting/assetops/internal/resilience"
	"github.com/tech-consulting/assetops/internal/vendors"
)

const (
	pkgName = "internal/tasks"

	requestKey = "request"
	ticketKey  = "ticket"
	outcomeKey = "outcome"
)

// LoanState is the position of a loan workflow.
type LoanState string

const (
	Requested         LoanState = "requested"
	TicketValidated   LoanState = "ticket_validated"
	AssetStateChanged LoanState = "asset_state_changed"
	Confirmed         LoanState = "confirmed"
	Failed            LoanState = "failed"
)

// StepState is the progress of one step.
type StepState string

const (
	StepPending   StepState = "pending"
	StepActive    StepState = "active"
	StepSucceeded StepState = "succeeded"
	StepFailed    StepState = "failed"
)

// LoanClient is the part of the ticketing platform the loan workflow uses.
type LoanClient interface {
	vendors.Adapter
	Ticket(ctx context.Context, id string) (*model.Ticket, error)
	Asset(ctx context.Context, ref model.AssetRef) (*model.AssetState, error)
}

// Env is what steps run against.
type Env struct {
	Table      *resilience.Table
	Client     LoanClient
	Normalizer normalize.Normalizer
	Ticketing  *configuration.TicketingOptions
	Confirm    *configuration.ConfirmOptions
}

func (e *Env) ticketOpen(ticket *model.Ticket) bool {
	for _, status := range e.Ticketing.OpenStatuses {
		if strings.EqualFold(strings.TrimSpace(status), strings.TrimSpace(ticket.StatusName)) {
			return true
		}
	}

	return false
}

// expectedState is the asset the platform should show after req.
func (e *Env) expectedState(req *model.OperationRequest) *model.AssetState {
	if req.Kind == model.CheckIn {
		return &model.AssetState{StatusName: e.Ticketing.CheckInStatus, LocationName: e.Ticketing.CheckInLocation}
	}

	return &model.AssetState{StatusName: e.Ticketing.CheckOutStatus, LocationName: e.Ticketing.CheckOutLocation, OwnerUID: req.Owner}
}

// Miscellaneous
type sharedData map[string]any

func (d sharedData) request() *model.OperationRequest {
	req, _ := d[requestKey].(*model.OperationRequest)
	return req
}

// TaskStatus has status about a task, and it's steps.
type TaskStatus struct {
	Task       string        `json:"task"`
	State      LoanState     `json:"state"`
	Details    string        `json:"details,omitempty"`
	Error      string        `json:"error,omitempty"`
	ActiveStep string        `json:"active_step,omitempty"`
	Steps      []*StepStatus `json:"steps"`
}

// NewTaskStatus will generate a new task status struct
func NewTaskStatus(taskName string) *TaskStatus {
	return &TaskStatus{
		Task:  taskName,
		State: Requested,
	}
}

func (r *TaskStatus) AsLogFields() []any {
	return []any{
		"task", r.Task,
		"state", string(r.State),
		"details", r.Details,
		"error", r.Error,
	}
}

func (r *TaskStatus) Marshal() ([]byte, error) {
	respBytes, err := json.Marshal(r)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal task status to json")
	}

	return respBytes, nil
}

// Task is a loan workflow for one asset, accomplished in multiple steps.
type Task interface {
	// Name of the task
	Name() string
	// Request is the operation the task carries out
	Request() *model.OperationRequest
	// Steps is the multiple units of work that will accomplish this task
	Steps() []Step
}

type loanTask struct {
	name  string
	req   *model.OperationRequest
	steps []Step
}

// NewCheckOutTask creates the task lending an asset to the requestor of a ticket.
func NewCheckOutTask(req *model.OperationRequest) Task {
	return &loanTask{
		name:  "CheckOut",
		req:   req,
		steps: loanSteps(),
	}
}

// NewCheckInTask creates the task returning a loaned asset to stock.
func NewCheckInTask(req *model.OperationRequest) Task {
	return &loanTask{
		name:  "CheckIn",
		req:   req,
		steps: loanSteps(),
	}
}

func loanSteps() []Step {
	return []Step{
		ValidateTicketStep(),
		ChangeAssetStateStep(),
		ConfirmStep(),
	}
}

func (j *loanTask) Name() string {
	return j.name
}

func (j *loanTask) Steps() []Step {
	return j.steps
}

func (j *loanTask) Request() *model.OperationRequest {
	return j.req
}

// TaskRunner runs the task by executing the individual steps in order,
// stopping at the first failing step.
type TaskRunner struct {
	env        *Env
	task       Task
	taskStatus *TaskStatus
}

// NewTaskRunner creates a TaskRunner to run a specific Task
func NewTaskRunner(env *Env, task Task) *TaskRunner {
	return &TaskRunner{
		env:        env,
		task:       task,
		taskStatus: NewTaskStatus(task.Name()),
	}
}

// Status returns the status of the last run.
func (r *TaskRunner) Status() *TaskStatus {
	return r.taskStatus
}

// Run executes the steps and returns the outcome of the workflow. It never panics.
func (r *TaskRunner) Run(ctx context.Context) (outcome model.OperationOutcome) {
	ctx, span := otel.Tracer(pkgName).Start(
		ctx,
		"TaskRunner.Run",
		trace.WithAttributes(attribute.String("task", r.task.Name())),
	)
	defer span.End()

	req := r.task.Request()
	logger := slog.With(req.AsLogFields()...)
	logger.Info("Running task", "task", r.task.Name())

	started := time.Now()
	data := sharedData{requestKey: req}
	r.initTaskLog()

	defer func() {
		if rec := recover(); rec != nil {
			outcome = r.handlePanic(rec)
		}

		span.SetAttributes(attribute.String("status", string(outcome.Status)))
		metrics.OperationsTotal.WithLabelValues(string(req.Kind), string(outcome.Status)).Inc()
		metrics.OperationRunTimeSummary.WithLabelValues(string(req.Kind), string(outcome.Status)).Observe(time.Since(started).Seconds())
	}()

	for stepID, step := range r.task.Steps() {
		r.stepUpdate(stepID, StepActive, "Running step", nil)

		stepCtx, stepSpan := otel.Tracer(pkgName).Start(ctx, "Step."+step.Name())
		details, err := step.Run(stepCtx, r.env, data)
		stepSpan.End()

		if errors.Is(err, errUnconfirmed) {
			r.stepUpdate(stepID, StepFailed, details, err)
			r.taskUpdate(r.taskStatus.State, "Task completed without confirmation", err)
			logger.Warn("Task unconfirmed", "task", r.task.Name(), "details", details)

			changed, _ := data[outcomeKey].(model.OperationOutcome)

			return model.OperationOutcome{
				Status:  model.StatusDegraded,
				Message: changed.Message + "; " + details,
			}
		}

		if err != nil {
			r.stepUpdate(stepID, StepFailed, details, err)
			r.taskUpdate(Failed, "Task failed at step "+step.Name(), err)
			logger.Error("Task failed", "task", r.task.Name(), "step", step.Name(), "error", err)

			return model.FailedWithError(err)
		}

		r.stepUpdate(stepID, StepSucceeded, details, nil)
		r.taskUpdate(step.Reaches(), "", nil)
	}

	logger.Info("Task completed successfully", "task", r.task.Name())

	changed, ok := data[outcomeKey].(model.OperationOutcome)
	if !ok {
		return model.Failed(model.KindMalformedResponse, "task finished without an asset state change")
	}

	return changed
}

func (r *TaskRunner) initTaskLog() {
	steps := r.task.Steps()
	r.taskStatus.Steps = make([]*StepStatus, len(steps))

	for i, step := range steps {
		r.taskStatus.Steps[i] = NewStepStatus(step.Name(), StepPending, "", nil)
	}
}

func (r *TaskRunner) handlePanic(rec any) model.OperationOutcome {
	msg := "Panic occurred while running task"
	slog.Error("!!panic occurred", "rec", rec, "stack", string(debug.Stack()))
	slog.Error(msg)
	err := errors.New("Task fatal error, check logs for details")

	r.taskUpdate(Failed, msg, err)

	return model.Failed(model.KindMalformedResponse, err.Error())
}

func (r *TaskRunner) stepUpdate(stepID int, state StepState, details string, err error) {
	step := r.task.Steps()[stepID]
	stepStatus := NewStepStatus(step.Name(), state, details, err)

	slog.With(r.task.Request().AsLogFields()...).With(stepStatus.AsLogFields()...).Debug(details)

	r.taskStatus.Steps[stepID] = stepStatus
	r.taskStatus.ActiveStep = step.Name()
}

func (r *TaskRunner) taskUpdate(state LoanState, details string, err error) {
	r.taskStatus.State = state
	r.taskStatus.Details = details

	if err != nil {
		r.taskStatus.Error = err.Error()
	}
}
