// Package aggregate combines per request outcomes into one result in submission order.
package aggregate

import (
	"encoding/json"
	"sync"

	"github.com/tech-consulting/assetops/internal/model"
)

// Pair is one request with its outcome.
type Pair struct {
	Request *model.OperationRequest `json:"request"`
	Outcome model.OperationOutcome  `json:"outcome"`
}

// Result holds the pairs of one caller invocation in submission order.
type Result struct {
	Requests []Pair
}

// Aggregate returns pairs as a Result, keeping their order.
func Aggregate(pairs []Pair) *Result {
	return &Result{Requests: append([]Pair(nil), pairs...)}
}

// Status is Success when every outcome succeeded, Failed when none did
// and Degraded otherwise. An empty result is Failed.
func (r *Result) Status() model.Status {
	if len(r.Requests) == 0 {
		return model.StatusFailed
	}

	var success, failed int

	for _, p := range r.Requests {
		switch p.Outcome.Status {
		case model.StatusSuccess:
			success++
		case model.StatusFailed:
			failed++
		}
	}

	switch {
	case success == len(r.Requests):
		return model.StatusSuccess
	case failed == len(r.Requests):
		return model.StatusFailed
	default:
		return model.StatusDegraded
	}
}

// Outcome returns the outcome reported for vendor.
func (r *Result) Outcome(vendor model.VendorIdentity) (model.OperationOutcome, bool) {
	for _, p := range r.Requests {
		if p.Request.Vendor == vendor {
			return p.Outcome, true
		}
	}

	return model.OperationOutcome{}, false
}

func (r *Result) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Status   model.Status `json:"status"`
		Requests []Pair       `json:"requests"`
	}{
		Status:   r.Status(),
		Requests: r.Requests,
	})
}

// Collector gathers outcomes completing in any order into their request's slot.
type Collector struct {
	mu       sync.Mutex
	requests []*model.OperationRequest
	outcomes []*model.OperationOutcome
}

func NewCollector(requests []*model.OperationRequest) *Collector {
	return &Collector{
		requests: requests,
		outcomes: make([]*model.OperationOutcome, len(requests)),
	}
}

// Set records the outcome of request i. Later calls for the same slot are ignored.
func (c *Collector) Set(i int, outcome model.OperationOutcome) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.outcomes[i] == nil {
		c.outcomes[i] = &outcome
	}
}

// Result aggregates the collected outcomes. A request without an outcome is
// reported Failed so every request appears exactly once.
func (c *Collector) Result() *Result {
	c.mu.Lock()
	defer c.mu.Unlock()

	pairs := make([]Pair, len(c.requests))
	for i, req := range c.requests {
		outcome := model.Failed(model.KindMalformedResponse, "no outcome recorded for "+req.Vendor.String())
		if c.outcomes[i] != nil {
			outcome = *c.outcomes[i]
		}

		pairs[i] = Pair{Request: req, Outcome: outcome}
	}

	return Aggregate(pairs)
}
