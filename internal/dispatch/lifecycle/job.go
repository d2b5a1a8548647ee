package lifecycle

import (
	"errors"
	"time"

	"resqBack/internal/dispatch/fsm"
	"resqBack/internal/dispatch/repo"
)

var (
	// ErrInvalidOperation is returned when an action cannot be performed.
	ErrInvalidOperation = errors.New("invalid operation for current state")
	// ErrOTPMismatch is returned when the entered code differs from the stored one.
	ErrOTPMismatch = errors.New("otp does not match")
	// ErrOTPRequired is returned when service start needs OTP verification.
	ErrOTPRequired = errors.New("otp verification required")
	// ErrIncompleteBill is returned for an empty or invalid bill.
	ErrIncompleteBill = errors.New("bill is incomplete")
	// ErrBillAlreadySubmitted is returned when a bill already exists.
	ErrBillAlreadySubmitted = errors.New("bill already submitted")
	// ErrActionThrottled is returned when a button policy rejects a press.
	ErrActionThrottled = errors.New("action throttled")
)

// StatusEvent captures the status timeline seen by the session.
type StatusEvent struct {
	Status string    `json:"status"`
	At     time.Time `json:"at"`
	Note   string    `json:"note,omitempty"`
}

// Job is the runtime aggregate of a partner's active request.
type Job struct {
	Domain   fsm.Domain
	Request  repo.ServiceRequest
	Timeline []StatusEvent

	buttonState map[Action]*buttonState
}

type buttonState struct {
	count     int
	lastPress time.Time
	expiresAt time.Time
}

// NewJob wraps a claimed request.
func NewJob(d fsm.Domain, req repo.ServiceRequest, at time.Time) *Job {
	j := &Job{Domain: d, Request: req, buttonState: make(map[Action]*buttonState)}
	j.appendStatus(req.Status, at, "")
	return j
}

// Phase returns the current phase of the request.
func (j *Job) Phase() fsm.Phase {
	p, _ := j.Domain.PhaseOf(j.Request.Status)
	return p
}

// Apply replaces the request with a newer stored version.
func (j *Job) Apply(req repo.ServiceRequest, at time.Time, note string) {
	j.Request = req
	j.appendStatus(req.Status, at, note)
}

func (j *Job) appendStatus(status string, at time.Time, note string) {
	if n := len(j.Timeline); n > 0 && j.Timeline[n-1].Status == status {
		return
	}
	j.Timeline = append(j.Timeline, StatusEvent{Status: status, At: at, Note: note})
}

func (j *Job) buttonStateFor(action Action) *buttonState {
	state, ok := j.buttonState[action]
	if !ok {
		state = &buttonState{}
		j.buttonState[action] = state
	}
	return state
}

// Change is a status write computed by the Service. The caller persists it
// with a compare-and-set on From.
type Change struct {
	From  string
	To    string
	Patch repo.Patch
	Note  string
}

// Noop reports whether nothing needs to be written.
func (c Change) Noop() bool {
	return c.From == "" && c.To == ""
}

// Outcome classifies an externally observed request snapshot.
type Outcome string

const (
	OutcomeUnchanged  Outcome = "unchanged"
	OutcomeUpdated    Outcome = "updated"
	OutcomeCancelled  Outcome = "cancelled"
	OutcomeCompleted  Outcome = "completed"
	OutcomeDeleted    Outcome = "deleted"
	OutcomeReassigned Outcome = "reassigned"
)

// Reset reports whether the session must drop the job.
func (o Outcome) Reset() bool {
	switch o {
	case OutcomeCancelled, OutcomeCompleted, OutcomeDeleted, OutcomeReassigned:
		return true
	}
	return false
}
