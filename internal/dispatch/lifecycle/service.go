package lifecycle

import (
	"fmt"
	"math"
	"strings"
	"time"

	"resqBack/internal/dispatch/fsm"
	"resqBack/internal/dispatch/pricing"
	"resqBack/internal/dispatch/repo"
)

// Service encapsulates the business rules of the active job. Its methods
// validate an action against the job and return the Change to persist;
// they never write to the store.
type Service struct {
	cfg Config
}

// NewService constructs a Service instance.
func NewService(cfg Config) *Service {
	policies := make(map[Action]ButtonPolicy, len(cfg.ButtonPolicies)+1)
	for k, v := range cfg.ButtonPolicies {
		policies[k] = v
	}
	if cfg.OTPMaxAttempts > 0 {
		p := policies[ActionVerifyOTP]
		p.MaxPresses = cfg.OTPMaxAttempts
		policies[ActionVerifyOTP] = p
	}
	cfg.ButtonPolicies = policies
	return &Service{cfg: cfg}
}

// Config returns copy of the service configuration.
func (s *Service) Config() Config {
	return s.cfg
}

func (s *Service) ensureActionAllowed(job *Job, action Action, now time.Time) error {
	policy, ok := s.cfg.ButtonPolicies[action]
	if !ok {
		return nil
	}
	state := job.buttonStateFor(action)
	if policy.TTL > 0 {
		if state.expiresAt.IsZero() || now.After(state.expiresAt) {
			state.count = 0
			state.expiresAt = now.Add(policy.TTL)
		}
	}
	if policy.MaxPresses > 0 && state.count >= policy.MaxPresses {
		return fmt.Errorf("%w: %s exceeded retry limit", ErrActionThrottled, action)
	}
	if !state.lastPress.IsZero() && now.Sub(state.lastPress) < policy.Cooldown {
		return fmt.Errorf("%w: %s pressed too frequently", ErrActionThrottled, action)
	}
	state.lastPress = now
	state.count++
	return nil
}

func (s *Service) transition(job *Job, to fsm.Phase, patch repo.Patch, note string) (Change, error) {
	d := job.Domain
	if !d.HasPhase(to) {
		return Change{}, ErrInvalidOperation
	}
	from := job.Request.Status
	target := d.Status(to)
	if !fsm.CanTransition(d, from, target) {
		return Change{}, ErrInvalidOperation
	}
	return Change{From: from, To: target, Patch: patch, Note: note}, nil
}

// EnRoute marks the partner as travelling to the pickup point. Only domains
// with an en-route status support it.
func (s *Service) EnRoute(job *Job, now time.Time) (Change, error) {
	switch job.Phase() {
	case fsm.PhaseEnRoute:
		return Change{}, nil
	case fsm.PhaseAccepted:
	default:
		return Change{}, ErrInvalidOperation
	}
	if err := s.ensureActionAllowed(job, ActionEnRoute, now); err != nil {
		return Change{}, err
	}
	return s.transition(job, fsm.PhaseEnRoute, repo.Patch{}, "partner on the way")
}

// Arrive handles the "I'm on site" action. For domains charging waiting
// time the arrival timestamp starts the waiting timer.
func (s *Service) Arrive(job *Job, now time.Time) (Change, error) {
	switch job.Phase() {
	case fsm.PhaseArrived, fsm.PhaseInService, fsm.PhaseBilling, fsm.PhaseCompleted:
		// already progressed, idempotent
		return Change{}, nil
	case fsm.PhaseAccepted, fsm.PhaseEnRoute:
	default:
		return Change{}, ErrInvalidOperation
	}
	if err := s.ensureActionAllowed(job, ActionArrive, now); err != nil {
		return Change{}, err
	}
	note := "partner arrived"
	if job.Domain.ChargesWaiting {
		note = "partner arrived, free waiting started"
	}
	return s.transition(job, fsm.PhaseArrived, repo.Patch{ArrivedAt: &now}, note)
}

// WaitingCharge returns the waiting charge accrued so far. The timer runs
// from arrival until service start.
func (s *Service) WaitingCharge(job *Job, now time.Time) float64 {
	if !job.Domain.ChargesWaiting || job.Request.ArrivedAt == nil {
		return 0
	}
	end := now
	if job.Request.StartedAt != nil {
		end = *job.Request.StartedAt
	}
	return pricing.WaitingCharge(end.Sub(*job.Request.ArrivedAt), s.cfg.FreeWaitingWindow, s.cfg.WaitingRatePerMinute)
}

// VerifyOTP compares the entered code with the stored one and starts the
// service on an exact match. A mismatch leaves the status unchanged.
func (s *Service) VerifyOTP(job *Job, now time.Time, code string) (Change, error) {
	if !job.Domain.RequireOTP {
		return Change{}, ErrInvalidOperation
	}
	if job.Phase() == fsm.PhaseInService {
		return Change{}, nil
	}
	if job.Phase() != fsm.PhaseArrived {
		return Change{}, ErrInvalidOperation
	}
	if err := s.ensureActionAllowed(job, ActionVerifyOTP, now); err != nil {
		return Change{}, err
	}
	if job.Request.OTP == "" || code != job.Request.OTP {
		return Change{}, ErrOTPMismatch
	}
	return s.startPatch(job, now, "otp verified, service started")
}

// StartService starts the service for domains without OTP.
func (s *Service) StartService(job *Job, now time.Time) (Change, error) {
	if job.Domain.RequireOTP {
		return Change{}, ErrOTPRequired
	}
	if job.Phase() == fsm.PhaseInService {
		return Change{}, nil
	}
	if job.Phase() != fsm.PhaseArrived {
		return Change{}, ErrInvalidOperation
	}
	if err := s.ensureActionAllowed(job, ActionStart, now); err != nil {
		return Change{}, err
	}
	return s.startPatch(job, now, "service started")
}

func (s *Service) startPatch(job *Job, now time.Time, note string) (Change, error) {
	patch := repo.Patch{StartedAt: &now}
	if job.Domain.ChargesWaiting {
		w := s.WaitingCharge(job, now)
		patch.WaitingCharge = &w
	}
	return s.transition(job, fsm.PhaseInService, patch, note)
}

// ValidateBill checks that a bill is non-empty and every line has a
// description and a finite positive amount.
func ValidateBill(items []repo.BillItem) error {
	if len(items) == 0 {
		return fmt.Errorf("%w: no items", ErrIncompleteBill)
	}
	for i, it := range items {
		if strings.TrimSpace(it.Description) == "" {
			return fmt.Errorf("%w: item %d has no description", ErrIncompleteBill, i+1)
		}
		if math.IsNaN(it.Amount) || math.IsInf(it.Amount, 0) || it.Amount <= 0 {
			return fmt.Errorf("%w: item %d has invalid amount", ErrIncompleteBill, i+1)
		}
	}
	return nil
}

// BillTotal sums the bill amounts.
func BillTotal(items []repo.BillItem) float64 {
	var total float64
	for _, it := range items {
		total += it.Amount
	}
	return pricing.Total(total, 0)
}

// SubmitBill moves an in-service job to billing. Domains requiring a bill
// need valid line items. Rides are billed from their fare plus the waiting
// charge. A submitted bill cannot be replaced.
func (s *Service) SubmitBill(job *Job, now time.Time, items []repo.BillItem) (Change, error) {
	if len(job.Request.Bill) > 0 {
		return Change{}, ErrBillAlreadySubmitted
	}
	switch job.Phase() {
	case fsm.PhaseBilling, fsm.PhaseCompleted:
		return Change{}, ErrBillAlreadySubmitted
	case fsm.PhaseInService:
	default:
		return Change{}, ErrInvalidOperation
	}

	var bill []repo.BillItem
	if job.Domain.RequireBill || len(items) > 0 {
		if err := ValidateBill(items); err != nil {
			return Change{}, err
		}
		bill = make([]repo.BillItem, len(items))
		for i, it := range items {
			bill[i] = repo.BillItem{Description: strings.TrimSpace(it.Description), Amount: it.Amount}
		}
	} else {
		bill = s.rideBill(job, now)
	}
	if err := s.ensureActionAllowed(job, ActionBill, now); err != nil {
		return Change{}, err
	}
	total := BillTotal(bill)
	patch := repo.Patch{Bill: bill, Fare: &total}
	if job.Domain.ChargesWaiting {
		w := s.WaitingCharge(job, now)
		patch.WaitingCharge = &w
	}
	return s.transition(job, fsm.PhaseBilling, patch, "bill submitted")
}

func (s *Service) rideBill(job *Job, now time.Time) []repo.BillItem {
	fare := s.cfg.Tariff.MinFare
	if job.Request.Fare != nil {
		fare = *job.Request.Fare
	}
	bill := []repo.BillItem{{Description: "Trip fare", Amount: fare}}
	if w := s.WaitingCharge(job, now); w > 0 {
		bill = append(bill, repo.BillItem{Description: "Waiting charge", Amount: w})
	}
	return bill
}

// Complete closes a billed job by partner action. Domains where the
// requester's payment completes the job reject it.
func (s *Service) Complete(job *Job, now time.Time) (Change, error) {
	if !job.Domain.PartnerCompletes {
		return Change{}, ErrInvalidOperation
	}
	if job.Phase() == fsm.PhaseCompleted {
		return Change{}, nil
	}
	if job.Phase() != fsm.PhaseBilling {
		return Change{}, ErrInvalidOperation
	}
	if err := s.ensureActionAllowed(job, ActionComplete, now); err != nil {
		return Change{}, err
	}
	return s.transition(job, fsm.PhaseCompleted, repo.Patch{CompletedAt: &now, ReleasePartner: true}, "completed by partner")
}

// ConfirmPayment completes a billed job from the requester side.
func (s *Service) ConfirmPayment(job *Job, now time.Time) (Change, error) {
	if job.Phase() == fsm.PhaseCompleted {
		return Change{}, nil
	}
	if job.Phase() != fsm.PhaseBilling {
		return Change{}, ErrInvalidOperation
	}
	return s.transition(job, fsm.PhaseCompleted, repo.Patch{CompletedAt: &now, ReleasePartner: true}, "payment confirmed")
}

// CancelByRequester cancels the request on behalf of the requester.
func (s *Service) CancelByRequester(job *Job, now time.Time, reason string) (Change, error) {
	return s.cancel(job, now, fsm.PhaseCancelledByRequester, "cancelled by requester", reason)
}

// CancelByPartner cancels the request on behalf of the assigned partner.
func (s *Service) CancelByPartner(job *Job, now time.Time, reason string) (Change, error) {
	if err := s.ensureActionAllowed(job, ActionCancel, now); err != nil {
		return Change{}, err
	}
	return s.cancel(job, now, fsm.PhaseCancelledByPartner, "cancelled by partner", reason)
}

func (s *Service) cancel(job *Job, now time.Time, to fsm.Phase, note, reason string) (Change, error) {
	phase := job.Phase()
	if phase == to {
		return Change{}, nil
	}
	if phase.Terminal() {
		return Change{}, ErrInvalidOperation
	}
	if reason != "" {
		note = fmt.Sprintf("%s: %s", note, reason)
	}
	patch := repo.Patch{ReleasePartner: job.Request.PartnerID != ""}
	return s.transition(job, to, patch, note)
}

// Observe classifies an external snapshot of the job's request. A nil
// snapshot means the document was deleted. Any reset outcome means the
// partner must drop the job whatever its local sub-state.
func (s *Service) Observe(job *Job, snapshot *repo.ServiceRequest, now time.Time) Outcome {
	if snapshot == nil {
		return OutcomeDeleted
	}
	if snapshot.PartnerID != "" && snapshot.PartnerID != job.Request.PartnerID {
		return OutcomeReassigned
	}
	phase, _ := job.Domain.PhaseOf(snapshot.Status)
	changed := snapshot.Status != job.Request.Status
	job.Apply(*snapshot, now, "observed")
	switch phase {
	case fsm.PhaseCompleted:
		return OutcomeCompleted
	case fsm.PhaseCancelledByRequester, fsm.PhaseCancelledByPartner:
		return OutcomeCancelled
	case fsm.PhaseOpen:
		return OutcomeReassigned
	}
	if changed {
		return OutcomeUpdated
	}
	return OutcomeUnchanged
}
