package claim

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"resqBack/internal/dispatch/events"
	"resqBack/internal/dispatch/fsm"
	"resqBack/internal/dispatch/metrics"
	"resqBack/internal/dispatch/repo"
	"resqBack/internal/dispatch/timeutil"
)

var (
	// ErrAlreadyClaimed means another partner won the claim.
	ErrAlreadyClaimed = errors.New("this job has already been accepted by another partner")
	// ErrStaleOrDeleted means the request vanished between presentation and action.
	ErrStaleOrDeleted = errors.New("this request is no longer available")
	// ErrUnavailable wraps network and permission failures of the store.
	ErrUnavailable = errors.New("request store unavailable, please retry")
)

// Logger is a minimal logger interface required by the claim handler.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Store is the subset of the request store used for claims.
type Store interface {
	Claim(ctx context.Context, d fsm.Domain, id string, partner repo.PartnerProfile) (repo.ServiceRequest, error)
	Reject(ctx context.Context, d fsm.Domain, id, partnerID string) error
}

// Metrics records claim outcomes.
type Metrics interface {
	ClaimResult(domain, outcome string, took time.Duration)
	Declined(domain string, timeout bool)
}

// History records status changes for analytics.
type History interface {
	Record(ctx context.Context, c repo.StatusChange) error
}

// Handler performs accept and decline for partners.
type Handler struct {
	store     Store
	active    ActiveStore
	publisher events.Publisher
	metrics   Metrics
	history   History
	logger    Logger
	clock     timeutil.Clock
}

// New creates a claim handler. publisher, metrics and history are optional.
func New(store Store, active ActiveStore, publisher events.Publisher, m Metrics, history History, logger Logger, clock timeutil.Clock) *Handler {
	if publisher == nil {
		publisher = events.Nop{}
	}
	if clock == nil {
		clock = timeutil.System()
	}
	return &Handler{store: store, active: active, publisher: publisher, metrics: m, history: history, logger: logger, clock: clock}
}

// Accept claims an open request for partner. On success the claimed id is
// stored as the partner's active request. A lost race returns
// ErrAlreadyClaimed, a vanished request ErrStaleOrDeleted; any other
// failure is wrapped in ErrUnavailable and nothing local changes.
func (h *Handler) Accept(ctx context.Context, d fsm.Domain, requestID string, partner repo.PartnerProfile) (repo.ServiceRequest, error) {
	started := h.clock.Now()
	req, err := h.store.Claim(ctx, d, requestID, partner)
	took := h.clock.Now().Sub(started)
	switch {
	case err == nil:
	case errors.Is(err, repo.ErrAlreadyClaimed):
		h.recordClaim(d, metrics.OutcomeLost, took)
		h.logger.Infof("claim: %s request %s already claimed, partner %s lost", d.Name, requestID, partner.ID)
		h.publish(ctx, events.Event{Type: events.TypeClaimLost, Domain: d.Name, RequestID: requestID, PartnerID: partner.ID})
		return repo.ServiceRequest{}, ErrAlreadyClaimed
	case errors.Is(err, repo.ErrNotFound):
		h.recordClaim(d, metrics.OutcomeStale, took)
		h.logger.Infof("claim: %s request %s vanished before partner %s accepted", d.Name, requestID, partner.ID)
		return repo.ServiceRequest{}, ErrStaleOrDeleted
	default:
		h.recordClaim(d, metrics.OutcomeError, took)
		h.logger.Errorf("claim: %s accept %s by %s failed: %v", d.Name, requestID, partner.ID, err)
		return repo.ServiceRequest{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	h.recordClaim(d, metrics.OutcomeWon, took)
	h.logger.Infof("claim: %s request %s accepted by partner %s", d.Name, requestID, partner.ID)
	if h.active != nil {
		if err := h.active.Set(ctx, d, partner.ID, req.ID); err != nil {
			h.logger.Errorf("claim: persist active %s for %s failed: %v", req.ID, partner.ID, err)
		}
	}
	h.record(ctx, d, req.ID, partner.ID, d.OpenStatus(), req.Status, "")
	h.publish(ctx, events.Event{Type: events.TypeClaimed, Domain: d.Name, RequestID: req.ID, PartnerID: partner.ID, Status: req.Status})
	return req, nil
}

// Decline appends partnerID to the rejection cascade. A request that no
// longer exists is dropped silently. isTimeout only changes the wording.
func (h *Handler) Decline(ctx context.Context, d fsm.Domain, requestID, partnerID string, isTimeout bool) error {
	err := h.store.Reject(ctx, d, requestID, partnerID)
	if errors.Is(err, repo.ErrNotFound) {
		h.logger.Infof("claim: %s request %s gone, decline by %s dropped", d.Name, requestID, partnerID)
		return nil
	}
	if err != nil {
		h.logger.Errorf("claim: %s decline %s by %s failed: %v", d.Name, requestID, partnerID, err)
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	if h.metrics != nil {
		h.metrics.Declined(d.Name, isTimeout)
	}
	evType := events.TypeDeclined
	note := "declined"
	if isTimeout {
		evType = events.TypeTimedOut
		note = "timed out"
		h.logger.Infof("claim: %s request %s timed out for partner %s", d.Name, requestID, partnerID)
	} else {
		h.logger.Infof("claim: %s request %s declined by partner %s", d.Name, requestID, partnerID)
	}
	h.record(ctx, d, requestID, partnerID, d.OpenStatus(), d.OpenStatus(), note)
	h.publish(ctx, events.Event{Type: evType, Domain: d.Name, RequestID: requestID, PartnerID: partnerID})
	return nil
}

func (h *Handler) recordClaim(d fsm.Domain, outcome string, took time.Duration) {
	if h.metrics != nil {
		h.metrics.ClaimResult(d.Name, outcome, took)
	}
}

func (h *Handler) record(ctx context.Context, d fsm.Domain, requestID, partnerID, from, to, note string) {
	if h.history == nil {
		return
	}
	change := repo.StatusChange{
		Domain:     d.Name,
		RequestID:  requestID,
		PartnerID:  sql.NullString{String: partnerID, Valid: partnerID != ""},
		FromStatus: from,
		ToStatus:   to,
		Note:       sql.NullString{String: note, Valid: note != ""},
		CreatedAt:  h.clock.Now(),
	}
	if err := h.history.Record(ctx, change); err != nil {
		h.logger.Errorf("claim: history for %s failed: %v", requestID, err)
	}
}

func (h *Handler) publish(ctx context.Context, ev events.Event) {
	ev.At = h.clock.Now()
	if err := h.publisher.Publish(ctx, ev); err != nil {
		h.logger.Errorf("claim: publish %s for %s failed: %v", ev.Type, ev.RequestID, err)
	}
}
