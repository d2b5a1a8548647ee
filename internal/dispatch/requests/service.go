package requests

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"resqBack/internal/dispatch/events"
	"resqBack/internal/dispatch/fsm"
	"resqBack/internal/dispatch/geo"
	"resqBack/internal/dispatch/lifecycle"
	"resqBack/internal/dispatch/pricing"
	"resqBack/internal/dispatch/receipts"
	"resqBack/internal/dispatch/repo"
	"resqBack/internal/dispatch/timeutil"
)

var (
	// ErrForbidden is returned when the request belongs to another requester.
	ErrForbidden = errors.New("request belongs to another requester")
	// ErrInvalidRequest is returned for incomplete create input.
	ErrInvalidRequest = errors.New("invalid request")
)

// Logger is a minimal logger interface required by the requester service.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Metrics records status transitions.
type Metrics interface {
	Transition(domain, status string)
}

// History records status changes for analytics.
type History interface {
	Record(ctx context.Context, c repo.StatusChange) error
}

// NewRequest is the requester input for a new request.
type NewRequest struct {
	RequesterID         string     `json:"-"`
	RequesterName       string     `json:"requester_name"`
	PickupLocation      geo.Point  `json:"pickup_location"`
	DestinationLocation *geo.Point `json:"destination_location,omitempty"`
	RideType            string     `json:"ride_type,omitempty"`
}

// Quote is a fare estimate between two points.
type Quote struct {
	geo.Estimate
	Fare float64 `json:"fare"`
}

// Deps groups the collaborators of the requester service.
type Deps struct {
	Store     repo.RequestStore
	Lifecycle *lifecycle.Service
	Archive   receipts.Archive
	Publisher events.Publisher
	History   History
	Metrics   Metrics
	Clock     timeutil.Clock
	Logger    Logger
	SpeedKPH  float64
}

// Validate ensures required dependencies are provided.
func (d *Deps) Validate() error {
	if d.Store == nil {
		return errors.New("requests deps: Store is required")
	}
	if d.Lifecycle == nil {
		return errors.New("requests deps: Lifecycle is required")
	}
	if d.Logger == nil {
		return errors.New("requests deps: Logger is required")
	}
	if d.Clock == nil {
		d.Clock = timeutil.System()
	}
	if d.Publisher == nil {
		d.Publisher = events.Nop{}
	}
	if d.SpeedKPH <= 0 {
		d.SpeedKPH = 20
	}
	return nil
}

// Service implements the requester side: creating, cancelling and paying
// for requests.
type Service struct {
	deps Deps
}

// NewService validates deps and creates the service.
func NewService(deps Deps) (*Service, error) {
	if err := deps.Validate(); err != nil {
		return nil, err
	}
	return &Service{deps: deps}, nil
}

// Quote prices a ride between two points with the configured tariff.
func (s *Service) Quote(from, to geo.Point) (Quote, error) {
	est, err := geo.EstimateTrip(from, to, s.deps.SpeedKPH)
	if err != nil {
		return Quote{}, err
	}
	return Quote{Estimate: est, Fare: pricing.Recommended(est.DistanceKM, s.deps.Lifecycle.Config().Tariff)}, nil
}

// Create stores an open request. Rides with a destination are priced up
// front.
func (s *Service) Create(ctx context.Context, d fsm.Domain, in NewRequest) (repo.ServiceRequest, error) {
	if strings.TrimSpace(in.RequesterID) == "" {
		return repo.ServiceRequest{}, fmt.Errorf("%w: requester is required", ErrInvalidRequest)
	}
	if err := in.PickupLocation.Validate(); err != nil {
		return repo.ServiceRequest{}, fmt.Errorf("%w: pickup: %v", ErrInvalidRequest, err)
	}
	req := repo.ServiceRequest{
		RequesterID:    in.RequesterID,
		RequesterName:  strings.TrimSpace(in.RequesterName),
		PickupLocation: in.PickupLocation,
		RideType:       strings.TrimSpace(in.RideType),
	}
	if in.DestinationLocation != nil {
		if err := in.DestinationLocation.Validate(); err != nil {
			return repo.ServiceRequest{}, fmt.Errorf("%w: destination: %v", ErrInvalidRequest, err)
		}
		dest := *in.DestinationLocation
		req.DestinationLocation = &dest
		if d.ChargesWaiting {
			q, err := s.Quote(in.PickupLocation, dest)
			if err != nil {
				return repo.ServiceRequest{}, err
			}
			req.Fare = &q.Fare
		}
	}

	created, err := s.deps.Store.Create(ctx, d, req)
	if err != nil {
		return repo.ServiceRequest{}, fmt.Errorf("create %s request: %w", d.Name, err)
	}
	s.deps.Logger.Infof("requests: %s request %s created by %s", d.Name, created.ID, created.RequesterID)
	s.record(ctx, d, created, "", created.Status, "created")
	s.publish(ctx, events.Event{Type: events.TypeCreated, Domain: d.Name, RequestID: created.ID, Status: created.Status, At: s.deps.Clock.Now()})
	return created, nil
}

// Get returns the requester's own request.
func (s *Service) Get(ctx context.Context, d fsm.Domain, id, requesterID string) (repo.ServiceRequest, error) {
	req, err := s.deps.Store.Get(ctx, d, id)
	if err != nil {
		return repo.ServiceRequest{}, err
	}
	if req.RequesterID != requesterID {
		return repo.ServiceRequest{}, ErrForbidden
	}
	return req, nil
}

// Cancel cancels the request on behalf of its requester. The assigned
// partner observes the change and drops the job.
func (s *Service) Cancel(ctx context.Context, d fsm.Domain, id, requesterID, reason string) (repo.ServiceRequest, error) {
	return s.apply(ctx, d, id, requesterID, func(job *lifecycle.Job) (lifecycle.Change, error) {
		return s.deps.Lifecycle.CancelByRequester(job, s.deps.Clock.Now(), reason)
	})
}

// Pay confirms payment of a billed request and archives its receipt. The
// returned URL is empty when archiving is disabled or failed.
func (s *Service) Pay(ctx context.Context, d fsm.Domain, id, requesterID string) (repo.ServiceRequest, string, error) {
	req, err := s.apply(ctx, d, id, requesterID, func(job *lifecycle.Job) (lifecycle.Change, error) {
		return s.deps.Lifecycle.ConfirmPayment(job, s.deps.Clock.Now())
	})
	if err != nil || s.deps.Archive == nil {
		return req, "", err
	}
	url, err := s.deps.Archive.Put(ctx, receipts.FromRequest(req))
	if err != nil {
		s.deps.Logger.Errorf("requests: archive receipt %s failed: %v", req.ID, err)
		return req, "", nil
	}
	return req, url, nil
}

func (s *Service) apply(ctx context.Context, d fsm.Domain, id, requesterID string, fn func(*lifecycle.Job) (lifecycle.Change, error)) (repo.ServiceRequest, error) {
	req, err := s.Get(ctx, d, id, requesterID)
	if err != nil {
		return repo.ServiceRequest{}, err
	}
	now := s.deps.Clock.Now()
	job := lifecycle.NewJob(d, req, now)
	change, err := fn(job)
	if err != nil {
		return repo.ServiceRequest{}, err
	}
	if change.Noop() {
		return req, nil
	}
	updated, err := s.deps.Store.UpdateStatus(ctx, d, id, change.From, change.To, change.Patch)
	if err != nil {
		return repo.ServiceRequest{}, fmt.Errorf("update %s request %s: %w", d.Name, id, err)
	}
	s.deps.Logger.Infof("requests: %s request %s %s -> %s", d.Name, id, change.From, change.To)
	s.record(ctx, d, updated, change.From, change.To, change.Note)
	s.publish(ctx, events.Event{Type: events.TypeStatus, Domain: d.Name, RequestID: id, PartnerID: updated.PartnerID, Status: change.To, At: now})
	return updated, nil
}

func (s *Service) record(ctx context.Context, d fsm.Domain, req repo.ServiceRequest, from, to, note string) {
	if s.deps.Metrics != nil {
		s.deps.Metrics.Transition(d.Name, to)
	}
	if s.deps.History == nil {
		return
	}
	err := s.deps.History.Record(ctx, repo.StatusChange{
		Domain:     d.Name,
		RequestID:  req.ID,
		PartnerID:  sql.NullString{String: req.PartnerID, Valid: req.PartnerID != ""},
		FromStatus: from,
		ToStatus:   to,
		Note:       sql.NullString{String: note, Valid: note != ""},
		CreatedAt:  s.deps.Clock.Now(),
	})
	if err != nil {
		s.deps.Logger.Errorf("requests: history for %s failed: %v", req.ID, err)
	}
}

func (s *Service) publish(ctx context.Context, ev events.Event) {
	if err := s.deps.Publisher.Publish(ctx, ev); err != nil {
		s.deps.Logger.Errorf("requests: publish %s for %s failed: %v", ev.Type, ev.RequestID, err)
	}
}
