package feed

import (
	"context"
	"errors"
	"sync"

	"resqBack/internal/dispatch/fsm"
	"resqBack/internal/dispatch/geo"
	"resqBack/internal/dispatch/repo"
)

// ErrFeedClosed is returned when the open-request stream ends before ctx.
var ErrFeedClosed = errors.New("feed: subscription closed")

// Logger is a minimal logger interface required by the feed.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// OpenRequestWatcher streams open requests of a domain.
type OpenRequestWatcher interface {
	WatchOpen(ctx context.Context, d fsm.Domain) (<-chan []repo.ServiceRequest, error)
}

// Candidate is a request presented to a partner. Estimate is only set when
// the partner position is known and is for display.
type Candidate struct {
	Request  repo.ServiceRequest `json:"request"`
	Estimate *geo.Estimate       `json:"estimate,omitempty"`
}

// PositionFunc reports the partner's current position, nil when unknown.
type PositionFunc func(ctx context.Context) *geo.Point

// Subscriber keeps the live view of open requests for one partner and
// surfaces the first eligible request it has not presented before.
type Subscriber struct {
	watcher  OpenRequestWatcher
	domain   fsm.Domain
	speedKPH float64
	logger   Logger
	position PositionFunc

	mu        sync.Mutex
	presented map[string]struct{}
	declined  map[string]struct{}
}

// NewSubscriber creates a feed subscriber for a partner session.
func NewSubscriber(watcher OpenRequestWatcher, domain fsm.Domain, speedKPH float64, logger Logger) *Subscriber {
	return &Subscriber{
		watcher:   watcher,
		domain:    domain,
		speedKPH:  speedKPH,
		logger:    logger,
		presented: make(map[string]struct{}),
		declined:  make(map[string]struct{}),
	}
}

// SetPosition makes candidate estimates use the live partner position
// instead of the profile passed to Next.
func (s *Subscriber) SetPosition(fn PositionFunc) {
	s.position = fn
}

// MarkDeclined records a local decline so the request is filtered even
// before the rejectedBy write is observed.
func (s *Subscriber) MarkDeclined(requestID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.declined[requestID] = struct{}{}
}

// Forget allows a request to be presented again, e.g. after a failed
// decline write.
func (s *Subscriber) Forget(requestID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.presented, requestID)
	delete(s.declined, requestID)
}

// Eligible applies the partner filters to one request.
func (s *Subscriber) Eligible(req repo.ServiceRequest, partner repo.PartnerProfile) bool {
	if req.Status != s.domain.OpenStatus() {
		return false
	}
	if req.RejectedByPartner(partner.ID) {
		return false
	}
	if !s.domain.Eligible(partner.VehicleType, req.RideType) {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.declined[req.ID]; ok {
		return false
	}
	_, ok := s.presented[req.ID]
	return !ok
}

// Select returns the first eligible request of a snapshot in snapshot
// order and marks it presented.
func (s *Subscriber) Select(ctx context.Context, snapshot []repo.ServiceRequest, partner repo.PartnerProfile) (Candidate, bool) {
	for _, req := range snapshot {
		if !s.Eligible(req, partner) {
			continue
		}
		s.mu.Lock()
		s.presented[req.ID] = struct{}{}
		s.mu.Unlock()
		return s.candidate(ctx, req, partner), true
	}
	return Candidate{}, false
}

func (s *Subscriber) candidate(ctx context.Context, req repo.ServiceRequest, partner repo.PartnerProfile) Candidate {
	c := Candidate{Request: req}
	from := partner.CurrentLocation
	if s.position != nil {
		if p := s.position(ctx); p != nil {
			from = p
		}
	}
	if from == nil || s.speedKPH <= 0 {
		return c
	}
	est, err := geo.EstimateTrip(*from, req.PickupLocation, s.speedKPH)
	if err != nil {
		s.logger.Errorf("feed: %s estimate for %s failed: %v", s.domain.Name, req.ID, err)
		return c
	}
	c.Estimate = &est
	return c
}

// Next subscribes to the open requests and blocks until a candidate is
// found. The subscription is torn down when Next returns, so it only runs
// while the caller holds neither a candidate nor an active job.
func (s *Subscriber) Next(ctx context.Context, partner repo.PartnerProfile) (Candidate, error) {
	if !partner.IsOnline {
		return Candidate{}, errors.New("feed: partner is offline")
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	snapshots, err := s.watcher.WatchOpen(ctx, s.domain)
	if err != nil {
		return Candidate{}, err
	}
	for {
		select {
		case <-ctx.Done():
			return Candidate{}, ctx.Err()
		case snap, ok := <-snapshots:
			if !ok {
				if ctx.Err() != nil {
					return Candidate{}, ctx.Err()
				}
				return Candidate{}, ErrFeedClosed
			}
			if c, found := s.Select(ctx, snap, partner); found {
				s.logger.Infof("feed: %s request %s presented to partner %s", s.domain.Name, c.Request.ID, partner.ID)
				return c, nil
			}
		}
	}
}
