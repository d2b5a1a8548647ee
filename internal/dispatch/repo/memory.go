package repo

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"resqBack/internal/dispatch/fsm"
	"resqBack/internal/dispatch/geo"
)

// MemoryStore is an in-process Store with the same transactional semantics
// as the Firestore store. Used by tests and local runs without credentials.
type MemoryStore struct {
	mu  sync.Mutex
	now func() time.Time
	seq int

	requests map[string]map[string]*ServiceRequest
	order    map[string][]string
	partners map[string]map[string]*PartnerProfile

	openWatchers map[string]map[chan []ServiceRequest]fsm.Domain
	docWatchers  map[string]map[chan *ServiceRequest]struct{}
}

// NewMemoryStore constructs an empty store. A nil clock uses time.Now.
func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		now:          now,
		requests:     make(map[string]map[string]*ServiceRequest),
		order:        make(map[string][]string),
		partners:     make(map[string]map[string]*PartnerProfile),
		openWatchers: make(map[string]map[chan []ServiceRequest]fsm.Domain),
		docWatchers:  make(map[string]map[chan *ServiceRequest]struct{}),
	}
}

// PutPartner inserts or replaces a partner profile.
func (s *MemoryStore) PutPartner(d fsm.Domain, p PartnerProfile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	coll := s.partnerColl(d)
	cp := p
	cp.CurrentLocation = clonePoint(p.CurrentLocation)
	coll[p.ID] = &cp
}

func (s *MemoryStore) partnerColl(d fsm.Domain) map[string]*PartnerProfile {
	coll, ok := s.partners[d.PartnerCollection]
	if !ok {
		coll = make(map[string]*PartnerProfile)
		s.partners[d.PartnerCollection] = coll
	}
	return coll
}

func (s *MemoryStore) requestColl(d fsm.Domain) map[string]*ServiceRequest {
	coll, ok := s.requests[d.Collection]
	if !ok {
		coll = make(map[string]*ServiceRequest)
		s.requests[d.Collection] = coll
	}
	return coll
}

func docKey(d fsm.Domain, id string) string {
	return d.Collection + "/" + id
}

// Create implements RequestStore.
func (s *MemoryStore) Create(ctx context.Context, d fsm.Domain, req ServiceRequest) (ServiceRequest, error) {
	if err := ctx.Err(); err != nil {
		return ServiceRequest{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	coll := s.requestColl(d)
	if req.ID == "" {
		s.seq++
		req.ID = fmt.Sprintf("%s-%d", d.Name, s.seq)
	}
	if _, exists := coll[req.ID]; exists {
		return ServiceRequest{}, fmt.Errorf("request %s already exists", req.ID)
	}
	if req.OTP == "" {
		otp, err := NewOTP()
		if err != nil {
			return ServiceRequest{}, err
		}
		req.OTP = otp
	}
	now := s.now()
	req.Domain = d.Name
	req.Status = d.OpenStatus()
	req.RejectedBy = []string{}
	req.CreatedAt = now
	req.UpdatedAt = now
	stored := cloneRequest(req)
	coll[req.ID] = &stored
	s.order[d.Collection] = append(s.order[d.Collection], req.ID)
	s.notifyLocked(d, req.ID)
	return cloneRequest(stored), nil
}

// Get implements RequestStore.
func (s *MemoryStore) Get(ctx context.Context, d fsm.Domain, id string) (ServiceRequest, error) {
	if err := ctx.Err(); err != nil {
		return ServiceRequest{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requestColl(d)[id]
	if !ok {
		return ServiceRequest{}, ErrNotFound
	}
	return cloneRequest(*req), nil
}

// Claim implements RequestStore. The whole read-check-write runs under the
// store lock, which is what a Firestore transaction provides.
func (s *MemoryStore) Claim(ctx context.Context, d fsm.Domain, id string, partner PartnerProfile) (ServiceRequest, error) {
	if err := ctx.Err(); err != nil {
		return ServiceRequest{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requestColl(d)[id]
	if !ok {
		return ServiceRequest{}, ErrNotFound
	}
	if req.Status != d.OpenStatus() {
		return ServiceRequest{}, ErrAlreadyClaimed
	}
	now := s.now()
	req.Status = d.Status(fsm.PhaseAccepted)
	req.PartnerID = partner.ID
	req.PartnerName = partner.Name
	req.AcceptedAt = &now
	req.UpdatedAt = now

	profiles := s.partnerColl(d)
	p, ok := profiles[partner.ID]
	if !ok {
		cp := partner
		p = &cp
		profiles[partner.ID] = p
	}
	p.Status = d.BusyStatus

	s.notifyLocked(d, id)
	return cloneRequest(*req), nil
}

// Reject implements RequestStore.
func (s *MemoryStore) Reject(ctx context.Context, d fsm.Domain, id, partnerID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requestColl(d)[id]
	if !ok {
		return ErrNotFound
	}
	if slices.Contains(req.RejectedBy, partnerID) {
		return nil
	}
	req.RejectedBy = append(req.RejectedBy, partnerID)
	req.UpdatedAt = s.now()
	s.notifyLocked(d, id)
	return nil
}

// UpdateStatus implements RequestStore.
func (s *MemoryStore) UpdateStatus(ctx context.Context, d fsm.Domain, id, from, to string, patch Patch) (ServiceRequest, error) {
	if err := ctx.Err(); err != nil {
		return ServiceRequest{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requestColl(d)[id]
	if !ok {
		return ServiceRequest{}, ErrNotFound
	}
	if req.Status != from {
		return ServiceRequest{}, ErrStatusChanged
	}
	req.Status = to
	req.UpdatedAt = s.now()
	if patch.Bill != nil {
		req.Bill = slices.Clone(patch.Bill)
	}
	if patch.Fare != nil {
		f := *patch.Fare
		req.Fare = &f
	}
	if patch.WaitingCharge != nil {
		req.WaitingCharge = *patch.WaitingCharge
	}
	if patch.ArrivedAt != nil {
		req.ArrivedAt = cloneTime(patch.ArrivedAt)
	}
	if patch.StartedAt != nil {
		req.StartedAt = cloneTime(patch.StartedAt)
	}
	if patch.CompletedAt != nil {
		req.CompletedAt = cloneTime(patch.CompletedAt)
	}
	if patch.ReleasePartner && req.PartnerID != "" {
		if p, ok := s.partnerColl(d)[req.PartnerID]; ok {
			p.Status = d.IdleStatus
		}
	}
	s.notifyLocked(d, id)
	return cloneRequest(*req), nil
}

// Delete removes a request. Only used to simulate vanished documents.
func (s *MemoryStore) Delete(d fsm.Domain, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.requestColl(d), id)
	s.order[d.Collection] = slices.DeleteFunc(s.order[d.Collection], func(v string) bool { return v == id })
	s.notifyLocked(d, id)
}

// WatchOpen implements RequestStore.
func (s *MemoryStore) WatchOpen(ctx context.Context, d fsm.Domain) (<-chan []ServiceRequest, error) {
	ch := make(chan []ServiceRequest, 1)
	s.mu.Lock()
	watchers, ok := s.openWatchers[d.Collection]
	if !ok {
		watchers = make(map[chan []ServiceRequest]fsm.Domain)
		s.openWatchers[d.Collection] = watchers
	}
	watchers[ch] = d
	ch <- s.openLocked(d)
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(watchers, ch)
		close(ch)
		s.mu.Unlock()
	}()
	return ch, nil
}

// WatchRequest implements RequestStore.
func (s *MemoryStore) WatchRequest(ctx context.Context, d fsm.Domain, id string) (<-chan *ServiceRequest, error) {
	ch := make(chan *ServiceRequest, 1)
	key := docKey(d, id)
	s.mu.Lock()
	watchers, ok := s.docWatchers[key]
	if !ok {
		watchers = make(map[chan *ServiceRequest]struct{})
		s.docWatchers[key] = watchers
	}
	watchers[ch] = struct{}{}
	ch <- s.snapshotLocked(d, id)
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(watchers, ch)
		close(ch)
		s.mu.Unlock()
	}()
	return ch, nil
}

func (s *MemoryStore) openLocked(d fsm.Domain) []ServiceRequest {
	coll := s.requestColl(d)
	open := make([]ServiceRequest, 0)
	for _, id := range s.order[d.Collection] {
		req, ok := coll[id]
		if !ok || req.Status != d.OpenStatus() {
			continue
		}
		open = append(open, cloneRequest(*req))
	}
	return open
}

func (s *MemoryStore) snapshotLocked(d fsm.Domain, id string) *ServiceRequest {
	req, ok := s.requestColl(d)[id]
	if !ok {
		return nil
	}
	cp := cloneRequest(*req)
	return &cp
}

// notifyLocked pushes the latest state to watchers. Slow readers only see
// the newest snapshot, like a live query listener.
func (s *MemoryStore) notifyLocked(d fsm.Domain, id string) {
	for ch, wd := range s.openWatchers[d.Collection] {
		replaceLatest(ch, s.openLocked(wd))
	}
	for ch := range s.docWatchers[docKey(d, id)] {
		replaceLatest(ch, s.snapshotLocked(d, id))
	}
}

func replaceLatest[T any](ch chan T, v T) {
	select {
	case ch <- v:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- v:
	default:
	}
}

// GetPartner implements PartnerStore.
func (s *MemoryStore) GetPartner(ctx context.Context, d fsm.Domain, id string) (PartnerProfile, error) {
	if err := ctx.Err(); err != nil {
		return PartnerProfile{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.partnerColl(d)[id]
	if !ok {
		return PartnerProfile{}, ErrNotFound
	}
	cp := *p
	cp.CurrentLocation = clonePoint(p.CurrentLocation)
	return cp, nil
}

// SetOnline implements PartnerStore.
func (s *MemoryStore) SetOnline(ctx context.Context, d fsm.Domain, id string, online bool) error {
	return s.updatePartner(ctx, d, id, func(p *PartnerProfile) {
		p.IsOnline = online
		if online {
			p.Status = d.IdleStatus
		} else {
			p.Status = "offline"
		}
	})
}

// SetStatus implements PartnerStore.
func (s *MemoryStore) SetStatus(ctx context.Context, d fsm.Domain, id, status string) error {
	return s.updatePartner(ctx, d, id, func(p *PartnerProfile) { p.Status = status })
}

// Touch implements PartnerStore.
func (s *MemoryStore) Touch(ctx context.Context, d fsm.Domain, id string, loc *geo.Point, at time.Time) error {
	return s.updatePartner(ctx, d, id, func(p *PartnerProfile) {
		p.LastSeen = at
		if loc != nil {
			p.CurrentLocation = clonePoint(loc)
		}
	})
}

func (s *MemoryStore) updatePartner(ctx context.Context, d fsm.Domain, id string, fn func(p *PartnerProfile)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.partnerColl(d)[id]
	if !ok {
		return ErrNotFound
	}
	fn(p)
	return nil
}
