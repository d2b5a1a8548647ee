package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"resqBack/internal/dispatch/claim"
	"resqBack/internal/dispatch/countdown"
	"resqBack/internal/dispatch/events"
	"resqBack/internal/dispatch/feed"
	"resqBack/internal/dispatch/fsm"
	"resqBack/internal/dispatch/geo"
	"resqBack/internal/dispatch/lifecycle"
	"resqBack/internal/dispatch/repo"
	"resqBack/internal/dispatch/timeutil"
)

var (
	// ErrNoCandidate is returned by Accept and Decline without a presented request.
	ErrNoCandidate = errors.New("no request is being offered")
	// ErrNoActiveJob is returned by job actions without an active job.
	ErrNoActiveJob = errors.New("no active job")
	// ErrActiveJob is returned when going offline with a job in progress.
	ErrActiveJob = errors.New("finish the active job before going offline")
)

// Session is the request lifecycle controller of one partner in one
// domain. It runs the feed while idle, counts down a presented candidate,
// claims or declines it and then drives the active job until it ends.
type Session struct {
	deps      *Deps
	domain    fsm.Domain
	partnerID string
	feed      *feed.Subscriber
	countdown *countdown.Countdown

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	online     bool
	partner    repo.PartnerProfile
	location   *geo.Point
	candidate  *feed.Candidate
	// offerSeq identifies the running countdown; expiries of earlier runs
	// carry an older value.
	offerSeq   uint64
	job        *lifecycle.Job
	feedCancel context.CancelFunc
	candCancel context.CancelFunc
	jobCancel  context.CancelFunc
	hbCancel   context.CancelFunc
}

func newSession(parent context.Context, deps *Deps, d fsm.Domain, partnerID string) *Session {
	ctx, cancel := context.WithCancel(parent)
	s := &Session{
		deps:      deps,
		domain:    d,
		partnerID: partnerID,
		feed:      feed.NewSubscriber(deps.Store, d, deps.Config.SpeedKPH, deps.Logger),
		countdown: countdown.New(deps.Clock, deps.Config.CountdownSeconds),
		ctx:       ctx,
		cancel:    cancel,
		partner:   repo.PartnerProfile{ID: partnerID},
	}
	s.feed.SetPosition(s.currentPosition)
	return s
}

// Domain returns the session domain.
func (s *Session) Domain() fsm.Domain { return s.domain }

// PartnerID returns the session partner.
func (s *Session) PartnerID() string { return s.partnerID }

// GoOnline marks the partner online, re-attaches an active job if one was
// persisted and otherwise starts the request feed.
func (s *Session) GoOnline(ctx context.Context, loc *geo.Point) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.online {
		return s.stateLocked(), nil
	}
	if loc != nil {
		if err := loc.ValidateFix(); err != nil {
			return State{}, err
		}
	}
	if err := s.deps.Store.SetOnline(ctx, s.domain, s.partnerID, true); err != nil {
		return State{}, fmt.Errorf("go online: %w", err)
	}
	partner, err := s.deps.Store.GetPartner(ctx, s.domain, s.partnerID)
	if err != nil {
		return State{}, fmt.Errorf("load partner: %w", err)
	}
	partner.IsOnline = true
	s.partner = partner
	s.online = true
	switch {
	case loc != nil:
		p := *loc
		s.location = &p
	case partner.CurrentLocation != nil && partner.CurrentLocation.ValidateFix() == nil:
		p := *partner.CurrentLocation
		s.location = &p
	}
	if s.location != nil {
		s.partner.CurrentLocation = s.location
		s.updateLocator(ctx, *s.location)
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.PartnerOnline(s.domain.Name, true)
	}
	s.deps.Logger.Infof("session: %s partner %s online", s.domain.Name, s.partnerID)

	s.startHeartbeatLocked()
	if err := s.resumeLocked(ctx); err != nil {
		s.deps.Logger.Errorf("session: resume %s/%s failed: %v", s.domain.Name, s.partnerID, err)
	}
	s.startFeedLocked()
	s.notifyLocked(Event{Type: EventOnline})
	return s.stateLocked(), nil
}

// GoOffline tears down the feed, the countdown and the heartbeat. A held
// candidate is dropped without a decline.
func (s *Session) GoOffline(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.online {
		return nil
	}
	if s.job != nil {
		return ErrActiveJob
	}
	if err := s.deps.Store.SetOnline(ctx, s.domain, s.partnerID, false); err != nil {
		return fmt.Errorf("go offline: %w", err)
	}
	if s.candidate != nil {
		s.countdown.Stop()
		id := s.candidate.Request.ID
		s.clearCandidateLocked()
		s.feed.Forget(id)
	}
	s.stopFeedLocked()
	if s.hbCancel != nil {
		s.hbCancel()
		s.hbCancel = nil
	}
	if s.deps.Locator != nil {
		if err := s.deps.Locator.Remove(ctx, s.domain.Name, s.partnerID); err != nil {
			s.deps.Logger.Errorf("session: locator remove %s failed: %v", s.partnerID, err)
		}
	}
	s.online = false
	s.partner.IsOnline = false
	if s.deps.Metrics != nil {
		s.deps.Metrics.PartnerOnline(s.domain.Name, false)
	}
	s.deps.Logger.Infof("session: %s partner %s offline", s.domain.Name, s.partnerID)
	s.notifyLocked(Event{Type: EventOffline})
	return nil
}

// UpdateLocation records the partner position for heartbeats and the GEO index.
func (s *Session) UpdateLocation(ctx context.Context, pos geo.Point) error {
	if err := pos.ValidateFix(); err != nil {
		return err
	}
	s.mu.Lock()
	s.location = &pos
	s.partner.CurrentLocation = &pos
	online := s.online
	s.mu.Unlock()
	if !online || s.deps.Locator == nil {
		return nil
	}
	return s.deps.Locator.Update(ctx, s.domain.Name, s.partnerID, pos)
}

// currentPosition is the live partner position used for candidate
// estimates: the last reported fix, else the locator's entry.
func (s *Session) currentPosition(ctx context.Context) *geo.Point {
	s.mu.Lock()
	var loc *geo.Point
	if s.location != nil {
		p := *s.location
		loc = &p
	}
	s.mu.Unlock()
	if loc != nil || s.deps.Locator == nil {
		return loc
	}
	pos, ok, err := s.deps.Locator.Position(ctx, s.domain.Name, s.partnerID)
	if err != nil {
		s.deps.Logger.Errorf("session: locator position %s failed: %v", s.partnerID, err)
		return nil
	}
	if !ok {
		return nil
	}
	return &pos
}

func (s *Session) updateLocator(ctx context.Context, pos geo.Point) {
	if s.deps.Locator == nil {
		return
	}
	if err := s.deps.Locator.Update(ctx, s.domain.Name, s.partnerID, pos); err != nil {
		s.deps.Logger.Errorf("session: locator update %s failed: %v", s.partnerID, err)
	}
}

// Resume re-attaches the persisted active job, if any.
func (s *Session) Resume(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resumeLocked(ctx)
}

func (s *Session) resumeLocked(ctx context.Context) error {
	if s.job != nil {
		return nil
	}
	id, err := s.deps.Active.Get(ctx, s.domain, s.partnerID)
	if err != nil {
		return fmt.Errorf("read active job: %w", err)
	}
	if id == "" {
		return nil
	}
	req, err := s.deps.Store.Get(ctx, s.domain, id)
	if errors.Is(err, repo.ErrNotFound) {
		s.clearActive(ctx)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load active job %s: %w", id, err)
	}
	phase, _ := s.domain.PhaseOf(req.Status)
	if req.PartnerID != s.partnerID || phase == fsm.PhaseOpen || phase.Terminal() {
		s.clearActive(ctx)
		return nil
	}
	s.stopFeedLocked()
	s.attachJobLocked(req)
	s.deps.Logger.Infof("session: %s partner %s resumed job %s", s.domain.Name, s.partnerID, id)
	s.notifyJobLocked(EventJob, "")
	return nil
}

func (s *Session) clearActive(ctx context.Context) {
	if err := s.deps.Active.Clear(ctx, s.domain, s.partnerID); err != nil {
		s.deps.Logger.Errorf("session: clear active %s failed: %v", s.partnerID, err)
	}
}

// Accept claims the presented candidate. The countdown is stopped before
// the claim. A lost or stale claim clears the candidate and resumes the
// feed; any other failure keeps the candidate and restarts the countdown.
func (s *Session) Accept(ctx context.Context) (repo.ServiceRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.candidate == nil {
		return repo.ServiceRequest{}, ErrNoCandidate
	}
	s.countdown.Stop()
	id := s.candidate.Request.ID

	req, err := s.deps.Claims.Accept(ctx, s.domain, id, s.partner)
	if err != nil {
		if errors.Is(err, claim.ErrAlreadyClaimed) || errors.Is(err, claim.ErrStaleOrDeleted) {
			s.clearCandidateLocked()
			s.notifyLocked(Event{Type: EventClaimLost, Message: err.Error()})
			s.startFeedLocked()
			return repo.ServiceRequest{}, err
		}
		s.startCountdownLocked(id)
		return repo.ServiceRequest{}, err
	}
	s.clearCandidateLocked()
	s.attachJobLocked(req)
	s.notifyJobLocked(EventJob, "")
	return req, nil
}

// Decline rejects the presented candidate. The countdown is stopped before
// the write; on failure the candidate stays and the countdown restarts.
func (s *Session) Decline(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.candidate == nil {
		return ErrNoCandidate
	}
	s.countdown.Stop()
	id := s.candidate.Request.ID
	if err := s.deps.Claims.Decline(ctx, s.domain, id, s.partnerID, false); err != nil {
		s.startCountdownLocked(id)
		return err
	}
	s.feed.MarkDeclined(id)
	s.clearCandidateLocked()
	s.notifyLocked(Event{Type: EventCandidateCleared, Message: "request declined"})
	s.startFeedLocked()
	return nil
}

func (s *Session) onTick(id string, seq uint64, remaining int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.candidate == nil || s.candidate.Request.ID != id || s.offerSeq != seq {
		return
	}
	s.notifyLocked(Event{Type: EventCountdown, Remaining: remaining})
}

func (s *Session) onTimeout(id string, seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.candidate == nil || s.candidate.Request.ID != id || s.offerSeq != seq {
		return
	}
	s.clearCandidateLocked()
	if err := s.deps.Claims.Decline(s.ctx, s.domain, id, s.partnerID, true); err != nil {
		s.feed.Forget(id)
		s.notifyLocked(Event{Type: EventNotice, Message: "could not record the missed request"})
	} else {
		s.feed.MarkDeclined(id)
		s.notifyLocked(Event{Type: EventCandidateCleared, Message: "request timed out"})
	}
	s.startFeedLocked()
}

func (s *Session) startCountdownLocked(id string) {
	s.offerSeq++
	seq := s.offerSeq
	s.countdown.Start(
		func(remaining int) { s.onTick(id, seq, remaining) },
		func() { s.onTimeout(id, seq) },
	)
}

func (s *Session) startFeedLocked() {
	if !s.online || s.candidate != nil || s.job != nil || s.feedCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(s.ctx)
	s.feedCancel = cancel
	go s.runFeed(ctx, s.partner)
}

func (s *Session) stopFeedLocked() {
	if s.feedCancel != nil {
		s.feedCancel()
		s.feedCancel = nil
	}
}

func (s *Session) runFeed(ctx context.Context, partner repo.PartnerProfile) {
	for {
		cand, err := s.feed.Next(ctx, partner)
		if err == nil {
			s.present(ctx, cand)
			return
		}
		if ctx.Err() != nil {
			return
		}
		s.deps.Logger.Errorf("session: %s feed for %s failed: %v", s.domain.Name, s.partnerID, err)
		if !s.wait(ctx, s.deps.Config.FeedRetry) {
			return
		}
	}
}

func (s *Session) wait(ctx context.Context, d time.Duration) bool {
	t := s.deps.Clock.NewTicker(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.Chan():
		return true
	}
}

func (s *Session) present(ctx context.Context, cand feed.Candidate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ctx.Err() != nil || !s.online || s.candidate != nil || s.job != nil {
		s.feed.Forget(cand.Request.ID)
		return
	}
	s.stopFeedLocked()
	c := cand
	s.candidate = &c
	id := c.Request.ID
	s.watchCandidateLocked(id)
	s.startCountdownLocked(id)
	s.notifyLocked(Event{Type: EventCandidate, Candidate: &c, Remaining: s.countdown.Window(), PushToken: s.partner.FCMToken})
}

func (s *Session) watchCandidateLocked(id string) {
	ctx, cancel := context.WithCancel(s.ctx)
	ch, err := s.deps.Store.WatchRequest(ctx, s.domain, id)
	if err != nil {
		cancel()
		s.deps.Logger.Errorf("session: watch candidate %s failed: %v", id, err)
		return
	}
	s.candCancel = cancel
	open := s.domain.OpenStatus()
	go func() {
		for snap := range ch {
			if snap != nil && snap.Status == open {
				continue
			}
			s.candidateGone(id, snap)
			return
		}
	}()
}

func (s *Session) candidateGone(id string, snap *repo.ServiceRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.candidate == nil || s.candidate.Request.ID != id {
		return
	}
	s.countdown.Stop()
	s.clearCandidateLocked()
	msg := "request was cancelled"
	if snap != nil && snap.PartnerID != "" {
		msg = "request was accepted by another partner"
	}
	s.notifyLocked(Event{Type: EventCandidateCleared, Message: msg})
	s.startFeedLocked()
}

func (s *Session) clearCandidateLocked() {
	if s.candCancel != nil {
		s.candCancel()
		s.candCancel = nil
	}
	s.candidate = nil
}

func (s *Session) attachJobLocked(req repo.ServiceRequest) {
	s.job = lifecycle.NewJob(s.domain, req, s.deps.Clock.Now())
	ctx, cancel := context.WithCancel(s.ctx)
	s.jobCancel = cancel
	ch, err := s.deps.Store.WatchRequest(ctx, s.domain, req.ID)
	if err != nil {
		s.deps.Logger.Errorf("session: watch job %s failed: %v", req.ID, err)
		return
	}
	go func() {
		for snap := range ch {
			if s.observe(req.ID, snap) {
				return
			}
		}
	}()
}

// observe applies a job snapshot and reports whether watching should stop.
func (s *Session) observe(id string, snap *repo.ServiceRequest) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.job == nil || s.job.Request.ID != id {
		return true
	}
	outcome := s.deps.Lifecycle.Observe(s.job, snap, s.deps.Clock.Now())
	if outcome.Reset() {
		s.resetJobLocked(outcome)
		return true
	}
	if outcome == lifecycle.OutcomeUpdated {
		s.notifyJobLocked(EventJob, "")
	}
	return false
}

func (s *Session) resetJobLocked(outcome lifecycle.Outcome) {
	if s.jobCancel != nil {
		s.jobCancel()
		s.jobCancel = nil
	}
	last := s.job.Request
	s.job = nil
	s.clearActive(s.ctx)
	s.deps.Logger.Infof("session: %s job %s of %s ended: %s", s.domain.Name, last.ID, s.partnerID, outcome)
	s.notifyLocked(Event{Type: EventJobReset, Job: &last, Message: string(outcome)})
	s.startFeedLocked()
}

func (s *Session) notifyJobLocked(t EventType, msg string) {
	if s.job == nil {
		return
	}
	req := s.job.Request
	s.notifyLocked(Event{
		Type:          t,
		Job:           &req,
		WaitingCharge: s.deps.Lifecycle.WaitingCharge(s.job, s.deps.Clock.Now()),
		Message:       msg,
	})
}

func (s *Session) notifyLocked(ev Event) {
	if s.deps.Notifier == nil {
		return
	}
	ev.Domain = s.domain.Name
	ev.PartnerID = s.partnerID
	ev.At = s.deps.Clock.Now()
	s.deps.Notifier.Notify(s.ctx, ev)
}

// EnRoute marks the partner on the way to the requester.
func (s *Session) EnRoute(ctx context.Context) (repo.ServiceRequest, error) {
	return s.act(ctx, "en route", s.deps.Lifecycle.EnRoute)
}

// Arrive marks the partner at the pickup point.
func (s *Session) Arrive(ctx context.Context) (repo.ServiceRequest, error) {
	return s.act(ctx, "arrive", s.deps.Lifecycle.Arrive)
}

// VerifyOTP checks the requester's code and starts the service on a match.
func (s *Session) VerifyOTP(ctx context.Context, code string) (repo.ServiceRequest, error) {
	return s.act(ctx, "verify otp", func(job *lifecycle.Job, now time.Time) (lifecycle.Change, error) {
		return s.deps.Lifecycle.VerifyOTP(job, now, code)
	})
}

// StartService starts the service for domains without OTP.
func (s *Session) StartService(ctx context.Context) (repo.ServiceRequest, error) {
	return s.act(ctx, "start", s.deps.Lifecycle.StartService)
}

// SubmitBill submits the bill of the job.
func (s *Session) SubmitBill(ctx context.Context, items []repo.BillItem) (repo.ServiceRequest, error) {
	return s.act(ctx, "bill", func(job *lifecycle.Job, now time.Time) (lifecycle.Change, error) {
		return s.deps.Lifecycle.SubmitBill(job, now, items)
	})
}

// Complete closes the job by partner action.
func (s *Session) Complete(ctx context.Context) (repo.ServiceRequest, error) {
	return s.act(ctx, "complete", s.deps.Lifecycle.Complete)
}

// Cancel cancels the job on behalf of the partner.
func (s *Session) Cancel(ctx context.Context, reason string) (repo.ServiceRequest, error) {
	return s.act(ctx, "cancel", func(job *lifecycle.Job, now time.Time) (lifecycle.Change, error) {
		return s.deps.Lifecycle.CancelByPartner(job, now, reason)
	})
}

func (s *Session) act(ctx context.Context, name string, fn func(*lifecycle.Job, time.Time) (lifecycle.Change, error)) (repo.ServiceRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.job == nil {
		return repo.ServiceRequest{}, ErrNoActiveJob
	}
	now := s.deps.Clock.Now()
	change, err := fn(s.job, now)
	if err != nil {
		return repo.ServiceRequest{}, err
	}
	if change.Noop() {
		return s.job.Request, nil
	}
	id := s.job.Request.ID
	updated, err := s.deps.Store.UpdateStatus(ctx, s.domain, id, change.From, change.To, change.Patch)
	if err != nil {
		if errors.Is(err, repo.ErrStatusChanged) || errors.Is(err, repo.ErrNotFound) {
			s.refreshLocked(ctx, id)
		}
		return repo.ServiceRequest{}, fmt.Errorf("%s: %w", name, err)
	}
	s.job.Apply(updated, now, change.Note)
	s.recordLocked(ctx, change, now)

	if phase, _ := s.domain.PhaseOf(updated.Status); phase.Terminal() {
		outcome := lifecycle.OutcomeCompleted
		if phase != fsm.PhaseCompleted {
			outcome = lifecycle.OutcomeCancelled
		}
		s.resetJobLocked(outcome)
		return updated, nil
	}
	s.notifyJobLocked(EventJob, change.Note)
	return updated, nil
}

func (s *Session) refreshLocked(ctx context.Context, id string) {
	req, err := s.deps.Store.Get(ctx, s.domain, id)
	var snap *repo.ServiceRequest
	switch {
	case err == nil:
		snap = &req
	case errors.Is(err, repo.ErrNotFound):
	default:
		s.deps.Logger.Errorf("session: refresh job %s failed: %v", id, err)
		return
	}
	outcome := s.deps.Lifecycle.Observe(s.job, snap, s.deps.Clock.Now())
	if outcome.Reset() {
		s.resetJobLocked(outcome)
	}
}

func (s *Session) recordLocked(ctx context.Context, c lifecycle.Change, now time.Time) {
	if s.deps.Metrics != nil {
		s.deps.Metrics.Transition(s.domain.Name, c.To)
	}
	id := s.job.Request.ID
	if s.deps.History != nil {
		err := s.deps.History.Record(ctx, repo.StatusChange{
			Domain:     s.domain.Name,
			RequestID:  id,
			PartnerID:  sql.NullString{String: s.partnerID, Valid: true},
			FromStatus: c.From,
			ToStatus:   c.To,
			Note:       sql.NullString{String: c.Note, Valid: c.Note != ""},
			CreatedAt:  now,
		})
		if err != nil {
			s.deps.Logger.Errorf("session: history for %s failed: %v", id, err)
		}
	}
	err := s.deps.Publisher.Publish(ctx, events.Event{
		Type:      events.TypeStatus,
		Domain:    s.domain.Name,
		RequestID: id,
		PartnerID: s.partnerID,
		Status:    c.To,
		At:        now,
	})
	if err != nil {
		s.deps.Logger.Errorf("session: publish status for %s failed: %v", id, err)
	}
}

func (s *Session) startHeartbeatLocked() {
	if s.hbCancel != nil || s.deps.Config.HeartbeatInterval <= 0 {
		return
	}
	ctx, cancel := context.WithCancel(s.ctx)
	s.hbCancel = cancel
	ticker := s.deps.Clock.NewTicker(s.deps.Config.HeartbeatInterval)
	go s.heartbeat(ctx, ticker)
}

func (s *Session) heartbeat(ctx context.Context, ticker timeutil.Ticker) {
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			s.beat(ctx)
		}
	}
}

// beat is the best-effort presence write. Failures are logged only.
func (s *Session) beat(ctx context.Context) {
	s.mu.Lock()
	var loc *geo.Point
	if s.location != nil {
		p := *s.location
		loc = &p
	}
	s.mu.Unlock()

	if err := s.deps.Store.Touch(ctx, s.domain, s.partnerID, loc, s.deps.Clock.Now()); err != nil {
		s.deps.Logger.Errorf("session: heartbeat %s/%s failed: %v", s.domain.Name, s.partnerID, err)
	}
	if loc != nil {
		s.updateLocator(ctx, *loc)
	}
}

// State returns a snapshot of the session.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

func (s *Session) stateLocked() State {
	st := State{Domain: s.domain.Name, PartnerID: s.partnerID, Online: s.online}
	if s.candidate != nil {
		c := *s.candidate
		st.Candidate = &c
		st.Remaining = s.countdown.Remaining()
	}
	if s.job != nil {
		req := s.job.Request
		st.Job = &req
		st.WaitingCharge = s.deps.Lifecycle.WaitingCharge(s.job, s.deps.Clock.Now())
	}
	return st
}

// Close stops every listener and timer of the session. The partner's
// stored online flag is left as is so a reconnect can resume.
func (s *Session) Close() {
	s.cancel()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.countdown.Stop()
	s.feedCancel = nil
	s.candCancel = nil
	s.jobCancel = nil
	s.hbCancel = nil
}
