package session

import (
	"context"
	"errors"
	"time"

	"resqBack/internal/dispatch/claim"
	"resqBack/internal/dispatch/events"
	"resqBack/internal/dispatch/geo"
	"resqBack/internal/dispatch/lifecycle"
	"resqBack/internal/dispatch/repo"
	"resqBack/internal/dispatch/timeutil"
)

// Logger is a minimal logger interface required by sessions.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Locator indexes partner positions.
type Locator interface {
	Update(ctx context.Context, domain, partnerID string, pos geo.Point) error
	Position(ctx context.Context, domain, partnerID string) (geo.Point, bool, error)
	Remove(ctx context.Context, domain, partnerID string) error
}

// Metrics records session level counters.
type Metrics interface {
	Transition(domain, status string)
	PartnerOnline(domain string, online bool)
}

// Config holds the session timings.
type Config struct {
	CountdownSeconds  int
	HeartbeatInterval time.Duration
	SpeedKPH          float64
	FeedRetry         time.Duration
}

// Deps groups the collaborators of a partner session.
type Deps struct {
	Store     repo.Store
	Claims    *claim.Handler
	Active    claim.ActiveStore
	Lifecycle *lifecycle.Service
	Locator   Locator
	Notifier  Notifier
	Publisher events.Publisher
	History   claim.History
	Metrics   Metrics
	Clock     timeutil.Clock
	Logger    Logger
	Config    Config
}

// Validate ensures required dependencies are provided.
func (d *Deps) Validate() error {
	if d.Store == nil {
		return errors.New("session deps: Store is required")
	}
	if d.Claims == nil {
		return errors.New("session deps: Claims is required")
	}
	if d.Active == nil {
		return errors.New("session deps: Active is required")
	}
	if d.Lifecycle == nil {
		return errors.New("session deps: Lifecycle is required")
	}
	if d.Logger == nil {
		return errors.New("session deps: Logger is required")
	}
	if d.Clock == nil {
		d.Clock = timeutil.System()
	}
	if d.Publisher == nil {
		d.Publisher = events.Nop{}
	}
	if d.Config.FeedRetry <= 0 {
		d.Config.FeedRetry = 2 * time.Second
	}
	return nil
}
