package dispatch

import (
	"database/sql"
	"errors"
	"net/http"

	"github.com/redis/go-redis/v9"

	"resqBack/internal/dispatch/auth"
	"resqBack/internal/dispatch/events"
	"resqBack/internal/dispatch/metrics"
	"resqBack/internal/dispatch/notify"
	"resqBack/internal/dispatch/receipts"
	"resqBack/internal/dispatch/repo"
	"resqBack/internal/dispatch/timeutil"
)

// Logger provides minimal logging required by the dispatch module.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// DispatchDeps groups external dependencies needed by the dispatch module.
// Only Store, Tokens and Logger are required; every other backend is
// replaced by an in-process or no-op version when absent.
type DispatchDeps struct {
	Store          repo.Store
	RDB            *redis.Client
	DB             *sql.DB
	DBDriver       string
	Push           notify.Sender
	Archive        receipts.Archive
	Publisher      events.Publisher
	Metrics        *metrics.Recorder
	MetricsHandler http.Handler
	Tokens         *auth.Manager
	Clock          timeutil.Clock
	Logger         Logger
	Config         DispatchConfig
	module         *moduleState
}

// Validate ensures required dependencies are provided.
func (d *DispatchDeps) Validate() error {
	if d.Store == nil {
		return errors.New("dispatch deps: Store is required")
	}
	if d.Tokens == nil {
		return errors.New("dispatch deps: Tokens is required")
	}
	if d.Logger == nil {
		return errors.New("dispatch deps: Logger is required")
	}
	if d.Clock == nil {
		d.Clock = timeutil.System()
	}
	if d.Publisher == nil {
		d.Publisher = events.Nop{}
	}
	return nil
}
