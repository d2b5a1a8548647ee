package dispatch

import (
	"context"
	"io"
	"net/http"

	"github.com/bmizerany/pat"
	"github.com/justinas/alice"

	"resqBack/internal/dispatch/auth"
	"resqBack/internal/dispatch/claim"
	"resqBack/internal/dispatch/geo"
	dispatchhttp "resqBack/internal/dispatch/http"
	"resqBack/internal/dispatch/lifecycle"
	"resqBack/internal/dispatch/notify"
	"resqBack/internal/dispatch/repo"
	"resqBack/internal/dispatch/requests"
	"resqBack/internal/dispatch/session"
	"resqBack/internal/dispatch/ws"
)

type moduleState struct {
	active    claim.ActiveStore
	history   *repo.HistoryRepo
	locator   *geo.PartnerLocator
	claims    *claim.Handler
	lifecycle *lifecycle.Service
	sessions  *session.Manager
	requests  *requests.Service
	hub       *ws.PartnerHub
	push      *notify.FCM
	server    *dispatchhttp.Server
	cancel    context.CancelFunc
}

func ensureModule(deps *DispatchDeps) (*moduleState, error) {
	if err := deps.Validate(); err != nil {
		return nil, err
	}
	if deps.module != nil {
		return deps.module, nil
	}

	m := &moduleState{lifecycle: lifecycle.NewService(deps.Config.Lifecycle())}
	if deps.RDB != nil {
		m.active = claim.NewRedisActiveStore(deps.RDB)
		m.locator = geo.NewPartnerLocator(deps.RDB)
	} else {
		m.active = claim.NewMemoryActiveStore()
	}

	// nil interfaces, never typed nil pointers, for the optional backends
	var history claim.History
	var historyReader dispatchhttp.HistoryReader
	if deps.DB != nil {
		m.history = repo.NewHistoryRepo(deps.DB, deps.DBDriver)
		history = m.history
		historyReader = m.history
	}
	var locator session.Locator
	if m.locator != nil {
		locator = m.locator
	}

	m.claims = claim.New(deps.Store, m.active, deps.Publisher, deps.Metrics, history, deps.Logger, deps.Clock)
	m.hub = ws.NewPartnerHub(deps.Tokens.PartnerIdentity, deps.Logger)
	notifiers := session.Notifiers{m.hub}
	if deps.Push != nil {
		m.push = notify.NewFCM(deps.Push, deps.Logger)
		notifiers = append(notifiers, m.push)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sessions, err := session.NewManager(ctx, session.Deps{
		Store:     deps.Store,
		Claims:    m.claims,
		Active:    m.active,
		Lifecycle: m.lifecycle,
		Locator:   locator,
		Notifier:  notifiers,
		Publisher: deps.Publisher,
		History:   history,
		Metrics:   deps.Metrics,
		Clock:     deps.Clock,
		Logger:    deps.Logger,
		Config:    deps.Config.Session(),
	})
	if err != nil {
		cancel()
		return nil, err
	}
	m.sessions = sessions
	m.cancel = cancel
	m.hub.Bind(sessions)

	reqs, err := requests.NewService(requests.Deps{
		Store:     deps.Store,
		Lifecycle: m.lifecycle,
		Archive:   deps.Archive,
		Publisher: deps.Publisher,
		History:   history,
		Metrics:   deps.Metrics,
		Clock:     deps.Clock,
		Logger:    deps.Logger,
		SpeedKPH:  deps.Config.ETASpeedKPH,
	})
	if err != nil {
		cancel()
		return nil, err
	}
	m.requests = reqs
	m.server = dispatchhttp.NewServer(deps.Logger, sessions, reqs, historyReader, http.HandlerFunc(m.hub.ServeWS), deps.MetricsHandler)

	deps.module = m
	return m, nil
}

// RegisterDispatchRoutes wires HTTP and WebSocket routes into the provided mux.
// standard is the middleware chain shared by every route.
func RegisterDispatchRoutes(mux *pat.PatternServeMux, standard alice.Chain, deps *DispatchDeps) error {
	module, err := ensureModule(deps)
	if err != nil {
		return err
	}
	partner := standard.Append(deps.Tokens.Middleware(auth.RolePartner))
	client := standard.Append(deps.Tokens.Middleware(auth.RoleClient))
	module.server.RegisterRoutes(mux, standard, partner, client)
	return nil
}

// StartDispatchWorkers ties the module lifetime to ctx: when it is done all
// sessions are closed, pending pushes are flushed and the publisher is
// closed.
func StartDispatchWorkers(ctx context.Context, deps *DispatchDeps) error {
	module, err := ensureModule(deps)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		module.sessions.Close()
		module.cancel()
		if module.push != nil {
			module.push.Wait()
		}
		if c, ok := deps.Publisher.(io.Closer); ok {
			if err := c.Close(); err != nil {
				deps.Logger.Errorf("dispatch: close publisher: %v", err)
			}
		}
		deps.Logger.Infof("dispatch: workers stopped")
	}()
	return nil
}
