package dispatchhttp

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/bmizerany/pat"
	"github.com/justinas/alice"

	"resqBack/internal/dispatch/auth"
	"resqBack/internal/dispatch/fsm"
	"resqBack/internal/dispatch/geo"
	"resqBack/internal/dispatch/repo"
	"resqBack/internal/dispatch/requests"
	"resqBack/internal/dispatch/session"
)

// Logger is a minimal logger interface required by the server.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// HistoryReader lists the status timeline of a request.
type HistoryReader interface {
	ListByRequest(ctx context.Context, domain, requestID string) ([]repo.StatusChange, error)
}

// Server handles HTTP endpoints for partner and requester apps.
type Server struct {
	logger    Logger
	sessions  *session.Manager
	requests  *requests.Service
	history   HistoryReader
	partnerWS http.Handler
	metrics   http.Handler
}

// NewServer constructs Server. history, partnerWS and metrics are optional.
func NewServer(logger Logger, sessions *session.Manager, reqs *requests.Service, history HistoryReader, partnerWS, metrics http.Handler) *Server {
	return &Server{
		logger:    logger,
		sessions:  sessions,
		requests:  reqs,
		history:   history,
		partnerWS: partnerWS,
		metrics:   metrics,
	}
}

// RegisterRoutes registers the dispatch routes. partner and client chains
// must authenticate the caller and put an auth.Identity in the context.
func (s *Server) RegisterRoutes(mux *pat.PatternServeMux, public, partner, client alice.Chain) {
	mux.Get("/estimate", public.ThenFunc(s.handleEstimate))
	if s.metrics != nil {
		mux.Get("/metrics", s.metrics)
	}
	if s.partnerWS != nil {
		mux.Get("/ws/partner", s.partnerWS)
	}

	mux.Get("/partner/:domain/state", partner.ThenFunc(s.handleState))
	mux.Post("/partner/:domain/online", partner.ThenFunc(s.handleOnline))
	mux.Post("/partner/:domain/offline", partner.ThenFunc(s.handleOffline))
	mux.Post("/partner/:domain/location", partner.ThenFunc(s.handleLocation))
	mux.Post("/partner/:domain/accept", partner.ThenFunc(s.handleAccept))
	mux.Post("/partner/:domain/decline", partner.ThenFunc(s.handleDecline))
	mux.Post("/partner/:domain/en_route", partner.ThenFunc(s.jobAction(func(ctx context.Context, ss *session.Session, _ *http.Request) (repo.ServiceRequest, error) {
		return ss.EnRoute(ctx)
	})))
	mux.Post("/partner/:domain/arrive", partner.ThenFunc(s.jobAction(func(ctx context.Context, ss *session.Session, _ *http.Request) (repo.ServiceRequest, error) {
		return ss.Arrive(ctx)
	})))
	mux.Post("/partner/:domain/verify_otp", partner.ThenFunc(s.jobAction(s.verifyOTP)))
	mux.Post("/partner/:domain/start", partner.ThenFunc(s.jobAction(func(ctx context.Context, ss *session.Session, _ *http.Request) (repo.ServiceRequest, error) {
		return ss.StartService(ctx)
	})))
	mux.Post("/partner/:domain/bill", partner.ThenFunc(s.jobAction(s.submitBill)))
	mux.Post("/partner/:domain/complete", partner.ThenFunc(s.jobAction(func(ctx context.Context, ss *session.Session, _ *http.Request) (repo.ServiceRequest, error) {
		return ss.Complete(ctx)
	})))
	mux.Post("/partner/:domain/cancel", partner.ThenFunc(s.jobAction(s.partnerCancel)))

	mux.Post("/requests/:domain", client.ThenFunc(s.handleCreateRequest))
	mux.Get("/requests/:domain/:id", client.ThenFunc(s.handleGetRequest))
	mux.Get("/requests/:domain/:id/history", client.ThenFunc(s.handleHistory))
	mux.Post("/requests/:domain/:id/cancel", client.ThenFunc(s.handleCancelRequest))
	mux.Post("/requests/:domain/:id/pay", client.ThenFunc(s.handlePay))
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Errorf("%s %s failed: %v", r.Method, r.URL.Path, err)
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}

// partnerSession resolves the domain and the caller's session.
func (s *Server) partnerSession(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	id, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing identity")
		return nil, false
	}
	d, err := parseDomain(r)
	if err != nil {
		s.fail(w, r, err)
		return nil, false
	}
	return s.sessions.Get(r.Context(), d, id.UserID), true
}

func (s *Server) handleEstimate(w http.ResponseWriter, r *http.Request) {
	from, err := parsePoint(r, "from_lat", "from_lon")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	to, err := parsePoint(r, "to_lat", "to_lon")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	q, err := s.requests.Quote(from, to)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	ss, ok := s.partnerSession(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, ss.State())
}

func (s *Server) handleOnline(w http.ResponseWriter, r *http.Request) {
	ss, ok := s.partnerSession(w, r)
	if !ok {
		return
	}
	var req struct {
		Location *geo.Point `json:"location"`
	}
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	ctx, cancel := contextWithTimeout(r)
	defer cancel()
	st, err := ss.GoOnline(ctx, req.Location)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleOffline(w http.ResponseWriter, r *http.Request) {
	ss, ok := s.partnerSession(w, r)
	if !ok {
		return
	}
	ctx, cancel := contextWithTimeout(r)
	defer cancel()
	if err := ss.GoOffline(ctx); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ss.State())
}

func (s *Server) handleLocation(w http.ResponseWriter, r *http.Request) {
	ss, ok := s.partnerSession(w, r)
	if !ok {
		return
	}
	var pos geo.Point
	if err := json.NewDecoder(r.Body).Decode(&pos); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	ctx, cancel := contextWithTimeout(r)
	defer cancel()
	if err := ss.UpdateLocation(ctx, pos); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	ss, ok := s.partnerSession(w, r)
	if !ok {
		return
	}
	ctx, cancel := contextWithTimeout(r)
	defer cancel()
	job, err := ss.Accept(ctx)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleDecline(w http.ResponseWriter, r *http.Request) {
	ss, ok := s.partnerSession(w, r)
	if !ok {
		return
	}
	ctx, cancel := contextWithTimeout(r)
	defer cancel()
	if err := ss.Decline(ctx); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "declined"})
}

type jobFunc func(ctx context.Context, ss *session.Session, r *http.Request) (repo.ServiceRequest, error)

func (s *Server) jobAction(fn jobFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ss, ok := s.partnerSession(w, r)
		if !ok {
			return
		}
		ctx, cancel := contextWithTimeout(r)
		defer cancel()
		job, err := fn(ctx, ss, r)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, job)
	}
}

type badRequest string

func (e badRequest) Error() string { return string(e) }

func (s *Server) verifyOTP(ctx context.Context, ss *session.Session, r *http.Request) (repo.ServiceRequest, error) {
	var req struct {
		OTP string `json:"otp"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return repo.ServiceRequest{}, badRequest("invalid json")
	}
	return ss.VerifyOTP(ctx, req.OTP)
}

func (s *Server) submitBill(ctx context.Context, ss *session.Session, r *http.Request) (repo.ServiceRequest, error) {
	var req struct {
		Items []repo.BillItem `json:"items"`
	}
	if err := decodeOptional(r, &req); err != nil {
		return repo.ServiceRequest{}, badRequest("invalid json")
	}
	return ss.SubmitBill(ctx, req.Items)
}

func (s *Server) partnerCancel(ctx context.Context, ss *session.Session, r *http.Request) (repo.ServiceRequest, error) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := decodeOptional(r, &req); err != nil {
		return repo.ServiceRequest{}, badRequest("invalid json")
	}
	return ss.Cancel(ctx, req.Reason)
}

// requester resolves the domain and the caller of requester endpoints.
func (s *Server) requester(w http.ResponseWriter, r *http.Request) (fsm.Domain, string, bool) {
	id, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing identity")
		return fsm.Domain{}, "", false
	}
	d, err := parseDomain(r)
	if err != nil {
		s.fail(w, r, err)
		return fsm.Domain{}, "", false
	}
	return d, id.UserID, true
}

func (s *Server) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	d, userID, ok := s.requester(w, r)
	if !ok {
		return
	}
	var in requests.NewRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	in.RequesterID = userID
	ctx, cancel := contextWithTimeout(r)
	defer cancel()
	req, err := s.requests.Create(ctx, d, in)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, requesterView(req))
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	d, userID, ok := s.requester(w, r)
	if !ok {
		return
	}
	ctx, cancel := contextWithTimeout(r)
	defer cancel()
	req, err := s.requests.Get(ctx, d, r.URL.Query().Get(":id"), userID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, requesterView(req))
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusNotImplemented, "history is disabled")
		return
	}
	d, userID, ok := s.requester(w, r)
	if !ok {
		return
	}
	ctx, cancel := contextWithTimeout(r)
	defer cancel()
	id := r.URL.Query().Get(":id")
	if _, err := s.requests.Get(ctx, d, id, userID); err != nil {
		s.fail(w, r, err)
		return
	}
	rows, err := s.history.ListByRequest(ctx, d.Name, id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	type entry struct {
		From    string `json:"from"`
		To      string `json:"to"`
		Partner string `json:"partner_id,omitempty"`
		Note    string `json:"note,omitempty"`
		At      string `json:"at"`
	}
	out := make([]entry, 0, len(rows))
	for _, c := range rows {
		out = append(out, entry{From: c.FromStatus, To: c.ToStatus, Partner: c.PartnerID.String, Note: c.Note.String, At: c.CreatedAt.Format(time.RFC3339)})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"history": out})
}

func (s *Server) handleCancelRequest(w http.ResponseWriter, r *http.Request) {
	d, userID, ok := s.requester(w, r)
	if !ok {
		return
	}
	var body struct {
		Reason string `json:"reason"`
	}
	if err := decodeOptional(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	ctx, cancel := contextWithTimeout(r)
	defer cancel()
	req, err := s.requests.Cancel(ctx, d, r.URL.Query().Get(":id"), userID, body.Reason)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, requesterView(req))
}

func (s *Server) handlePay(w http.ResponseWriter, r *http.Request) {
	d, userID, ok := s.requester(w, r)
	if !ok {
		return
	}
	ctx, cancel := contextWithTimeout(r)
	defer cancel()
	req, receipt, err := s.requests.Pay(ctx, d, r.URL.Query().Get(":id"), userID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"request": requesterView(req), "receipt_url": receipt})
}

// requesterView exposes the OTP to its requester only.
type requesterRequest struct {
	repo.ServiceRequest
	OTP string `json:"otp,omitempty"`
}

func requesterView(req repo.ServiceRequest) requesterRequest {
	return requesterRequest{ServiceRequest: req, OTP: req.OTP}
}
