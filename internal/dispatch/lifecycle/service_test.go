package lifecycle

import (
	"context"
	"errors"
	"testing"
	"time"

	"resqBack/internal/dispatch/fsm"
	"resqBack/internal/dispatch/repo"
)

var created = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func claimed(t *testing.T, store *repo.MemoryStore, d fsm.Domain, fare *float64) *Job {
	t.Helper()
	ctx := context.Background()
	req, err := store.Create(ctx, d, repo.ServiceRequest{RequesterID: "u1", OTP: "4821", Fare: fare})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	req, err = store.Claim(ctx, d, req.ID, repo.PartnerProfile{ID: "p1", Name: "Partner"})
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	return NewJob(d, req, created)
}

func persist(t *testing.T, store *repo.MemoryStore, job *Job, c Change, at time.Time) {
	t.Helper()
	if c.Noop() {
		return
	}
	req, err := store.UpdateStatus(context.Background(), job.Domain, job.Request.ID, c.From, c.To, c.Patch)
	if err != nil {
		t.Fatalf("UpdateStatus %s -> %s: %v", c.From, c.To, err)
	}
	job.Apply(req, at, c.Note)
}

func TestRideHappyPath(t *testing.T) {
	store := repo.NewMemoryStore(func() time.Time { return created })
	svc := NewService(DefaultConfig())
	fare := 203.0
	job := claimed(t, store, fsm.Ride, &fare)

	arriveAt := created.Add(10 * time.Minute)
	c, err := svc.Arrive(job, arriveAt)
	if err != nil {
		t.Fatalf("Arrive: %v", err)
	}
	persist(t, store, job, c, arriveAt)
	if job.Request.Status != "arrived" {
		t.Fatalf("expected arrived, got %s", job.Request.Status)
	}

	if _, err := svc.VerifyOTP(job, arriveAt.Add(time.Minute), "1234"); !errors.Is(err, ErrOTPMismatch) {
		t.Fatalf("expected ErrOTPMismatch, got %v", err)
	}
	if job.Request.Status != "arrived" {
		t.Fatalf("mismatch must not change status")
	}

	startAt := arriveAt.Add(3*time.Minute + 20*time.Second)
	c, err = svc.VerifyOTP(job, startAt, "4821")
	if err != nil {
		t.Fatalf("VerifyOTP: %v", err)
	}
	persist(t, store, job, c, startAt)
	if job.Request.Status != "in-progress" {
		t.Fatalf("expected in-progress, got %s", job.Request.Status)
	}
	if job.Request.WaitingCharge != 4 {
		t.Fatalf("expected waiting charge 4, got %v", job.Request.WaitingCharge)
	}

	endAt := startAt.Add(30 * time.Minute)
	if got := svc.WaitingCharge(job, endAt); got != 4 {
		t.Fatalf("waiting timer must stop at service start, got %v", got)
	}
	c, err = svc.SubmitBill(job, endAt, nil)
	if err != nil {
		t.Fatalf("SubmitBill: %v", err)
	}
	persist(t, store, job, c, endAt)
	if job.Request.Status != "payment_pending" {
		t.Fatalf("expected payment_pending, got %s", job.Request.Status)
	}
	if job.Request.Fare == nil || *job.Request.Fare != 207 {
		t.Fatalf("expected fare 207, got %v", job.Request.Fare)
	}
	if len(job.Request.Bill) != 2 {
		t.Fatalf("expected fare and waiting lines, got %+v", job.Request.Bill)
	}

	c, err = svc.Complete(job, endAt.Add(time.Minute))
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	persist(t, store, job, c, endAt.Add(time.Minute))
	if job.Request.Status != "completed" {
		t.Fatalf("expected completed, got %s", job.Request.Status)
	}
	p, err := store.GetPartner(context.Background(), fsm.Ride, "p1")
	if err != nil {
		t.Fatalf("GetPartner: %v", err)
	}
	if p.Status != "online" {
		t.Fatalf("partner must be released, got %s", p.Status)
	}
	if len(job.Timeline) != 5 {
		t.Fatalf("unexpected timeline %+v", job.Timeline)
	}
}

func TestWaitingChargeSchedule(t *testing.T) {
	svc := NewService(DefaultConfig())
	arrived := created
	job := NewJob(fsm.Ride, repo.ServiceRequest{Status: "arrived", ArrivedAt: &arrived}, created)

	cases := []struct {
		after time.Duration
		want  float64
	}{
		{0, 0},
		{59 * time.Second, 0},
		{60 * time.Second, 0},
		{119 * time.Second, 0},
		{2 * time.Minute, 2},
		{3 * time.Minute, 4},
		{6*time.Minute + 59*time.Second, 10},
	}
	for _, tc := range cases {
		if got := svc.WaitingCharge(job, arrived.Add(tc.after)); got != tc.want {
			t.Fatalf("after %v: got %v want %v", tc.after, got, tc.want)
		}
	}

	garage := NewJob(fsm.Garage, repo.ServiceRequest{Status: "arrived", ArrivedAt: &arrived}, created)
	if got := svc.WaitingCharge(garage, arrived.Add(time.Hour)); got != 0 {
		t.Fatalf("garage has no waiting charge, got %v", got)
	}
}

func TestGarageBillAndPayment(t *testing.T) {
	store := repo.NewMemoryStore(func() time.Time { return created })
	svc := NewService(DefaultConfig())
	job := claimed(t, store, fsm.Garage, nil)

	c, _ := svc.Arrive(job, created)
	persist(t, store, job, c, created)
	if _, err := svc.StartService(job, created); !errors.Is(err, ErrOTPRequired) {
		t.Fatalf("expected ErrOTPRequired, got %v", err)
	}
	c, err := svc.VerifyOTP(job, created, job.Request.OTP)
	if err != nil {
		t.Fatalf("VerifyOTP: %v", err)
	}
	persist(t, store, job, c, created)

	bad := [][]repo.BillItem{
		nil,
		{{Description: " ", Amount: 10}},
		{{Description: "Tyre", Amount: 0}},
		{{Description: "Tyre", Amount: -5}},
	}
	for _, items := range bad {
		if _, err := svc.SubmitBill(job, created, items); !errors.Is(err, ErrIncompleteBill) {
			t.Fatalf("expected ErrIncompleteBill for %+v, got %v", items, err)
		}
	}
	if job.Request.Status != "in_progress" {
		t.Fatalf("invalid bill must not change status")
	}

	items := []repo.BillItem{{Description: "Puncture repair", Amount: 150}, {Description: "Labour", Amount: 99.5}}
	c, err = svc.SubmitBill(job, created, items)
	if err != nil {
		t.Fatalf("SubmitBill: %v", err)
	}
	persist(t, store, job, c, created)
	if job.Request.Status != "bill_sent" || *job.Request.Fare != 249.5 {
		t.Fatalf("unexpected billed request %+v", job.Request)
	}
	if _, err := svc.SubmitBill(job, created, items); !errors.Is(err, ErrBillAlreadySubmitted) {
		t.Fatalf("expected ErrBillAlreadySubmitted, got %v", err)
	}
	if _, err := svc.Complete(job, created); !errors.Is(err, ErrInvalidOperation) {
		t.Fatalf("garage completion is payment driven, got %v", err)
	}

	c, err = svc.ConfirmPayment(job, created)
	if err != nil {
		t.Fatalf("ConfirmPayment: %v", err)
	}
	persist(t, store, job, c, created)
	if job.Request.Status != "completed" {
		t.Fatalf("expected completed, got %s", job.Request.Status)
	}
}

func TestEmergencyPath(t *testing.T) {
	store := repo.NewMemoryStore(func() time.Time { return created })
	svc := NewService(DefaultConfig())
	job := claimed(t, store, fsm.Emergency, nil)

	c, err := svc.EnRoute(job, created)
	if err != nil {
		t.Fatalf("EnRoute: %v", err)
	}
	persist(t, store, job, c, created)
	if job.Request.Status != "onTheWay" {
		t.Fatalf("expected onTheWay, got %s", job.Request.Status)
	}
	c, _ = svc.Arrive(job, created)
	persist(t, store, job, c, created)
	if _, err := svc.VerifyOTP(job, created, "0000"); !errors.Is(err, ErrInvalidOperation) {
		t.Fatalf("emergency has no otp, got %v", err)
	}
	c, err = svc.StartService(job, created)
	if err != nil {
		t.Fatalf("StartService: %v", err)
	}
	persist(t, store, job, c, created)
	if job.Request.Status != "inTransit" {
		t.Fatalf("expected inTransit, got %s", job.Request.Status)
	}
	if _, err := svc.EnRoute(NewJob(fsm.Ride, repo.ServiceRequest{Status: "accepted"}, created), created); !errors.Is(err, ErrInvalidOperation) {
		t.Fatalf("ride has no en-route phase, got %v", err)
	}
}

func TestOTPAttemptLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.OTPMaxAttempts = 2
	svc := NewService(cfg)
	job := NewJob(fsm.Ride, repo.ServiceRequest{Status: "arrived", OTP: "1111"}, created)

	for i := 0; i < 2; i++ {
		if _, err := svc.VerifyOTP(job, created, "2222"); !errors.Is(err, ErrOTPMismatch) {
			t.Fatalf("attempt %d: expected mismatch, got %v", i, err)
		}
	}
	if _, err := svc.VerifyOTP(job, created, "1111"); !errors.Is(err, ErrActionThrottled) {
		t.Fatalf("expected ErrActionThrottled, got %v", err)
	}

	unlimited := NewService(DefaultConfig())
	job = NewJob(fsm.Ride, repo.ServiceRequest{Status: "arrived", OTP: "1111"}, created)
	for i := 0; i < 10; i++ {
		_, _ = unlimited.VerifyOTP(job, created, "2222")
	}
	if _, err := unlimited.VerifyOTP(job, created, "1111"); err != nil {
		t.Fatalf("no lockout by default, got %v", err)
	}
}

func TestCancellation(t *testing.T) {
	store := repo.NewMemoryStore(func() time.Time { return created })
	svc := NewService(DefaultConfig())
	job := claimed(t, store, fsm.Ride, nil)

	c, err := svc.CancelByPartner(job, created, "vehicle breakdown")
	if err != nil {
		t.Fatalf("CancelByPartner: %v", err)
	}
	if c.To != "cancelled_by_driver" || !c.Patch.ReleasePartner {
		t.Fatalf("unexpected change %+v", c)
	}
	persist(t, store, job, c, created)
	if _, err := svc.CancelByRequester(job, created, ""); !errors.Is(err, ErrInvalidOperation) {
		t.Fatalf("terminal request must not be cancelled again, got %v", err)
	}
}

func TestObserveExternalEvents(t *testing.T) {
	svc := NewService(DefaultConfig())
	base := repo.ServiceRequest{ID: "r1", Status: "arrived", PartnerID: "p1"}

	job := NewJob(fsm.Ride, base, created)
	if got := svc.Observe(job, &base, created); got != OutcomeUnchanged {
		t.Fatalf("expected unchanged, got %s", got)
	}

	cancelled := base
	cancelled.Status = "cancelled_by_rider"
	if got := svc.Observe(job, &cancelled, created); got != OutcomeCancelled || !got.Reset() {
		t.Fatalf("expected cancelled reset, got %s", got)
	}

	job = NewJob(fsm.Garage, repo.ServiceRequest{ID: "g1", Status: "bill_sent", PartnerID: "p1"}, created)
	paid := job.Request
	paid.Status = "completed"
	if got := svc.Observe(job, &paid, created); got != OutcomeCompleted {
		t.Fatalf("expected completed, got %s", got)
	}

	job = NewJob(fsm.Emergency, repo.ServiceRequest{ID: "e1", Status: "accepted", PartnerID: "p1"}, created)
	if got := svc.Observe(job, nil, created); got != OutcomeDeleted {
		t.Fatalf("expected deleted, got %s", got)
	}
	other := job.Request
	other.PartnerID = "p2"
	if got := svc.Observe(job, &other, created); got != OutcomeReassigned {
		t.Fatalf("expected reassigned, got %s", got)
	}
	moved := job.Request
	moved.Status = "onTheWay"
	if got := svc.Observe(job, &moved, created); got != OutcomeUpdated || got.Reset() {
		t.Fatalf("expected updated, got %s", got)
	}
}
