package claim

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"resqBack/internal/dispatch/events"
	"resqBack/internal/dispatch/fsm"
	"resqBack/internal/dispatch/metrics"
	"resqBack/internal/dispatch/repo"
	"resqBack/internal/dispatch/timeutil"
)

type stubLogger struct{}

func (stubLogger) Infof(string, ...interface{})  {}
func (stubLogger) Errorf(string, ...interface{}) {}

type failingStore struct{ err error }

func (f failingStore) Claim(context.Context, fsm.Domain, string, repo.PartnerProfile) (repo.ServiceRequest, error) {
	return repo.ServiceRequest{}, f.err
}

func (f failingStore) Reject(context.Context, fsm.Domain, string, string) error {
	return f.err
}

type historyStub struct{ changes []repo.StatusChange }

func (h *historyStub) Record(_ context.Context, c repo.StatusChange) error {
	h.changes = append(h.changes, c)
	return nil
}

func newHandler(t *testing.T, store Store) (*Handler, *MemoryActiveStore, *events.Recorder, *historyStub) {
	t.Helper()
	rec, err := metrics.NewWithRegistry(prometheus.NewRegistry())
	require.NoError(t, err)
	active := NewMemoryActiveStore()
	pub := &events.Recorder{}
	hist := &historyStub{}
	clock := timeutil.NewFake(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC))
	return New(store, active, pub, rec, hist, stubLogger{}, clock), active, pub, hist
}

func TestAcceptRaceSecondPartnerLoses(t *testing.T) {
	store := repo.NewMemoryStore(nil)
	h, active, pub, hist := newHandler(t, store)
	ctx := context.Background()

	r, err := store.Create(ctx, fsm.Ride, repo.ServiceRequest{RequesterID: "rider", RideType: "sedan"})
	require.NoError(t, err)

	a := repo.PartnerProfile{ID: "A", Name: "Driver A", IsOnline: true}
	b := repo.PartnerProfile{ID: "B", Name: "Driver B", IsOnline: true}

	won, err := h.Accept(ctx, fsm.Ride, r.ID, a)
	require.NoError(t, err)
	assert.Equal(t, "accepted", won.Status)
	assert.Equal(t, "A", won.PartnerID)

	_, err = h.Accept(ctx, fsm.Ride, r.ID, b)
	require.ErrorIs(t, err, ErrAlreadyClaimed)

	got, err := store.Get(ctx, fsm.Ride, r.ID)
	require.NoError(t, err)
	assert.Equal(t, "accepted", got.Status)
	assert.Equal(t, "A", got.PartnerID)

	id, err := active.Get(ctx, fsm.Ride, "A")
	require.NoError(t, err)
	assert.Equal(t, r.ID, id)
	id, err = active.Get(ctx, fsm.Ride, "B")
	require.NoError(t, err)
	assert.Empty(t, id)

	assert.Equal(t, []string{events.TypeClaimed, events.TypeClaimLost}, pub.Types())
	require.Len(t, hist.changes, 1)
	assert.Equal(t, "searching", hist.changes[0].FromStatus)
	assert.Equal(t, "accepted", hist.changes[0].ToStatus)
}

func TestAcceptMissingRequestIsStale(t *testing.T) {
	h, _, _, _ := newHandler(t, repo.NewMemoryStore(nil))
	_, err := h.Accept(context.Background(), fsm.Garage, "gone", repo.PartnerProfile{ID: "m1"})
	assert.ErrorIs(t, err, ErrStaleOrDeleted)
}

func TestAcceptNetworkFailureIsWrapped(t *testing.T) {
	cause := errors.New("permission denied")
	h, active, pub, _ := newHandler(t, failingStore{err: cause})
	ctx := context.Background()

	_, err := h.Accept(ctx, fsm.Emergency, "e1", repo.PartnerProfile{ID: "h1"})
	require.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, err, cause)

	id, _ := active.Get(ctx, fsm.Emergency, "h1")
	assert.Empty(t, id)
	assert.Empty(t, pub.Types())
}

func TestDeclineTwiceRecordsPartnerOnce(t *testing.T) {
	store := repo.NewMemoryStore(nil)
	h, _, pub, _ := newHandler(t, store)
	ctx := context.Background()
	r, err := store.Create(ctx, fsm.Garage, repo.ServiceRequest{RequesterID: "u1"})
	require.NoError(t, err)

	require.NoError(t, h.Decline(ctx, fsm.Garage, r.ID, "m1", false))
	require.NoError(t, h.Decline(ctx, fsm.Garage, r.ID, "m1", true))

	got, err := store.Get(ctx, fsm.Garage, r.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"m1"}, got.RejectedBy)
	assert.Equal(t, "pending", got.Status)
	assert.Equal(t, []string{events.TypeDeclined, events.TypeTimedOut}, pub.Types())
}

func TestDeclineMissingRequestIsDropped(t *testing.T) {
	h, _, pub, _ := newHandler(t, repo.NewMemoryStore(nil))
	assert.NoError(t, h.Decline(context.Background(), fsm.Ride, "gone", "A", true))
	assert.Empty(t, pub.Types())
}

func TestDeclineFailureSurfaces(t *testing.T) {
	h, _, _, _ := newHandler(t, failingStore{err: errors.New("unavailable")})
	err := h.Decline(context.Background(), fsm.Ride, "r1", "A", false)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestMemoryActiveStore(t *testing.T) {
	s := NewMemoryActiveStore()
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, fsm.Ride, "A", "r1"))
	require.NoError(t, s.Set(ctx, fsm.Garage, "A", "g1"))

	id, _ := s.Get(ctx, fsm.Ride, "A")
	assert.Equal(t, "r1", id)
	require.NoError(t, s.Clear(ctx, fsm.Ride, "A"))
	id, _ = s.Get(ctx, fsm.Ride, "A")
	assert.Empty(t, id)
	id, _ = s.Get(ctx, fsm.Garage, "A")
	assert.Equal(t, "g1", id)
	assert.Equal(t, "active:ride:A", activeKey(fsm.Ride, "A"))
}
