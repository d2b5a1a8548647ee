package repo

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"resqBack/internal/dispatch/fsm"
	"resqBack/internal/dispatch/geo"
)

func fixedClock() func() time.Time {
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	return func() time.Time { return now }
}

func newRide(t *testing.T, s *MemoryStore) ServiceRequest {
	t.Helper()
	req, err := s.Create(context.Background(), fsm.Ride, ServiceRequest{
		RequesterID:    "rider-1",
		RequesterName:  "Asha",
		PickupLocation: geo.Point{Lat: 28.6139, Lon: 77.2090},
		RideType:       "sedan",
	})
	require.NoError(t, err)
	return req
}

func TestCreateAssignsDefaults(t *testing.T) {
	s := NewMemoryStore(fixedClock())
	req := newRide(t, s)

	assert.NotEmpty(t, req.ID)
	assert.Equal(t, "searching", req.Status)
	assert.Len(t, req.OTP, 4)
	assert.Empty(t, req.RejectedBy)
	assert.Equal(t, "ride", req.Domain)
}

func TestConcurrentClaimHasExactlyOneWinner(t *testing.T) {
	s := NewMemoryStore(fixedClock())
	req := newRide(t, s)

	const partners = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []string
		losers  int
	)
	for i := 0; i < partners; i++ {
		id := string(rune('a' + i))
		s.PutPartner(fsm.Ride, PartnerProfile{ID: id, Name: "driver " + id, Status: "online"})
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := s.Claim(context.Background(), fsm.Ride, req.ID, PartnerProfile{ID: id, Name: "driver " + id})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				winners = append(winners, id)
				return
			}
			assert.ErrorIs(t, err, ErrAlreadyClaimed)
			losers++
		}(id)
	}
	wg.Wait()

	require.Len(t, winners, 1)
	assert.Equal(t, partners-1, losers)

	got, err := s.Get(context.Background(), fsm.Ride, req.ID)
	require.NoError(t, err)
	assert.Equal(t, "accepted", got.Status)
	assert.Equal(t, winners[0], got.PartnerID)
	require.NotNil(t, got.AcceptedAt)

	p, err := s.GetPartner(context.Background(), fsm.Ride, winners[0])
	require.NoError(t, err)
	assert.Equal(t, "on_trip", p.Status)
}

func TestLosingClaimLeavesDocumentUnchanged(t *testing.T) {
	s := NewMemoryStore(fixedClock())
	req := newRide(t, s)
	ctx := context.Background()

	_, err := s.Claim(ctx, fsm.Ride, req.ID, PartnerProfile{ID: "A", Name: "Driver A"})
	require.NoError(t, err)
	before, err := s.Get(ctx, fsm.Ride, req.ID)
	require.NoError(t, err)

	_, err = s.Claim(ctx, fsm.Ride, req.ID, PartnerProfile{ID: "B", Name: "Driver B"})
	require.ErrorIs(t, err, ErrAlreadyClaimed)

	after, err := s.Get(ctx, fsm.Ride, req.ID)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	_, err = s.GetPartner(ctx, fsm.Ride, "B")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClaimMissingRequest(t *testing.T) {
	s := NewMemoryStore(nil)
	_, err := s.Claim(context.Background(), fsm.Garage, "nope", PartnerProfile{ID: "m1"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRejectIsIdempotent(t *testing.T) {
	s := NewMemoryStore(fixedClock())
	req := newRide(t, s)
	ctx := context.Background()

	require.NoError(t, s.Reject(ctx, fsm.Ride, req.ID, "B"))
	require.NoError(t, s.Reject(ctx, fsm.Ride, req.ID, "B"))
	require.NoError(t, s.Reject(ctx, fsm.Ride, req.ID, "C"))

	got, err := s.Get(ctx, fsm.Ride, req.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"B", "C"}, got.RejectedBy)
	assert.Equal(t, "searching", got.Status)

	assert.ErrorIs(t, s.Reject(ctx, fsm.Ride, "missing", "B"), ErrNotFound)
}

func TestUpdateStatusCompareAndSet(t *testing.T) {
	s := NewMemoryStore(fixedClock())
	req := newRide(t, s)
	ctx := context.Background()
	s.PutPartner(fsm.Ride, PartnerProfile{ID: "A", Status: "online"})
	_, err := s.Claim(ctx, fsm.Ride, req.ID, PartnerProfile{ID: "A"})
	require.NoError(t, err)

	_, err = s.UpdateStatus(ctx, fsm.Ride, req.ID, "searching", "arrived", Patch{})
	require.ErrorIs(t, err, ErrStatusChanged)

	arrived := time.Date(2024, 3, 1, 10, 5, 0, 0, time.UTC)
	got, err := s.UpdateStatus(ctx, fsm.Ride, req.ID, "accepted", "arrived", Patch{ArrivedAt: &arrived})
	require.NoError(t, err)
	assert.Equal(t, "arrived", got.Status)
	require.NotNil(t, got.ArrivedAt)
	assert.True(t, got.ArrivedAt.Equal(arrived))

	_, err = s.UpdateStatus(ctx, fsm.Ride, req.ID, "arrived", "cancelled_by_driver", Patch{ReleasePartner: true})
	require.NoError(t, err)
	p, err := s.GetPartner(ctx, fsm.Ride, "A")
	require.NoError(t, err)
	assert.Equal(t, "online", p.Status)
}

func TestWatchOpenStreamsOpenRequestsInOrder(t *testing.T) {
	s := NewMemoryStore(fixedClock())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := s.WatchOpen(ctx, fsm.Ride)
	require.NoError(t, err)
	initial := <-ch
	assert.Empty(t, initial)

	first := newRide(t, s)
	second := newRide(t, s)
	snap := <-ch
	require.Len(t, snap, 2)
	assert.Equal(t, first.ID, snap[0].ID)
	assert.Equal(t, second.ID, snap[1].ID)

	_, err = s.Claim(ctx, fsm.Ride, first.ID, PartnerProfile{ID: "A"})
	require.NoError(t, err)
	snap = <-ch
	require.Len(t, snap, 1)
	assert.Equal(t, second.ID, snap[0].ID)

	cancel()
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}

func TestWatchRequestReportsDeletion(t *testing.T) {
	s := NewMemoryStore(fixedClock())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req := newRide(t, s)

	ch, err := s.WatchRequest(ctx, fsm.Ride, req.ID)
	require.NoError(t, err)
	snap := <-ch
	require.NotNil(t, snap)
	assert.Equal(t, "searching", snap.Status)

	s.Delete(fsm.Ride, req.ID)
	assert.Nil(t, <-ch)
}

func TestPartnerPresence(t *testing.T) {
	s := NewMemoryStore(fixedClock())
	ctx := context.Background()
	s.PutPartner(fsm.Garage, PartnerProfile{ID: "m1", Name: "Ravi"})

	require.NoError(t, s.SetOnline(ctx, fsm.Garage, "m1", true))
	seen := time.Date(2024, 3, 1, 10, 1, 0, 0, time.UTC)
	require.NoError(t, s.Touch(ctx, fsm.Garage, "m1", &geo.Point{Lat: 12.97, Lon: 77.59}, seen))

	p, err := s.GetPartner(ctx, fsm.Garage, "m1")
	require.NoError(t, err)
	assert.True(t, p.IsOnline)
	assert.Equal(t, "online", p.Status)
	assert.True(t, p.LastSeen.Equal(seen))
	require.NotNil(t, p.CurrentLocation)

	require.NoError(t, s.SetOnline(ctx, fsm.Garage, "m1", false))
	p, err = s.GetPartner(ctx, fsm.Garage, "m1")
	require.NoError(t, err)
	assert.False(t, p.IsOnline)

	assert.ErrorIs(t, s.SetStatus(ctx, fsm.Garage, "ghost", "online"), ErrNotFound)
}
