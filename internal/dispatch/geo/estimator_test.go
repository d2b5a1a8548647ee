package geo

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	connaughtPlace = Point{Lat: 28.6139, Lon: 77.2090}
	rohini         = Point{Lat: 28.7041, Lon: 77.1025}
)

func TestDistanceKMReferenceRoute(t *testing.T) {
	km, err := DistanceKM(connaughtPlace, rohini)
	require.NoError(t, err)
	assert.InDelta(t, 14.442, km, 0.01)

	back, err := DistanceKM(rohini, connaughtPlace)
	require.NoError(t, err)
	assert.InDelta(t, km, back, 1e-9)
}

func TestDistanceKMSamePoint(t *testing.T) {
	km, err := DistanceKM(rohini, rohini)
	require.NoError(t, err)
	assert.Zero(t, km)
}

func TestDistanceKMRejectsInvalidInput(t *testing.T) {
	cases := []struct {
		name string
		p    Point
	}{
		{"nan lat", Point{Lat: math.NaN(), Lon: 77}},
		{"inf lon", Point{Lat: 28, Lon: math.Inf(1)}},
		{"lat out of range", Point{Lat: 91, Lon: 77}},
		{"lon out of range", Point{Lat: 28, Lon: -181}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			km, err := DistanceKM(tc.p, rohini)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidCoordinate))
			assert.True(t, math.IsNaN(km))
		})
	}
}

func TestETAScalesLinearlyWithSpeed(t *testing.T) {
	km, err := DistanceKM(connaughtPlace, rohini)
	require.NoError(t, err)

	at20, err := ETAMinutes(km, 20)
	require.NoError(t, err)
	at25, err := ETAMinutes(km, 25)
	require.NoError(t, err)
	at40, err := ETAMinutes(km, 40)
	require.NoError(t, err)

	assert.InDelta(t, km*3, at20, 1e-9)
	assert.InDelta(t, at20/2, at40, 1e-9)
	assert.InDelta(t, at20*20/25, at25, 1e-9)
}

func TestETARejectsBadSpeed(t *testing.T) {
	for _, speed := range []float64{0, -5, math.NaN(), math.Inf(1)} {
		_, err := ETAMinutes(10, speed)
		assert.ErrorIs(t, err, ErrInvalidSpeed, "speed %v", speed)
	}
}

func TestEstimateTrip(t *testing.T) {
	est, err := EstimateTrip(connaughtPlace, rohini, 20)
	require.NoError(t, err)
	assert.InDelta(t, 14.442, est.DistanceKM, 0.01)
	assert.InDelta(t, est.DistanceKM*3, est.ETAMinutes, 1e-9)

	_, err = EstimateTrip(Point{Lat: 100}, rohini, 20)
	assert.ErrorIs(t, err, ErrInvalidCoordinate)
}

func TestValidateFix(t *testing.T) {
	if err := (Point{Lat: 28.6139, Lon: 77.2090}).ValidateFix(); err != nil {
		t.Fatalf("expected valid fix, got %v", err)
	}
	for _, p := range []Point{{}, {Lat: 0.00001, Lon: -0.00002}} {
		if err := p.ValidateFix(); !errors.Is(err, ErrNoFix) {
			t.Fatalf("expected ErrNoFix for %+v, got %v", p, err)
		}
	}
	if err := (Point{Lat: 91}).ValidateFix(); !errors.Is(err, ErrInvalidCoordinate) || errors.Is(err, ErrNoFix) {
		t.Fatalf("expected plain invalid coordinate, got %v", err)
	}
	if err := (Point{Lat: 0, Lon: 77.2}).ValidateFix(); err != nil {
		t.Fatalf("equator positions are valid, got %v", err)
	}
}
