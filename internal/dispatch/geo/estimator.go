package geo

import (
	"errors"
	"fmt"
	"math"
)

// EarthRadiusKM is the mean Earth radius used by the haversine formula.
const EarthRadiusKM = 6371.0

var (
	ErrInvalidCoordinate = errors.New("geo: invalid coordinate")
	ErrInvalidSpeed      = errors.New("geo: invalid average speed")
	// ErrNoFix marks a position around (0,0), as sent by devices without a fix.
	ErrNoFix = errors.New("geo: position without fix")
)

// Point is a WGS84 coordinate.
type Point struct {
	Lat float64 `json:"lat" firestore:"lat"`
	Lon float64 `json:"lon" firestore:"lon"`
}

// Validate rejects NaN, infinities and out of range coordinates.
func (p Point) Validate() error {
	if !finite(p.Lat) || !finite(p.Lon) {
		return fmt.Errorf("%w: lat=%v lon=%v", ErrInvalidCoordinate, p.Lat, p.Lon)
	}
	if p.Lat < -90 || p.Lat > 90 || p.Lon < -180 || p.Lon > 180 {
		return fmt.Errorf("%w: lat=%v lon=%v", ErrInvalidCoordinate, p.Lat, p.Lon)
	}
	return nil
}

// ValidateFix is Validate plus the rejection of near-zero positions.
func (p Point) ValidateFix() error {
	if err := p.Validate(); err != nil {
		return err
	}
	if math.Abs(p.Lat) < 1e-4 && math.Abs(p.Lon) < 1e-4 {
		return fmt.Errorf("%w: %w", ErrInvalidCoordinate, ErrNoFix)
	}
	return nil
}

// Estimate is a distance and travel time pair shown next to a candidate.
type Estimate struct {
	DistanceKM float64 `json:"distance_km"`
	ETAMinutes float64 `json:"eta_min"`
}

// DistanceKM returns the great-circle distance between a and b in kilometers.
func DistanceKM(a, b Point) (float64, error) {
	if err := a.Validate(); err != nil {
		return math.NaN(), err
	}
	if err := b.Validate(); err != nil {
		return math.NaN(), err
	}
	lat1 := toRadians(a.Lat)
	lat2 := toRadians(b.Lat)
	dLat := lat2 - lat1
	dLon := toRadians(b.Lon - a.Lon)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return EarthRadiusKM * c, nil
}

// ETAMinutes converts a distance into minutes at a constant average speed.
func ETAMinutes(distanceKM, speedKPH float64) (float64, error) {
	if !finite(speedKPH) || speedKPH <= 0 {
		return math.NaN(), fmt.Errorf("%w: %v", ErrInvalidSpeed, speedKPH)
	}
	if !finite(distanceKM) || distanceKM < 0 {
		return math.NaN(), fmt.Errorf("%w: distance %v", ErrInvalidCoordinate, distanceKM)
	}
	return distanceKM / speedKPH * 60, nil
}

// EstimateTrip computes distance and ETA from a to b.
func EstimateTrip(a, b Point, speedKPH float64) (Estimate, error) {
	km, err := DistanceKM(a, b)
	if err != nil {
		return Estimate{}, err
	}
	eta, err := ETAMinutes(km, speedKPH)
	if err != nil {
		return Estimate{}, err
	}
	return Estimate{DistanceKM: km, ETAMinutes: eta}, nil
}

func toRadians(v float64) float64 {
	return v * math.Pi / 180
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
