package pricing

import (
	"math"
	"time"
)

// Tariff holds the ride fare parameters.
type Tariff struct {
	BaseFare float64
	PerKM    float64
	MinFare  float64
}

// Recommended calculates the ride fare for a trip distance, never below the minimum fare.
func Recommended(distanceKM float64, t Tariff) float64 {
	if distanceKM < 0 || math.IsNaN(distanceKM) {
		distanceKM = 0
	}
	price := math.Round(t.BaseFare + distanceKM*t.PerKM)
	if price < t.MinFare {
		return t.MinFare
	}
	return price
}

// WaitingCharge returns the charge for waiting at the pickup point: nothing
// inside the free window, then ratePerMinute for every full minute after it.
func WaitingCharge(waited, free time.Duration, ratePerMinute float64) float64 {
	if waited <= free || ratePerMinute <= 0 {
		return 0
	}
	minutes := int64((waited - free) / time.Minute)
	return float64(minutes) * ratePerMinute
}

// Total adds the waiting charge to the trip fare.
func Total(fare, waiting float64) float64 {
	return math.Round((fare+waiting)*100) / 100
}
