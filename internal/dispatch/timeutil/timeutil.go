package timeutil

import "time"

var serviceLocation = loadLocation()

func loadLocation() *time.Location {
	loc, err := time.LoadLocation("Asia/Kolkata")
	if err != nil {
		return time.FixedZone("Asia/Kolkata", 5*60*60+30*60)
	}
	return loc
}

// Now returns the current time in the Asia/Kolkata timezone.
func Now() time.Time {
	return time.Now().In(serviceLocation)
}

// InLocal converts provided time to the service timezone.
func InLocal(t time.Time) time.Time {
	return t.In(serviceLocation)
}

// Ticker is the subset of time.Ticker used by timers in this module.
type Ticker interface {
	Chan() <-chan time.Time
	Stop()
}

// Clock abstracts wall time and tickers so countdowns can be driven by tests.
type Clock interface {
	Now() time.Time
	NewTicker(d time.Duration) Ticker
}

type systemClock struct{}

type systemTicker struct {
	t *time.Ticker
}

func (s systemTicker) Chan() <-chan time.Time { return s.t.C }
func (s systemTicker) Stop()                  { s.t.Stop() }

// System returns the real clock in the service timezone.
func System() Clock {
	return systemClock{}
}

func (systemClock) Now() time.Time { return Now() }

func (systemClock) NewTicker(d time.Duration) Ticker {
	return systemTicker{t: time.NewTicker(d)}
}
