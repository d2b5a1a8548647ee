package lifecycle

import (
	"time"

	"resqBack/internal/dispatch/pricing"
)

// Config aggregates behavioural parameters for the active job lifecycle.
type Config struct {
	// FreeWaitingWindow is the complimentary waiting time after arrival.
	FreeWaitingWindow time.Duration
	// WaitingRatePerMinute is charged for every full minute after the free window.
	WaitingRatePerMinute float64
	// OTPMaxAttempts limits OTP verification presses. Zero means no limit.
	OTPMaxAttempts int
	// Tariff prices rides that carry no fare yet.
	Tariff pricing.Tariff
	// ButtonPolicies configures throttle/cooldown for partner actions.
	ButtonPolicies map[Action]ButtonPolicy
}

// DefaultConfig returns the production constants.
func DefaultConfig() Config {
	return Config{
		FreeWaitingWindow:    60 * time.Second,
		WaitingRatePerMinute: 2,
		Tariff:               pricing.Tariff{BaseFare: 30, PerKM: 12, MinFare: 50},
	}
}

// ButtonPolicy configures how often a specific action can be triggered.
type ButtonPolicy struct {
	// Cooldown enforces a minimal duration between two presses.
	Cooldown time.Duration
	// MaxPresses limits button presses within the TTL window. Zero means no limit.
	MaxPresses int
	// TTL defines the time window for MaxPresses accounting. Zero disables TTL logic.
	TTL time.Duration
}

// Action identifies a partner action.
type Action string

const (
	ActionArrive    Action = "arrive"
	ActionEnRoute   Action = "en_route"
	ActionVerifyOTP Action = "verify_otp"
	ActionStart     Action = "start"
	ActionBill      Action = "bill"
	ActionComplete  Action = "complete"
	ActionCancel    Action = "cancel"
)
