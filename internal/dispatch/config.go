package dispatch

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"resqBack/internal/dispatch/countdown"
	"resqBack/internal/dispatch/lifecycle"
	"resqBack/internal/dispatch/pricing"
	"resqBack/internal/dispatch/receipts"
	"resqBack/internal/dispatch/session"
)

const (
	defaultETASpeedKPH    = 20
	defaultFreeWaiting    = 60 * time.Second
	defaultWaitingRate    = 2
	defaultHeartbeat      = 30 * time.Second
	defaultRideBaseFare   = 30
	defaultRidePricePerKM = 12
	defaultRideMinFare    = 50
	defaultKafkaTopic     = "resq.requests"
	defaultActionCooldown = 2 * time.Second
)

// DispatchConfig holds runtime configuration for the dispatch module.
type DispatchConfig struct {
	CountdownSeconds     int
	ETASpeedKPH          float64
	FreeWaiting          time.Duration
	WaitingRatePerMinute float64
	OTPMaxAttempts       int
	ActionCooldown       time.Duration
	Heartbeat            time.Duration
	RideTariff           pricing.Tariff
	KafkaBrokers         []string
	KafkaTopic           string
	Receipts             receipts.S3Config
}

// LoadDispatchConfig reads configuration from environment variables and applies defaults.
func LoadDispatchConfig() (DispatchConfig, error) {
	cfg := DispatchConfig{
		CountdownSeconds:     countdown.DefaultWindow,
		ETASpeedKPH:          defaultETASpeedKPH,
		FreeWaiting:          defaultFreeWaiting,
		WaitingRatePerMinute: defaultWaitingRate,
		ActionCooldown:       defaultActionCooldown,
		Heartbeat:            defaultHeartbeat,
		RideTariff: pricing.Tariff{
			BaseFare: defaultRideBaseFare,
			PerKM:    defaultRidePricePerKM,
			MinFare:  defaultRideMinFare,
		},
		KafkaTopic: defaultKafkaTopic,
	}

	if v, err := readIntEnv("OFFER_COUNTDOWN_SECONDS"); err != nil {
		return DispatchConfig{}, fmt.Errorf("parse OFFER_COUNTDOWN_SECONDS: %w", err)
	} else if v != nil {
		cfg.CountdownSeconds = *v
	}

	if v, err := readFloatEnv("ETA_SPEED_KPH"); err != nil {
		return DispatchConfig{}, fmt.Errorf("parse ETA_SPEED_KPH: %w", err)
	} else if v != nil {
		cfg.ETASpeedKPH = *v
	}

	if v, err := readIntEnv("FREE_WAITING_SECONDS"); err != nil {
		return DispatchConfig{}, fmt.Errorf("parse FREE_WAITING_SECONDS: %w", err)
	} else if v != nil {
		cfg.FreeWaiting = time.Duration(*v) * time.Second
	}

	if v, err := readFloatEnv("WAITING_RATE_PER_MINUTE"); err != nil {
		return DispatchConfig{}, fmt.Errorf("parse WAITING_RATE_PER_MINUTE: %w", err)
	} else if v != nil {
		cfg.WaitingRatePerMinute = *v
	}

	if v, err := readIntEnv("OTP_MAX_ATTEMPTS"); err != nil {
		return DispatchConfig{}, fmt.Errorf("parse OTP_MAX_ATTEMPTS: %w", err)
	} else if v != nil {
		cfg.OTPMaxAttempts = *v
	}

	if v, err := readIntEnv("ACTION_COOLDOWN_MS"); err != nil {
		return DispatchConfig{}, fmt.Errorf("parse ACTION_COOLDOWN_MS: %w", err)
	} else if v != nil {
		cfg.ActionCooldown = time.Duration(*v) * time.Millisecond
	}

	if v, err := readIntEnv("HEARTBEAT_SECONDS"); err != nil {
		return DispatchConfig{}, fmt.Errorf("parse HEARTBEAT_SECONDS: %w", err)
	} else if v != nil {
		cfg.Heartbeat = time.Duration(*v) * time.Second
	}

	if v, err := readFloatEnv("RIDE_BASE_FARE"); err != nil {
		return DispatchConfig{}, fmt.Errorf("parse RIDE_BASE_FARE: %w", err)
	} else if v != nil {
		cfg.RideTariff.BaseFare = *v
	}

	if v, err := readFloatEnv("RIDE_PRICE_PER_KM"); err != nil {
		return DispatchConfig{}, fmt.Errorf("parse RIDE_PRICE_PER_KM: %w", err)
	} else if v != nil {
		cfg.RideTariff.PerKM = *v
	}

	if v, err := readFloatEnv("RIDE_MIN_FARE"); err != nil {
		return DispatchConfig{}, fmt.Errorf("parse RIDE_MIN_FARE: %w", err)
	} else if v != nil {
		cfg.RideTariff.MinFare = *v
	}

	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		for _, b := range strings.Split(v, ",") {
			if b = strings.TrimSpace(b); b != "" {
				cfg.KafkaBrokers = append(cfg.KafkaBrokers, b)
			}
		}
	}
	if v := os.Getenv("KAFKA_TOPIC"); v != "" {
		cfg.KafkaTopic = v
	}

	cfg.Receipts = receipts.S3Config{
		AccessKey: os.Getenv("S3_ACCESS_KEY"),
		SecretKey: os.Getenv("S3_SECRET_KEY"),
		Bucket:    os.Getenv("S3_RECEIPTS_BUCKET"),
		Region:    os.Getenv("S3_REGION"),
		Endpoint:  os.Getenv("S3_ENDPOINT"),
		PublicURL: os.Getenv("S3_PUBLIC_URL"),
	}

	if cfg.CountdownSeconds <= 0 {
		return DispatchConfig{}, fmt.Errorf("OFFER_COUNTDOWN_SECONDS must be positive")
	}
	if cfg.ETASpeedKPH <= 0 {
		return DispatchConfig{}, fmt.Errorf("ETA_SPEED_KPH must be positive")
	}
	if cfg.FreeWaiting < 0 || cfg.WaitingRatePerMinute < 0 || cfg.OTPMaxAttempts < 0 {
		return DispatchConfig{}, fmt.Errorf("waiting and otp settings must not be negative")
	}
	return cfg, nil
}

// Lifecycle adapts the config for the job state machine.
func (c DispatchConfig) Lifecycle() lifecycle.Config {
	cfg := lifecycle.Config{
		FreeWaitingWindow:    c.FreeWaiting,
		WaitingRatePerMinute: c.WaitingRatePerMinute,
		OTPMaxAttempts:       c.OTPMaxAttempts,
		Tariff:               c.RideTariff,
	}
	if c.ActionCooldown > 0 {
		cfg.ButtonPolicies = map[lifecycle.Action]lifecycle.ButtonPolicy{
			lifecycle.ActionArrive:   {Cooldown: c.ActionCooldown},
			lifecycle.ActionStart:    {Cooldown: c.ActionCooldown},
			lifecycle.ActionComplete: {Cooldown: c.ActionCooldown},
		}
	}
	return cfg
}

// Session adapts the config for partner sessions.
func (c DispatchConfig) Session() session.Config {
	return session.Config{
		CountdownSeconds:  c.CountdownSeconds,
		HeartbeatInterval: c.Heartbeat,
		SpeedKPH:          c.ETASpeedKPH,
	}
}

func readIntEnv(name string) (*int, error) {
	val := os.Getenv(name)
	if val == "" {
		return nil, nil
	}
	v, err := strconv.Atoi(val)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func readFloatEnv(name string) (*float64, error) {
	val := os.Getenv(name)
	if val == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return nil, err
	}
	return &v, nil
}
