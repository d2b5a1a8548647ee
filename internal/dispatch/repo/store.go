package repo

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"time"

	"resqBack/internal/dispatch/fsm"
	"resqBack/internal/dispatch/geo"
)

// RequestStore is the document store holding service requests.
type RequestStore interface {
	// Create stores a new open request. ID, OTP and timestamps are assigned
	// by the store when empty.
	Create(ctx context.Context, d fsm.Domain, req ServiceRequest) (ServiceRequest, error)
	Get(ctx context.Context, d fsm.Domain, id string) (ServiceRequest, error)
	// Claim atomically moves an open request to accepted, assigns the
	// partner and marks the partner profile busy. ErrAlreadyClaimed leaves
	// the document untouched.
	Claim(ctx context.Context, d fsm.Domain, id string, partner PartnerProfile) (ServiceRequest, error)
	// Reject appends partnerID to rejectedBy with array-union semantics.
	Reject(ctx context.Context, d fsm.Domain, id, partnerID string) error
	// UpdateStatus moves the request from -> to, failing with
	// ErrStatusChanged when the current status is not from.
	UpdateStatus(ctx context.Context, d fsm.Domain, id, from, to string, patch Patch) (ServiceRequest, error)
	// WatchOpen streams the open requests of the domain in snapshot order.
	// The channel is closed when ctx is done.
	WatchOpen(ctx context.Context, d fsm.Domain) (<-chan []ServiceRequest, error)
	// WatchRequest streams a single request; nil means it was deleted.
	WatchRequest(ctx context.Context, d fsm.Domain, id string) (<-chan *ServiceRequest, error)
}

// PartnerStore keeps partner profiles.
type PartnerStore interface {
	GetPartner(ctx context.Context, d fsm.Domain, id string) (PartnerProfile, error)
	SetOnline(ctx context.Context, d fsm.Domain, id string, online bool) error
	SetStatus(ctx context.Context, d fsm.Domain, id, status string) error
	// Touch is the presence heartbeat write.
	Touch(ctx context.Context, d fsm.Domain, id string, loc *geo.Point, at time.Time) error
}

// Store combines both document collections.
type Store interface {
	RequestStore
	PartnerStore
}

// NewOTP returns a random 4-digit numeric code.
func NewOTP() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(10000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%04d", n.Int64()), nil
}
