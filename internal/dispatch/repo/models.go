package repo

import (
	"errors"
	"slices"
	"time"

	"resqBack/internal/dispatch/geo"
)

var (
	// ErrNotFound is returned when the document does not exist.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyClaimed is returned by Claim when the request left its open status.
	ErrAlreadyClaimed = errors.New("request already claimed")
	// ErrStatusChanged is returned by UpdateStatus when the expected status no longer matches.
	ErrStatusChanged = errors.New("request status changed")
)

// BillItem is a single line of a partner bill.
type BillItem struct {
	Description string  `json:"description" firestore:"description"`
	Amount      float64 `json:"amount" firestore:"amount"`
}

// ServiceRequest is a ride, garage request or emergency case.
type ServiceRequest struct {
	ID                  string     `json:"id"`
	Domain              string     `json:"domain"`
	RequesterID         string     `json:"requester_id"`
	RequesterName       string     `json:"requester_name"`
	PickupLocation      geo.Point  `json:"pickup_location"`
	DestinationLocation *geo.Point `json:"destination_location,omitempty"`
	RideType            string     `json:"ride_type,omitempty"`
	Status              string     `json:"status"`
	RejectedBy          []string   `json:"rejected_by"`
	PartnerID           string     `json:"partner_id,omitempty"`
	PartnerName         string     `json:"partner_name,omitempty"`
	OTP                 string     `json:"-"`
	Fare                *float64   `json:"fare,omitempty"`
	WaitingCharge       float64    `json:"waiting_charge,omitempty"`
	Bill                []BillItem `json:"bill,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	AcceptedAt          *time.Time `json:"accepted_at,omitempty"`
	ArrivedAt           *time.Time `json:"arrived_at,omitempty"`
	StartedAt           *time.Time `json:"started_at,omitempty"`
	CompletedAt         *time.Time `json:"completed_at,omitempty"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// RejectedByPartner reports whether partnerID is in the rejection cascade.
func (r ServiceRequest) RejectedByPartner(partnerID string) bool {
	return slices.Contains(r.RejectedBy, partnerID)
}

// PartnerProfile is a driver, mechanic or hospital.
type PartnerProfile struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	Phone           string     `json:"phone"`
	IsOnline        bool       `json:"is_online"`
	Status          string     `json:"status"`
	CurrentLocation *geo.Point `json:"current_location,omitempty"`
	WalletBalance   float64    `json:"wallet_balance"`
	Rating          float64    `json:"rating"`
	VehicleType     string     `json:"vehicle_type,omitempty"`
	FCMToken        string     `json:"-"`
	LastSeen        time.Time  `json:"last_seen"`
}

// Patch carries optional fields written together with a status change.
type Patch struct {
	Bill          []BillItem
	Fare          *float64
	WaitingCharge *float64
	ArrivedAt     *time.Time
	StartedAt     *time.Time
	CompletedAt   *time.Time
	// ReleasePartner resets the assignee profile to the idle status in the
	// same write.
	ReleasePartner bool
}

func clonePoint(p *geo.Point) *geo.Point {
	if p == nil {
		return nil
	}
	c := *p
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func cloneRequest(r ServiceRequest) ServiceRequest {
	r.DestinationLocation = clonePoint(r.DestinationLocation)
	r.RejectedBy = slices.Clone(r.RejectedBy)
	r.Bill = slices.Clone(r.Bill)
	if r.Fare != nil {
		f := *r.Fare
		r.Fare = &f
	}
	r.AcceptedAt = cloneTime(r.AcceptedAt)
	r.ArrivedAt = cloneTime(r.ArrivedAt)
	r.StartedAt = cloneTime(r.StartedAt)
	r.CompletedAt = cloneTime(r.CompletedAt)
	return r
}
