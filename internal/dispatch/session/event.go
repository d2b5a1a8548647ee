package session

import (
	"context"
	"time"

	"resqBack/internal/dispatch/feed"
	"resqBack/internal/dispatch/repo"
)

// EventType names a session notification.
type EventType string

const (
	EventOnline           EventType = "online"
	EventOffline          EventType = "offline"
	EventCandidate        EventType = "candidate"
	EventCountdown        EventType = "countdown"
	EventCandidateCleared EventType = "candidate_cleared"
	EventClaimLost        EventType = "claim_lost"
	EventJob              EventType = "job"
	EventJobReset         EventType = "job_reset"
	EventNotice           EventType = "notice"
)

// Event is pushed to the partner's live channel.
type Event struct {
	Type          EventType            `json:"type"`
	Domain        string               `json:"domain"`
	PartnerID     string               `json:"partner_id"`
	Candidate     *feed.Candidate      `json:"candidate,omitempty"`
	Remaining     int                  `json:"remaining,omitempty"`
	Job           *repo.ServiceRequest `json:"job,omitempty"`
	WaitingCharge float64              `json:"waiting_charge,omitempty"`
	Message       string               `json:"message,omitempty"`
	At            time.Time            `json:"at"`

	// PushToken is the partner's FCM token, used by push notifiers only.
	PushToken string `json:"-"`
}

// Notifier delivers session events to a partner.
type Notifier interface {
	Notify(ctx context.Context, ev Event)
}

// Notifiers fans an event out to several notifiers.
type Notifiers []Notifier

// Notify implements Notifier.
func (n Notifiers) Notify(ctx context.Context, ev Event) {
	for _, x := range n {
		if x != nil {
			x.Notify(ctx, ev)
		}
	}
}

// State is a snapshot of a session for the partner UI.
type State struct {
	Domain        string               `json:"domain"`
	PartnerID     string               `json:"partner_id"`
	Online        bool                 `json:"online"`
	Candidate     *feed.Candidate      `json:"candidate,omitempty"`
	Remaining     int                  `json:"remaining,omitempty"`
	Job           *repo.ServiceRequest `json:"job,omitempty"`
	WaitingCharge float64              `json:"waiting_charge,omitempty"`
}
