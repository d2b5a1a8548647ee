package fsm

import (
	"errors"
	"strings"
)

// Phase is the domain independent position of a request in its lifecycle.
// Every domain maps phases onto its own status strings.
type Phase string

const (
	PhaseOpen                 Phase = "open"
	PhaseAccepted             Phase = "accepted"
	PhaseEnRoute              Phase = "en_route"
	PhaseArrived              Phase = "arrived"
	PhaseInService            Phase = "in_service"
	PhaseBilling              Phase = "billing"
	PhaseCompleted            Phase = "completed"
	PhaseCancelledByRequester Phase = "cancelled_by_requester"
	PhaseCancelledByPartner   Phase = "cancelled_by_partner"
)

var ErrUnknownDomain = errors.New("unknown domain")

var transitions = map[Phase]map[Phase]struct{}{
	PhaseOpen: {
		PhaseAccepted:             {},
		PhaseCancelledByRequester: {},
	},
	PhaseAccepted: {
		PhaseEnRoute:              {},
		PhaseArrived:              {},
		PhaseCancelledByRequester: {},
		PhaseCancelledByPartner:   {},
	},
	PhaseEnRoute: {
		PhaseArrived:              {},
		PhaseCancelledByRequester: {},
		PhaseCancelledByPartner:   {},
	},
	PhaseArrived: {
		PhaseInService:            {},
		PhaseCancelledByRequester: {},
		PhaseCancelledByPartner:   {},
	},
	PhaseInService: {
		PhaseBilling:              {},
		PhaseCompleted:            {},
		PhaseCancelledByRequester: {},
		PhaseCancelledByPartner:   {},
	},
	PhaseBilling: {
		PhaseCompleted:            {},
		PhaseCancelledByRequester: {},
	},
	PhaseCompleted:            {},
	PhaseCancelledByRequester: {},
	PhaseCancelledByPartner:   {},
}

// Terminal reports whether no further transition leaves the phase.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseCancelledByRequester || p == PhaseCancelledByPartner
}

// CanTransitionPhase reports whether the phase graph allows from -> to.
func CanTransitionPhase(from, to Phase) bool {
	if from == to {
		return true
	}
	allowed, ok := transitions[from]
	if !ok {
		return false
	}
	_, ok = allowed[to]
	return ok
}

// CanTransition validates a status change within a domain.
func CanTransition(d Domain, from, to string) bool {
	fromPhase, ok := d.PhaseOf(from)
	if !ok {
		return false
	}
	toPhase, ok := d.PhaseOf(to)
	if !ok {
		return false
	}
	if !d.HasPhase(toPhase) {
		return false
	}
	return CanTransitionPhase(fromPhase, toPhase)
}

// NormalizeVehicleType lowercases and strips separators so "Mini-Cab" and
// "minicab" compare equal.
func NormalizeVehicleType(v string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	return strings.NewReplacer(" ", "", "-", "", "_", "").Replace(v)
}

// VehicleTypeMatches is the ride eligibility rule: either normalised value
// contains the other. An empty requested type accepts any vehicle.
func VehicleTypeMatches(partnerVehicle, requestedType string) bool {
	req := NormalizeVehicleType(requestedType)
	if req == "" {
		return true
	}
	veh := NormalizeVehicleType(partnerVehicle)
	if veh == "" {
		return false
	}
	return strings.Contains(veh, req) || strings.Contains(req, veh)
}
