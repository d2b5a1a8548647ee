package fsm

import (
	"fmt"
	"strings"
)

// Domain describes one partner vertical: where its requests live, how its
// statuses are spelled and which gates its lifecycle enforces.
type Domain struct {
	Name       string
	Collection string
	// PartnerCollection holds the partner profiles of the vertical.
	PartnerCollection string

	// Field names written on the request document by a winning claim.
	PartnerIDField   string
	PartnerNameField string

	// Partner profile status values written on claim and release.
	BusyStatus string
	IdleStatus string

	// ActiveKey names the durable "active request id" slot of the partner.
	ActiveKey string

	RequireOTP  bool
	RequireBill bool
	// PartnerCompletes is true when the partner closes the job.
	// Otherwise completion arrives from the requester's payment.
	PartnerCompletes bool
	// MatchVehicle enables the vehicle-type eligibility filter.
	MatchVehicle bool
	// ChargesWaiting starts the paid waiting timer on arrival.
	ChargesWaiting bool

	Statuses map[Phase]string
}

// Status returns the domain spelling of a phase.
func (d Domain) Status(p Phase) string {
	return d.Statuses[p]
}

// OpenStatus is the status value a claim requires.
func (d Domain) OpenStatus() string {
	return d.Statuses[PhaseOpen]
}

// HasPhase reports whether the domain uses the phase at all.
func (d Domain) HasPhase(p Phase) bool {
	_, ok := d.Statuses[p]
	return ok
}

// PhaseOf maps a status string back to its phase.
func (d Domain) PhaseOf(status string) (Phase, bool) {
	for phase, s := range d.Statuses {
		if s == status {
			return phase, true
		}
	}
	return "", false
}

// Eligible applies the domain eligibility predicate.
func (d Domain) Eligible(partnerVehicle, requestedType string) bool {
	if !d.MatchVehicle {
		return true
	}
	return VehicleTypeMatches(partnerVehicle, requestedType)
}

var (
	Ride = Domain{
		Name:              "ride",
		PartnerCollection: "drivers",
		Collection:        "rides",
		PartnerIDField:    "driverId",
		PartnerNameField:  "driverName",
		BusyStatus:        "on_trip",
		IdleStatus:        "online",
		ActiveKey:         "activeRideId",
		RequireOTP:        true,
		PartnerCompletes:  true,
		MatchVehicle:      true,
		ChargesWaiting:    true,
		Statuses: map[Phase]string{
			PhaseOpen:                 "searching",
			PhaseAccepted:             "accepted",
			PhaseArrived:              "arrived",
			PhaseInService:            "in-progress",
			PhaseBilling:              "payment_pending",
			PhaseCompleted:            "completed",
			PhaseCancelledByRequester: "cancelled_by_rider",
			PhaseCancelledByPartner:   "cancelled_by_driver",
		},
	}

	Garage = Domain{
		Name:              "garage",
		PartnerCollection: "mechanics",
		Collection:        "garageRequests",
		PartnerIDField:    "mechanicId",
		PartnerNameField:  "mechanicName",
		BusyStatus:        "on_job",
		IdleStatus:        "online",
		ActiveKey:         "activeGarageRequestId",
		RequireOTP:        true,
		RequireBill:       true,
		Statuses: map[Phase]string{
			PhaseOpen:                 "pending",
			PhaseAccepted:             "accepted",
			PhaseArrived:              "arrived",
			PhaseInService:            "in_progress",
			PhaseBilling:              "bill_sent",
			PhaseCompleted:            "completed",
			PhaseCancelledByRequester: "cancelled_by_user",
			PhaseCancelledByPartner:   "cancelled_by_mechanic",
		},
	}

	Emergency = Domain{
		Name:              "emergency",
		PartnerCollection: "hospitals",
		Collection:        "emergencyCases",
		PartnerIDField:    "hospitalId",
		PartnerNameField:  "hospitalName",
		BusyStatus:        "on_job",
		IdleStatus:        "online",
		ActiveKey:         "activeEmergencyCaseId",
		RequireBill:       true,
		Statuses: map[Phase]string{
			PhaseOpen:                 "pending",
			PhaseAccepted:             "accepted",
			PhaseEnRoute:              "onTheWay",
			PhaseArrived:              "arrived",
			PhaseInService:            "inTransit",
			PhaseBilling:              "bill_sent",
			PhaseCompleted:            "completed",
			PhaseCancelledByRequester: "cancelled",
			PhaseCancelledByPartner:   "cancelled_by_hospital",
		},
	}
)

var domains = map[string]Domain{
	Ride.Name:      Ride,
	Garage.Name:    Garage,
	Emergency.Name: Emergency,
}

// Lookup resolves a domain by name.
func Lookup(name string) (Domain, error) {
	d, ok := domains[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Domain{}, fmt.Errorf("%w: %q", ErrUnknownDomain, name)
	}
	return d, nil
}

// All returns every registered domain.
func All() []Domain {
	return []Domain{Ride, Garage, Emergency}
}
