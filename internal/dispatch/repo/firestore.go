package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/google/uuid"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"resqBack/internal/dispatch/fsm"
	"resqBack/internal/dispatch/geo"
)

// FirestoreStore keeps requests and partner profiles in Cloud Firestore.
type FirestoreStore struct {
	client *firestore.Client
	now    func() time.Time
}

// NewFirestoreStore constructs a FirestoreStore.
func NewFirestoreStore(client *firestore.Client, now func() time.Time) *FirestoreStore {
	if now == nil {
		now = time.Now
	}
	return &FirestoreStore{client: client, now: now}
}

// requestDoc is the stored shape of a request. Partner fields are domain
// specific and are read separately.
type requestDoc struct {
	RequesterID         string     `firestore:"requesterId"`
	RequesterName       string     `firestore:"requesterName"`
	PickupLocation      geo.Point  `firestore:"pickupLocation"`
	DestinationLocation *geo.Point `firestore:"destinationLocation"`
	RideType            string     `firestore:"rideType"`
	Status              string     `firestore:"status"`
	RejectedBy          []string   `firestore:"rejectedBy"`
	OTP                 string     `firestore:"otp"`
	Fare                *float64   `firestore:"fare"`
	WaitingCharge       float64    `firestore:"waitingCharge"`
	Bill                []BillItem `firestore:"billItems"`
	CreatedAt           time.Time  `firestore:"createdAt"`
	AcceptedAt          *time.Time `firestore:"acceptedAt"`
	ArrivedAt           *time.Time `firestore:"arrivedAt"`
	StartedAt           *time.Time `firestore:"startedAt"`
	CompletedAt         *time.Time `firestore:"completedAt"`
	UpdatedAt           time.Time  `firestore:"updatedAt"`
}

type partnerDoc struct {
	Name            string     `firestore:"name"`
	Phone           string     `firestore:"phone"`
	IsOnline        bool       `firestore:"isOnline"`
	Status          string     `firestore:"status"`
	CurrentLocation *geo.Point `firestore:"currentLocation"`
	WalletBalance   float64    `firestore:"walletBalance"`
	Rating          float64    `firestore:"rating"`
	VehicleType     string     `firestore:"vehicleType"`
	FCMToken        string     `firestore:"fcmToken"`
	LastSeen        time.Time  `firestore:"lastSeen"`
}

func isNotFound(err error) bool {
	return status.Code(err) == codes.NotFound
}

func decodeRequest(d fsm.Domain, snap *firestore.DocumentSnapshot) (ServiceRequest, error) {
	var doc requestDoc
	if err := snap.DataTo(&doc); err != nil {
		return ServiceRequest{}, fmt.Errorf("decode %s/%s: %w", d.Collection, snap.Ref.ID, err)
	}
	req := ServiceRequest{
		ID:                  snap.Ref.ID,
		Domain:              d.Name,
		RequesterID:         doc.RequesterID,
		RequesterName:       doc.RequesterName,
		PickupLocation:      doc.PickupLocation,
		DestinationLocation: doc.DestinationLocation,
		RideType:            doc.RideType,
		Status:              doc.Status,
		RejectedBy:          doc.RejectedBy,
		OTP:                 doc.OTP,
		Fare:                doc.Fare,
		WaitingCharge:       doc.WaitingCharge,
		Bill:                doc.Bill,
		CreatedAt:           doc.CreatedAt,
		AcceptedAt:          doc.AcceptedAt,
		ArrivedAt:           doc.ArrivedAt,
		StartedAt:           doc.StartedAt,
		CompletedAt:         doc.CompletedAt,
		UpdatedAt:           doc.UpdatedAt,
	}
	if req.RejectedBy == nil {
		req.RejectedBy = []string{}
	}
	data := snap.Data()
	if v, ok := data[d.PartnerIDField].(string); ok {
		req.PartnerID = v
	}
	if v, ok := data[d.PartnerNameField].(string); ok {
		req.PartnerName = v
	}
	return req, nil
}

func (s *FirestoreStore) requests(d fsm.Domain) *firestore.CollectionRef {
	return s.client.Collection(d.Collection)
}

func (s *FirestoreStore) partners(d fsm.Domain) *firestore.CollectionRef {
	return s.client.Collection(d.PartnerCollection)
}

// Create implements RequestStore.
func (s *FirestoreStore) Create(ctx context.Context, d fsm.Domain, req ServiceRequest) (ServiceRequest, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.OTP == "" {
		otp, err := NewOTP()
		if err != nil {
			return ServiceRequest{}, err
		}
		req.OTP = otp
	}
	now := s.now()
	req.Domain = d.Name
	req.Status = d.OpenStatus()
	req.RejectedBy = []string{}
	req.CreatedAt = now
	req.UpdatedAt = now

	doc := requestDoc{
		RequesterID:         req.RequesterID,
		RequesterName:       req.RequesterName,
		PickupLocation:      req.PickupLocation,
		DestinationLocation: req.DestinationLocation,
		RideType:            req.RideType,
		Status:              req.Status,
		RejectedBy:          req.RejectedBy,
		OTP:                 req.OTP,
		Fare:                req.Fare,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if _, err := s.requests(d).Doc(req.ID).Create(ctx, doc); err != nil {
		return ServiceRequest{}, fmt.Errorf("create %s: %w", d.Collection, err)
	}
	return req, nil
}

// Get implements RequestStore.
func (s *FirestoreStore) Get(ctx context.Context, d fsm.Domain, id string) (ServiceRequest, error) {
	snap, err := s.requests(d).Doc(id).Get(ctx)
	if err != nil {
		if isNotFound(err) {
			return ServiceRequest{}, ErrNotFound
		}
		return ServiceRequest{}, err
	}
	return decodeRequest(d, snap)
}

// Claim implements RequestStore inside a single Firestore transaction.
func (s *FirestoreStore) Claim(ctx context.Context, d fsm.Domain, id string, partner PartnerProfile) (ServiceRequest, error) {
	ref := s.requests(d).Doc(id)
	partnerRef := s.partners(d).Doc(partner.ID)
	var claimed ServiceRequest
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			if isNotFound(err) {
				return ErrNotFound
			}
			return err
		}
		req, err := decodeRequest(d, snap)
		if err != nil {
			return err
		}
		if req.Status != d.OpenStatus() {
			return ErrAlreadyClaimed
		}
		now := s.now()
		err = tx.Update(ref, []firestore.Update{
			{Path: "status", Value: d.Status(fsm.PhaseAccepted)},
			{Path: d.PartnerIDField, Value: partner.ID},
			{Path: d.PartnerNameField, Value: partner.Name},
			{Path: "acceptedAt", Value: now},
			{Path: "updatedAt", Value: now},
		})
		if err != nil {
			return err
		}
		err = tx.Set(partnerRef, map[string]interface{}{
			"status":   d.BusyStatus,
			"lastSeen": now,
		}, firestore.MergeAll)
		if err != nil {
			return err
		}
		req.Status = d.Status(fsm.PhaseAccepted)
		req.PartnerID = partner.ID
		req.PartnerName = partner.Name
		req.AcceptedAt = &now
		req.UpdatedAt = now
		claimed = req
		return nil
	})
	if err != nil {
		return ServiceRequest{}, err
	}
	return claimed, nil
}

// Reject implements RequestStore.
func (s *FirestoreStore) Reject(ctx context.Context, d fsm.Domain, id, partnerID string) error {
	_, err := s.requests(d).Doc(id).Update(ctx, []firestore.Update{
		{Path: "rejectedBy", Value: firestore.ArrayUnion(partnerID)},
		{Path: "updatedAt", Value: s.now()},
	})
	if err != nil {
		if isNotFound(err) {
			return ErrNotFound
		}
		return err
	}
	return nil
}

// UpdateStatus implements RequestStore as a transactional compare-and-set.
func (s *FirestoreStore) UpdateStatus(ctx context.Context, d fsm.Domain, id, from, to string, patch Patch) (ServiceRequest, error) {
	ref := s.requests(d).Doc(id)
	var updated ServiceRequest
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			if isNotFound(err) {
				return ErrNotFound
			}
			return err
		}
		req, err := decodeRequest(d, snap)
		if err != nil {
			return err
		}
		if req.Status != from {
			return ErrStatusChanged
		}
		now := s.now()
		updates := []firestore.Update{
			{Path: "status", Value: to},
			{Path: "updatedAt", Value: now},
		}
		req.Status = to
		req.UpdatedAt = now
		if patch.Bill != nil {
			updates = append(updates, firestore.Update{Path: "billItems", Value: patch.Bill})
			req.Bill = patch.Bill
		}
		if patch.Fare != nil {
			updates = append(updates, firestore.Update{Path: "fare", Value: *patch.Fare})
			req.Fare = patch.Fare
		}
		if patch.WaitingCharge != nil {
			updates = append(updates, firestore.Update{Path: "waitingCharge", Value: *patch.WaitingCharge})
			req.WaitingCharge = *patch.WaitingCharge
		}
		if patch.ArrivedAt != nil {
			updates = append(updates, firestore.Update{Path: "arrivedAt", Value: *patch.ArrivedAt})
			req.ArrivedAt = patch.ArrivedAt
		}
		if patch.StartedAt != nil {
			updates = append(updates, firestore.Update{Path: "startedAt", Value: *patch.StartedAt})
			req.StartedAt = patch.StartedAt
		}
		if patch.CompletedAt != nil {
			updates = append(updates, firestore.Update{Path: "completedAt", Value: *patch.CompletedAt})
			req.CompletedAt = patch.CompletedAt
		}
		if err := tx.Update(ref, updates); err != nil {
			return err
		}
		if patch.ReleasePartner && req.PartnerID != "" {
			err := tx.Set(s.partners(d).Doc(req.PartnerID), map[string]interface{}{
				"status": d.IdleStatus,
			}, firestore.MergeAll)
			if err != nil {
				return err
			}
		}
		updated = req
		return nil
	})
	if err != nil {
		return ServiceRequest{}, err
	}
	return updated, nil
}

func snapshotsDone(err error) bool {
	if errors.Is(err, iterator.Done) || errors.Is(err, context.Canceled) {
		return true
	}
	code := status.Code(err)
	return code == codes.Canceled || code == codes.DeadlineExceeded
}

// WatchOpen implements RequestStore with a live query on the open status.
func (s *FirestoreStore) WatchOpen(ctx context.Context, d fsm.Domain) (<-chan []ServiceRequest, error) {
	it := s.requests(d).Where("status", "==", d.OpenStatus()).Snapshots(ctx)
	out := make(chan []ServiceRequest, 1)
	go func() {
		defer close(out)
		defer it.Stop()
		for {
			qs, err := it.Next()
			if err != nil {
				return
			}
			docs, err := qs.Documents.GetAll()
			if err != nil {
				if snapshotsDone(err) {
					return
				}
				continue
			}
			open := make([]ServiceRequest, 0, len(docs))
			for _, snap := range docs {
				req, err := decodeRequest(d, snap)
				if err != nil {
					continue
				}
				open = append(open, req)
			}
			replaceLatest(out, open)
		}
	}()
	return out, nil
}

// WatchRequest implements RequestStore with a document listener.
func (s *FirestoreStore) WatchRequest(ctx context.Context, d fsm.Domain, id string) (<-chan *ServiceRequest, error) {
	it := s.requests(d).Doc(id).Snapshots(ctx)
	out := make(chan *ServiceRequest, 1)
	go func() {
		defer close(out)
		defer it.Stop()
		for {
			snap, err := it.Next()
			if err != nil {
				return
			}
			if !snap.Exists() {
				replaceLatest(out, nil)
				continue
			}
			req, err := decodeRequest(d, snap)
			if err != nil {
				continue
			}
			replaceLatest(out, &req)
		}
	}()
	return out, nil
}

// GetPartner implements PartnerStore.
func (s *FirestoreStore) GetPartner(ctx context.Context, d fsm.Domain, id string) (PartnerProfile, error) {
	snap, err := s.partners(d).Doc(id).Get(ctx)
	if err != nil {
		if isNotFound(err) {
			return PartnerProfile{}, ErrNotFound
		}
		return PartnerProfile{}, err
	}
	var doc partnerDoc
	if err := snap.DataTo(&doc); err != nil {
		return PartnerProfile{}, fmt.Errorf("decode %s/%s: %w", d.PartnerCollection, id, err)
	}
	return PartnerProfile{
		ID:              id,
		Name:            doc.Name,
		Phone:           doc.Phone,
		IsOnline:        doc.IsOnline,
		Status:          doc.Status,
		CurrentLocation: doc.CurrentLocation,
		WalletBalance:   doc.WalletBalance,
		Rating:          doc.Rating,
		VehicleType:     doc.VehicleType,
		FCMToken:        doc.FCMToken,
		LastSeen:        doc.LastSeen,
	}, nil
}

// SetOnline implements PartnerStore.
func (s *FirestoreStore) SetOnline(ctx context.Context, d fsm.Domain, id string, online bool) error {
	st := "offline"
	if online {
		st = d.IdleStatus
	}
	return s.updatePartner(ctx, d, id, []firestore.Update{
		{Path: "isOnline", Value: online},
		{Path: "status", Value: st},
		{Path: "lastSeen", Value: s.now()},
	})
}

// SetStatus implements PartnerStore.
func (s *FirestoreStore) SetStatus(ctx context.Context, d fsm.Domain, id, st string) error {
	return s.updatePartner(ctx, d, id, []firestore.Update{{Path: "status", Value: st}})
}

// Touch implements PartnerStore.
func (s *FirestoreStore) Touch(ctx context.Context, d fsm.Domain, id string, loc *geo.Point, at time.Time) error {
	updates := []firestore.Update{{Path: "lastSeen", Value: at}}
	if loc != nil {
		updates = append(updates, firestore.Update{Path: "currentLocation", Value: *loc})
	}
	return s.updatePartner(ctx, d, id, updates)
}

func (s *FirestoreStore) updatePartner(ctx context.Context, d fsm.Domain, id string, updates []firestore.Update) error {
	if _, err := s.partners(d).Doc(id).Update(ctx, updates); err != nil {
		if isNotFound(err) {
			return ErrNotFound
		}
		return err
	}
	return nil
}
