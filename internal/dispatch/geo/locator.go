package geo

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// PartnerLocator keeps positions of online partners per domain in a Redis
// GEO set.
type PartnerLocator struct {
	rdb redis.Cmdable
}

// NewPartnerLocator creates a new locator.
func NewPartnerLocator(rdb redis.Cmdable) *PartnerLocator {
	return &PartnerLocator{rdb: rdb}
}

func locatorKey(domain string) string {
	return fmt.Sprintf("partners:%s:online", strings.ToLower(strings.TrimSpace(domain)))
}

func memberName(partnerID string) string {
	return "partner:" + partnerID
}

func parseMember(member string) (string, error) {
	id, ok := strings.CutPrefix(member, "partner:")
	if !ok || id == "" {
		return "", fmt.Errorf("invalid member %q", member)
	}
	return id, nil
}

// Update stores the partner position. Positions without a fix are rejected.
func (l *PartnerLocator) Update(ctx context.Context, domain, partnerID string, pos Point) error {
	if partnerID == "" {
		return errors.New("locator: empty partner id")
	}
	if err := pos.ValidateFix(); err != nil {
		return err
	}
	return l.rdb.GeoAdd(ctx, locatorKey(domain), &redis.GeoLocation{
		Name:      memberName(partnerID),
		Longitude: pos.Lon,
		Latitude:  pos.Lat,
	}).Err()
}

// Position returns the last known partner position.
func (l *PartnerLocator) Position(ctx context.Context, domain, partnerID string) (Point, bool, error) {
	pos, err := l.rdb.GeoPos(ctx, locatorKey(domain), memberName(partnerID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Point{}, false, nil
		}
		return Point{}, false, err
	}
	if len(pos) == 0 || pos[0] == nil {
		return Point{}, false, nil
	}
	return Point{Lat: pos[0].Latitude, Lon: pos[0].Longitude}, true, nil
}

// Remove drops the partner from the online set.
func (l *PartnerLocator) Remove(ctx context.Context, domain, partnerID string) error {
	return l.rdb.ZRem(ctx, locatorKey(domain), memberName(partnerID)).Err()
}
