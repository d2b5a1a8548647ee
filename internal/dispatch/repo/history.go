package repo

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
	"time"
)

// StatusChange is one row of request_status_history.
type StatusChange struct {
	ID         int64
	Domain     string
	RequestID  string
	PartnerID  sql.NullString
	FromStatus string
	ToStatus   string
	Note       sql.NullString
	CreatedAt  time.Time
}

// HistoryRepo appends request status changes to an SQL table for analytics.
type HistoryRepo struct {
	db     *sql.DB
	dollar bool
}

// NewHistoryRepo constructs a HistoryRepo. driver is the database/sql driver
// name; "pgx" switches placeholders to $n.
func NewHistoryRepo(db *sql.DB, driver string) *HistoryRepo {
	return &HistoryRepo{db: db, dollar: driver == "pgx" || driver == "postgres"}
}

func (r *HistoryRepo) rebind(query string) string {
	if !r.dollar {
		return query
	}
	var b strings.Builder
	n := 0
	for _, ch := range query {
		if ch == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(ch)
	}
	return b.String()
}

// Record inserts a status change row.
func (r *HistoryRepo) Record(ctx context.Context, c StatusChange) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	_, err := r.db.ExecContext(ctx, r.rebind(`INSERT INTO request_status_history (domain, request_id, partner_id, from_status, to_status, note, created_at) VALUES (?,?,?,?,?,?,?)`),
		c.Domain, c.RequestID, c.PartnerID, c.FromStatus, c.ToStatus, c.Note, c.CreatedAt)
	return err
}

// ListByRequest returns the timeline of a request ordered by time.
func (r *HistoryRepo) ListByRequest(ctx context.Context, domain, requestID string) ([]StatusChange, error) {
	rows, err := r.db.QueryContext(ctx, r.rebind(`SELECT id, domain, request_id, partner_id, from_status, to_status, note, created_at
        FROM request_status_history
        WHERE domain = ? AND request_id = ?
        ORDER BY created_at, id`), domain, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []StatusChange
	for rows.Next() {
		var c StatusChange
		if err := rows.Scan(&c.ID, &c.Domain, &c.RequestID, &c.PartnerID, &c.FromStatus, &c.ToStatus, &c.Note, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
