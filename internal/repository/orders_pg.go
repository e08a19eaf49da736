package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"printfarm/internal/domain"
)

// OrdersPG implements OrderStore on Postgres. Schema:
//
//	orders(id, creator_id, city, lat, lon, spec, state, assigned_farmer,
//	       cancel_reason, version, dispatch_attempts, created_at, updated_at,
//	       completed_at)
//	offer_attempts(id, order_id, seq, farmer_id, outcome, created_at,
//	       expires_at, closed_at)   unique(order_id, seq)
//	order_status_log(order_id, from_state, to_state, farmer_id, attempt_seq,
//	       reason, changed_at)
type OrdersPG struct {
	db *sql.DB
}

func NewOrdersPG(db *sql.DB) *OrdersPG { return &OrdersPG{db: db} }

func (r *OrdersPG) Get(ctx context.Context, orderID string) (*domain.Order, error) {
	var (
		o        domain.Order
		specRaw  []byte
		assigned sql.NullString
		reason   sql.NullString
		done     sql.NullTime
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT id, creator_id, city, lat, lon, spec, state, assigned_farmer,
		       cancel_reason, version, dispatch_attempts, created_at, updated_at, completed_at
		FROM orders WHERE id=$1
	`, orderID).Scan(&o.ID, &o.CreatorID, &o.City, &o.Location.Lat, &o.Location.Lon,
		&specRaw, (*string)(&o.State), &assigned, &reason, &o.Version,
		&o.DispatchAttempts, &o.CreatedAt, &o.UpdatedAt, &done)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get order %s: %w", orderID, err)
	}
	if err := json.Unmarshal(specRaw, &o.Spec); err != nil {
		return nil, fmt.Errorf("decode spec for order %s: %w", orderID, err)
	}
	o.AssignedFarmer = assigned.String
	o.CancelReason = reason.String
	if done.Valid {
		o.CompletedAt = done.Time
	}
	return &o, nil
}

func (r *OrdersPG) Save(ctx context.Context, o *domain.Order) error {
	specRaw, err := json.Marshal(o.Spec)
	if err != nil {
		return fmt.Errorf("encode spec for order %s: %w", o.ID, err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO orders
		    (id, creator_id, city, lat, lon, spec, state, assigned_farmer,
		     cancel_reason, version, dispatch_attempts, created_at, updated_at, completed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		ON CONFLICT (id) DO UPDATE SET
		    state = EXCLUDED.state,
		    assigned_farmer = EXCLUDED.assigned_farmer,
		    cancel_reason = EXCLUDED.cancel_reason,
		    version = EXCLUDED.version,
		    dispatch_attempts = EXCLUDED.dispatch_attempts,
		    updated_at = EXCLUDED.updated_at,
		    completed_at = EXCLUDED.completed_at
	`, o.ID, o.CreatorID, o.City, o.Location.Lat, o.Location.Lon, specRaw,
		string(o.State), nullIfEmpty(o.AssignedFarmer), nullIfEmpty(o.CancelReason),
		o.Version, o.DispatchAttempts, o.CreatedAt, o.UpdatedAt, nullIfZeroTime(o.CompletedAt))
	if err != nil {
		return fmt.Errorf("save order %s: %w", o.ID, err)
	}
	return nil
}

func (r *OrdersPG) FindPendingUnassigned(ctx context.Context) ([]*domain.Order, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id FROM orders
		WHERE state IN ('PENDING','DISPATCHING')
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("find pending unassigned: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*domain.Order, 0, len(ids))
	for _, id := range ids {
		o, err := r.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, nil
}

func (r *OrdersPG) AppendAttempt(ctx context.Context, a *domain.OfferAttempt) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO offer_attempts (id, order_id, seq, farmer_id, outcome, created_at, expires_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, a.ID, a.OrderID, a.Seq, a.FarmerID, string(a.Outcome), a.CreatedAt, a.ExpiresAt)
	if err != nil {
		return fmt.Errorf("append attempt %s/%d: %w", a.OrderID, a.Seq, err)
	}
	return nil
}

// FinalizeAttempt closes a pending attempt. The WHERE guard makes the close
// idempotent at the storage layer too: a second finalize finds no pending row.
func (r *OrdersPG) FinalizeAttempt(ctx context.Context, a *domain.OfferAttempt) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE offer_attempts SET outcome=$3, closed_at=$4
		WHERE order_id=$1 AND seq=$2 AND outcome='pending'
	`, a.OrderID, a.Seq, string(a.Outcome), a.ClosedAt)
	if err != nil {
		return fmt.Errorf("finalize attempt %s/%d: %w", a.OrderID, a.Seq, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrOfferExpired
	}
	return nil
}

func (r *OrdersPG) AttemptsForOrder(ctx context.Context, orderID string) ([]domain.OfferAttempt, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, order_id, seq, farmer_id, outcome, created_at, expires_at, closed_at
		FROM offer_attempts WHERE order_id=$1 ORDER BY seq ASC
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("attempts for order %s: %w", orderID, err)
	}
	defer rows.Close()

	var out []domain.OfferAttempt
	for rows.Next() {
		var a domain.OfferAttempt
		var closed sql.NullTime
		if err := rows.Scan(&a.ID, &a.OrderID, &a.Seq, &a.FarmerID,
			(*string)(&a.Outcome), &a.CreatedAt, &a.ExpiresAt, &closed); err != nil {
			return nil, err
		}
		if closed.Valid {
			a.ClosedAt = closed.Time
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *OrdersPG) AppendStatusLog(ctx context.Context, c domain.StateChange) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO order_status_log (order_id, from_state, to_state, farmer_id, attempt_seq, reason, changed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, c.OrderID, string(c.From), string(c.To), nullIfEmpty(c.FarmerID), c.AttemptSeq,
		nullIfEmpty(c.Reason), c.At)
	if err != nil {
		return fmt.Errorf("append status log %s: %w", c.OrderID, err)
	}
	return nil
}

// StatusLog reads the transition timeline, oldest first (tracking surface).
func (r *OrdersPG) StatusLog(ctx context.Context, orderID string, limit, offset int) ([]domain.StateChange, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT order_id, from_state, to_state, COALESCE(farmer_id,''), attempt_seq, COALESCE(reason,''), changed_at
		FROM order_status_log WHERE order_id=$1
		ORDER BY changed_at ASC
		LIMIT $2 OFFSET $3
	`, orderID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.StateChange
	for rows.Next() {
		var c domain.StateChange
		if err := rows.Scan(&c.OrderID, (*string)(&c.From), (*string)(&c.To),
			&c.FarmerID, &c.AttemptSeq, &c.Reason, &c.At); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullIfZeroTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
