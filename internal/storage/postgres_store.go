package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/fare"
	"github.com/example/ride-dispatch/internal/models"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return NewPostgresStoreFromDB(db), nil
}

func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

// Migrate executes a schema script. Statements must be idempotent.
func (p *PostgresStore) Migrate(ctx context.Context, script string) error {
	_, err := p.db.ExecContext(ctx, script)
	return err
}

const tripColumns = `id, customer_id, pickup_lat, pickup_lon, pickup_address, dropoffs, status,
	assigned_driver_id, rejected_driver_ids, attempt, distance_km, duration_minutes, cost, eta_minutes,
	requested_at, assigned_at, accepted_at, started_at, completed_at, cancelled_at,
	cancelled_by, cancel_reason, version`

func (p *PostgresStore) CreateTrip(ctx context.Context, t *models.Trip) error {
	dropoffs, err := json.Marshal(t.Dropoffs)
	if err != nil {
		return apperr.InvalidArgument("storage.CreateTrip", "encode dropoffs: %v", err)
	}
	_, err = p.db.ExecContext(ctx, `INSERT INTO trips(`+tripColumns+`)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23)`,
		t.ID, t.CustomerID, t.Pickup.Coord.Lat, t.Pickup.Coord.Lon, t.Pickup.Address, dropoffs, string(t.Status),
		t.AssignedDriverID, pq.Array(nonNil(t.RejectedDriverIDs)), t.Attempt, t.DistanceKm, t.DurationMinutes, t.Cost, t.ETAMinutes,
		t.RequestedAt, t.AssignedAt, t.AcceptedAt, t.StartedAt, t.CompletedAt, t.CancelledAt,
		t.CancelledBy, t.CancelReason, t.Version)
	return apperr.Upstream("storage.CreateTrip", err)
}

func (p *PostgresStore) GetTrip(ctx context.Context, id string) (*models.Trip, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+tripColumns+` FROM trips WHERE id = $1`, id)
	t, err := scanTrip(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("storage.GetTrip", "trip %s", id)
	}
	if err != nil {
		return nil, apperr.Upstream("storage.GetTrip", err)
	}
	return t, nil
}

func (p *PostgresStore) UpdateTrip(ctx context.Context, t *models.Trip) error {
	dropoffs, err := json.Marshal(t.Dropoffs)
	if err != nil {
		return apperr.InvalidArgument("storage.UpdateTrip", "encode dropoffs: %v", err)
	}
	res, err := p.db.ExecContext(ctx, `UPDATE trips SET dropoffs=$1, status=$2, assigned_driver_id=$3,
		rejected_driver_ids=$4, attempt=$5, distance_km=$6, duration_minutes=$7, cost=$8, eta_minutes=$9,
		assigned_at=$10, accepted_at=$11, started_at=$12, completed_at=$13, cancelled_at=$14,
		cancelled_by=$15, cancel_reason=$16, version=version+1
		WHERE id=$17 AND version=$18`,
		dropoffs, string(t.Status), t.AssignedDriverID,
		pq.Array(nonNil(t.RejectedDriverIDs)), t.Attempt, t.DistanceKm, t.DurationMinutes, t.Cost, t.ETAMinutes,
		t.AssignedAt, t.AcceptedAt, t.StartedAt, t.CompletedAt, t.CancelledAt,
		t.CancelledBy, t.CancelReason, t.ID, t.Version)
	if err != nil {
		return apperr.Upstream("storage.UpdateTrip", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return apperr.Upstream("storage.UpdateTrip", err)
	}
	if n == 0 {
		cur, err := p.GetTrip(ctx, t.ID)
		if err != nil {
			return err
		}
		return versionConflict(t.ID, t.Version, cur.Version)
	}
	t.Version++
	return nil
}

func (p *PostgresStore) ListTrips(ctx context.Context, f models.TripFilter) ([]*models.Trip, error) {
	var (
		where []string
		args  []any
	)
	if f.CustomerID != "" {
		args = append(args, f.CustomerID)
		where = append(where, fmt.Sprintf("customer_id = $%d", len(args)))
	}
	if f.DriverID != "" {
		args = append(args, f.DriverID)
		where = append(where, fmt.Sprintf("assigned_driver_id = $%d", len(args)))
	}
	if len(f.Statuses) > 0 {
		ss := make([]string, 0, len(f.Statuses))
		for _, s := range f.Statuses {
			ss = append(ss, string(s))
		}
		args = append(args, pq.Array(ss))
		where = append(where, fmt.Sprintf("status = ANY($%d)", len(args)))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	args = append(args, limit)

	q := `SELECT ` + tripColumns + ` FROM trips`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += fmt.Sprintf(" ORDER BY requested_at DESC, id LIMIT $%d", len(args))

	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, apperr.Upstream("storage.ListTrips", err)
	}
	defer rows.Close()
	out := make([]*models.Trip, 0)
	for rows.Next() {
		t, err := scanTrip(rows)
		if err != nil {
			return nil, apperr.Upstream("storage.ListTrips", err)
		}
		out = append(out, t)
	}
	return out, apperr.Upstream("storage.ListTrips", rows.Err())
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTrip(s scanner) (*models.Trip, error) {
	var (
		t                           models.Trip
		status                      string
		dropoffs                    []byte
		distance, duration          sql.NullFloat64
		cost, eta                   sql.NullInt64
		assigned, accepted, started sql.NullTime
		completed, cancelled        sql.NullTime
	)
	err := s.Scan(&t.ID, &t.CustomerID, &t.Pickup.Coord.Lat, &t.Pickup.Coord.Lon, &t.Pickup.Address, &dropoffs, &status,
		&t.AssignedDriverID, pq.Array(&t.RejectedDriverIDs), &t.Attempt, &distance, &duration, &cost, &eta,
		&t.RequestedAt, &assigned, &accepted, &started, &completed, &cancelled,
		&t.CancelledBy, &t.CancelReason, &t.Version)
	if err != nil {
		return nil, err
	}
	t.Status = models.TripStatus(status)
	if err := json.Unmarshal(dropoffs, &t.Dropoffs); err != nil {
		return nil, fmt.Errorf("decode dropoffs: %w", err)
	}
	if t.RejectedDriverIDs == nil {
		t.RejectedDriverIDs = []string{}
	}
	if distance.Valid {
		t.DistanceKm = &distance.Float64
	}
	if duration.Valid {
		t.DurationMinutes = &duration.Float64
	}
	if cost.Valid {
		t.Cost = &cost.Int64
	}
	if eta.Valid {
		v := int(eta.Int64)
		t.ETAMinutes = &v
	}
	t.AssignedAt = timePtr(assigned)
	t.AcceptedAt = timePtr(accepted)
	t.StartedAt = timePtr(started)
	t.CompletedAt = timePtr(completed)
	t.CancelledAt = timePtr(cancelled)
	return &t, nil
}

func (p *PostgresStore) PutDriver(ctx context.Context, d models.DriverLocation) error {
	meta, err := json.Marshal(d.Meta)
	if err != nil {
		return apperr.InvalidArgument("storage.PutDriver", "encode meta: %v", err)
	}
	_, err = p.db.ExecContext(ctx, `INSERT INTO driver_locations(driver_id, lat, lon, is_online, is_busy, meta, last_updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (driver_id) DO UPDATE SET lat=EXCLUDED.lat, lon=EXCLUDED.lon, is_online=EXCLUDED.is_online,
			is_busy=EXCLUDED.is_busy, meta=EXCLUDED.meta, last_updated_at=EXCLUDED.last_updated_at
		WHERE driver_locations.last_updated_at <= EXCLUDED.last_updated_at`,
		d.DriverID, d.Position.Lat, d.Position.Lon, d.IsOnline, d.IsBusy, meta, d.LastUpdatedAt)
	return apperr.Upstream("storage.PutDriver", err)
}

func (p *PostgresStore) GetDriver(ctx context.Context, id string) (models.DriverLocation, error) {
	var (
		d    models.DriverLocation
		meta []byte
	)
	err := p.db.QueryRowContext(ctx, `SELECT driver_id, lat, lon, is_online, is_busy, meta, last_updated_at
		FROM driver_locations WHERE driver_id = $1`, id).
		Scan(&d.DriverID, &d.Position.Lat, &d.Position.Lon, &d.IsOnline, &d.IsBusy, &meta, &d.LastUpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.DriverLocation{}, apperr.NotFound("storage.GetDriver", "driver %s", id)
	}
	if err != nil {
		return models.DriverLocation{}, apperr.Upstream("storage.GetDriver", err)
	}
	if err := json.Unmarshal(meta, &d.Meta); err != nil {
		return models.DriverLocation{}, apperr.Upstream("storage.GetDriver", err)
	}
	return d, nil
}

// GetFareSettings returns the stored settings, or the defaults when none were saved.
func (p *PostgresStore) GetFareSettings(ctx context.Context) (models.FareSettings, error) {
	var s models.FareSettings
	err := p.db.QueryRowContext(ctx, `SELECT base_fare, per_km_rate, updated_at FROM fare_settings WHERE id = 1`).
		Scan(&s.BaseFare, &s.PerKmRate, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.DefaultFareSettings(), nil
	}
	if err != nil {
		return models.FareSettings{}, apperr.Upstream("storage.GetFareSettings", err)
	}
	return s, nil
}

func (p *PostgresStore) PutFareSettings(ctx context.Context, s models.FareSettings) error {
	if err := fare.ValidateSettings(s); err != nil {
		return err
	}
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = time.Now().UTC()
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO fare_settings(id, base_fare, per_km_rate, updated_at) VALUES(1,$1,$2,$3)
		ON CONFLICT (id) DO UPDATE SET base_fare=EXCLUDED.base_fare, per_km_rate=EXCLUDED.per_km_rate, updated_at=EXCLUDED.updated_at`,
		s.BaseFare, s.PerKmRate, s.UpdatedAt)
	return apperr.Upstream("storage.PutFareSettings", err)
}

func timePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}
