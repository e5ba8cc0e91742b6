package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/models"
)

var tripColumnNames = []string{
	"id", "customer_id", "pickup_lat", "pickup_lon", "pickup_address", "dropoffs", "status",
	"assigned_driver_id", "rejected_driver_ids", "attempt", "distance_km", "duration_minutes", "cost", "eta_minutes",
	"requested_at", "assigned_at", "accepted_at", "started_at", "completed_at", "cancelled_at",
	"cancelled_by", "cancel_reason", "version",
}

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresStoreFromDB(db), mock
}

func tripRow(requested time.Time) *sqlmock.Rows {
	return sqlmock.NewRows(tripColumnNames).AddRow(
		"t1", "c1", 6.9271, 79.8612, "Fort", []byte(`[{"coord":{"lat":6.935,"lon":79.87},"address":"Slave Island"}]`), "driver_assigned",
		"d2", "{d1}", 2, 1.3, 4.5, int64(495), int64(3),
		requested, requested.Add(time.Minute), nil, nil, nil, nil,
		"", "", 4,
	)
}

func TestPostgresStoreGetTrip(t *testing.T) {
	s, mock := newMockStore(t)
	requested := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`SELECT (.+) FROM trips WHERE id = \$1`).WithArgs("t1").WillReturnRows(tripRow(requested))

	tr, err := s.GetTrip(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, models.TripDriverAssigned, tr.Status)
	assert.Equal(t, []string{"d1"}, tr.RejectedDriverIDs)
	require.Len(t, tr.Dropoffs, 1)
	assert.Equal(t, "Slave Island", tr.Dropoffs[0].Address)
	require.NotNil(t, tr.Cost)
	assert.Equal(t, int64(495), *tr.Cost)
	require.NotNil(t, tr.AssignedAt)
	assert.Nil(t, tr.AcceptedAt)
	assert.Equal(t, 4, tr.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreGetTripNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT (.+) FROM trips WHERE id = \$1`).WithArgs("nope").WillReturnRows(sqlmock.NewRows(tripColumnNames))

	_, err := s.GetTrip(context.Background(), "nope")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestPostgresStoreCreateTrip(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(`INSERT INTO trips`).WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.CreateTrip(context.Background(), sampleTrip("t1", "c1", time.Now())))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreUpdateTripBumpsVersion(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(`UPDATE trips SET`).WillReturnResult(sqlmock.NewResult(0, 1))

	tr := sampleTrip("t1", "c1", time.Now())
	tr.Version = 2
	require.NoError(t, s.UpdateTrip(context.Background(), tr))
	assert.Equal(t, 3, tr.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreUpdateTripConflict(t *testing.T) {
	s, mock := newMockStore(t)
	requested := time.Now().UTC()
	mock.ExpectExec(`UPDATE trips SET`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT (.+) FROM trips WHERE id = \$1`).WithArgs("t1").WillReturnRows(tripRow(requested))

	tr := sampleTrip("t1", "c1", requested)
	tr.Version = 3
	err := s.UpdateTrip(context.Background(), tr)
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
	assert.Equal(t, 3, tr.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreListTripsByCustomer(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(`FROM trips WHERE customer_id = \$1 ORDER BY requested_at DESC, id LIMIT \$2`).
		WithArgs("c1", 100).
		WillReturnRows(tripRow(time.Now()))

	got, err := s.ListTrips(context.Background(), models.TripFilter{CustomerID: "c1"})
	require.NoError(t, err)
	assert.Len(t, got, 1)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreUnavailable(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT (.+) FROM trips`).WillReturnError(errors.New("connection refused"))

	_, err := s.GetTrip(context.Background(), "t1")
	assert.ErrorIs(t, err, apperr.ErrUpstreamUnavailable)
}

func TestPostgresStoreFareSettingsDefaults(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT base_fare, per_km_rate, updated_at FROM fare_settings`).
		WillReturnRows(sqlmock.NewRows([]string{"base_fare", "per_km_rate", "updated_at"}))

	got, err := s.GetFareSettings(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.DefaultFareSettings(), got)
}

func TestPostgresStorePutFareSettings(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(`INSERT INTO fare_settings`).WithArgs(250.0, 120.0, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.PutFareSettings(context.Background(), models.FareSettings{BaseFare: 250, PerKmRate: 120}))
	assert.ErrorIs(t, s.PutFareSettings(context.Background(), models.FareSettings{BaseFare: -5}), apperr.ErrInvalidArgument)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreDriverRoundTrip(t *testing.T) {
	s, mock := newMockStore(t)
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	mock.ExpectExec(`INSERT INTO driver_locations`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`FROM driver_locations WHERE driver_id = \$1`).WithArgs("d1").
		WillReturnRows(sqlmock.NewRows([]string{"driver_id", "lat", "lon", "is_online", "is_busy", "meta", "last_updated_at"}).
			AddRow("d1", 6.9, 79.8, true, false, []byte(`{"name":"Nimal","rating":4.9}`), at))

	d := models.DriverLocation{DriverID: "d1", Position: models.Coord{Lat: 6.9, Lon: 79.8}, IsOnline: true, LastUpdatedAt: at}
	require.NoError(t, s.PutDriver(context.Background(), d))

	got, err := s.GetDriver(context.Background(), "d1")
	require.NoError(t, err)
	assert.Equal(t, "Nimal", got.Meta.Name)
	assert.True(t, got.IsOnline)
	assert.Equal(t, at, got.LastUpdatedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}
