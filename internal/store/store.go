package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"tmdsync/internal/weather"
)

// ErrStationNotFound reports that no station matches the natural keys of an
// observation. Callers treat it as expected absence, not a storage fault.
var ErrStationNotFound = errors.New("station not found")

type Store struct {
	pool *pgxpool.Pool
}

func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect to db: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

// Begin opens one unit of work. A sync phase runs entirely inside it.
func (s *Store) Begin(ctx context.Context) (*Tx, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	return &Tx{tx: tx}, nil
}

type Tx struct {
	tx pgx.Tx
}

func (t *Tx) Commit(ctx context.Context) error   { return t.tx.Commit(ctx) }
func (t *Tx) Rollback(ctx context.Context) error { return t.tx.Rollback(ctx) }

const schemaDDL = `
CREATE TABLE IF NOT EXISTS stations (
	station_id         VARCHAR(50) PRIMARY KEY,
	wmo_code           VARCHAR(50),
	station_name_thai  VARCHAR(255),
	station_name_eng   VARCHAR(255),
	latitude           DOUBLE PRECISION,
	longitude          DOUBLE PRECISION,
	province           VARCHAR(100),
	region             VARCHAR(100),
	msl_height         DOUBLE PRECISION,
	wind_vane_height   DOUBLE PRECISION,
	barometer_height   DOUBLE PRECISION,
	thermometer_height DOUBLE PRECISION,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS observations (
	id             BIGSERIAL PRIMARY KEY,
	station_id     VARCHAR(50) NOT NULL REFERENCES stations(station_id),
	observed_at    TIMESTAMPTZ NOT NULL,
	temperature    DOUBLE PRECISION,
	temp_min       DOUBLE PRECISION,
	temp_max       DOUBLE PRECISION,
	humidity       DOUBLE PRECISION,
	pressure       DOUBLE PRECISION,
	wind_speed     DOUBLE PRECISION,
	wind_direction DOUBLE PRECISION,
	rainfall       DOUBLE PRECISION,
	recorded_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_observations_station_observed
	ON observations (station_id, observed_at);
`

// EnsureSchema creates the stations and observations relations when absent.
func (t *Tx) EnsureSchema(ctx context.Context) error {
	if _, err := t.tx.Exec(ctx, schemaDDL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// UpsertStation inserts or refreshes a station keyed by station_id. The
// conditional write is a single statement, so two concurrent cycles cannot
// race an existence check. The statement runs in a savepoint so a failed
// record does not poison the rest of the batch.
func (t *Tx) UpsertStation(ctx context.Context, st weather.Station) error {
	sp, err := t.tx.Begin(ctx)
	if err != nil {
		return fmt.Errorf("upsert station %s: %w", st.ID, err)
	}
	_, err = sp.Exec(ctx,
		`INSERT INTO stations (
			station_id, wmo_code, station_name_thai, station_name_eng,
			latitude, longitude, province, region,
			msl_height, wind_vane_height, barometer_height, thermometer_height,
			updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW())
		 ON CONFLICT (station_id) DO UPDATE SET
			wmo_code = $2, station_name_thai = $3, station_name_eng = $4,
			latitude = $5, longitude = $6, province = $7, region = $8,
			msl_height = $9, wind_vane_height = $10, barometer_height = $11,
			thermometer_height = $12, updated_at = NOW()`,
		st.ID, st.WMOCode, st.NameThai, st.NameEng, st.Lat, st.Lon,
		st.Province, st.Region,
		st.MSLHeight, st.WindVaneHeight, st.BarometerHeight, st.ThermometerHeight,
	)
	if err != nil {
		_ = sp.Rollback(ctx)
		return fmt.Errorf("upsert station %s: %w", st.ID, err)
	}
	return sp.Commit(ctx)
}

// ResolveStation returns the stored station id matching either natural key.
// A station id match wins over a WMO code match when the keys disagree.
func (t *Tx) ResolveStation(ctx context.Context, stationID, wmoCode string) (string, error) {
	var id string
	err := t.tx.QueryRow(ctx,
		`SELECT station_id FROM stations
		 WHERE station_id = $1 OR (wmo_code <> '' AND wmo_code = $2)
		 ORDER BY (station_id = $1) DESC
		 LIMIT 1`,
		stationID, wmoCode,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrStationNotFound
	}
	if err != nil {
		return "", fmt.Errorf("resolve station %s: %w", stationID, err)
	}
	return id, nil
}

// InsertObservation appends one observation row for an already resolved
// station. Observations are never updated or deduplicated.
func (t *Tx) InsertObservation(ctx context.Context, stationRef string, o weather.Observation) error {
	sp, err := t.tx.Begin(ctx)
	if err != nil {
		return fmt.Errorf("insert observation for station %s: %w", stationRef, err)
	}
	_, err = sp.Exec(ctx,
		`INSERT INTO observations (
			station_id, observed_at, temperature, temp_min, temp_max,
			humidity, pressure, wind_speed, wind_direction, rainfall)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		stationRef, o.ObservedAt, o.Temperature, o.TempMin, o.TempMax,
		o.Humidity, o.Pressure, o.WindSpeed, o.WindDirection, o.Rainfall,
	)
	if err != nil {
		_ = sp.Rollback(ctx)
		return fmt.Errorf("insert observation for station %s: %w", stationRef, err)
	}
	return sp.Commit(ctx)
}
