// Package syncer drives one fetch-and-persist cycle against the TMD feeds:
// stations are reconciled by natural key, then observations are appended with
// their owning station resolved against the stored directory.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"tmdsync/internal/store"
	"tmdsync/internal/weather"
)

// State names the steps of one cycle. Transitions are linear; Failed absorbs
// any connection, schema, or transaction fault.
type State string

const (
	StateStart              State = "START"
	StateConnected          State = "CONNECTED"
	StateSchemaReady        State = "SCHEMA_READY"
	StateStationsSynced     State = "STATIONS_SYNCED"
	StateObservationsSynced State = "OBSERVATIONS_SYNCED"
	StateDone               State = "DONE"
	StateFailed             State = "FAILED"
)

// UnmatchedPolicy decides what happens to an observation whose natural keys
// resolve to no stored station.
type UnmatchedPolicy int

const (
	// DropUnmatched logs the observation and counts it as dropped.
	DropUnmatched UnmatchedPolicy = iota
	// ReportUnmatched additionally records a batch error.
	ReportUnmatched
)

// Result is the outcome of one cycle. Errors holds per-record and per-phase
// entries in processing order; a non-empty list does not by itself make the
// cycle a failure.
type Result struct {
	StationsSynced       int
	ObservationsInserted int
	ObservationsDropped  int
	Errors               []string
	State                State
}

// Source yields the raw feed records for one cycle.
type Source interface {
	FetchStations(ctx context.Context) ([]map[string]any, error)
	FetchObservations(ctx context.Context) ([]map[string]any, error)
}

// Mapper translates one raw record into its typed form.
type Mapper interface {
	Station(raw map[string]any) weather.Station
	Observation(raw map[string]any) weather.Observation
}

// UnitOfWork is one storage transaction; a sync phase commits or rolls back
// through it as a whole.
type UnitOfWork interface {
	EnsureSchema(ctx context.Context) error
	UpsertStation(ctx context.Context, st weather.Station) error
	ResolveStation(ctx context.Context, stationID, wmoCode string) (string, error)
	InsertObservation(ctx context.Context, stationRef string, o weather.Observation) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Store hands out units of work.
type Store interface {
	Begin(ctx context.Context) (UnitOfWork, error)
}

type Syncer struct {
	source    Source
	mapper    Mapper
	store     Store
	log       *slog.Logger
	unmatched UnmatchedPolicy
	resolved  *resolveCache
}

type Option func(*Syncer)

// WithUnmatchedPolicy overrides the default DropUnmatched behaviour.
func WithUnmatchedPolicy(p UnmatchedPolicy) Option {
	return func(s *Syncer) { s.unmatched = p }
}

func New(source Source, mapper Mapper, st Store, log *slog.Logger, opts ...Option) *Syncer {
	s := &Syncer{
		source:   source,
		mapper:   mapper,
		store:    st,
		log:      log,
		resolved: newResolveCache(resolveCacheTTL),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run executes one full cycle and returns its result. The returned error is
// non-nil only for cycle-level faults; per-record and per-phase problems are
// accumulated on the result instead. On failure the in-memory counts gathered
// so far are still returned, though the failed phase's writes are rolled back.
func (s *Syncer) Run(ctx context.Context) (*Result, error) {
	res := &Result{State: StateStart}
	start := time.Now()

	uow, err := s.store.Begin(ctx)
	if err != nil {
		return s.fail(res, fmt.Errorf("acquire unit of work: %w", err))
	}
	res.State = StateConnected

	if err := uow.EnsureSchema(ctx); err != nil {
		_ = uow.Rollback(ctx)
		return s.fail(res, err)
	}
	res.State = StateSchemaReady

	if err := s.syncStations(ctx, uow, res); err != nil {
		_ = uow.Rollback(ctx)
		return s.fail(res, err)
	}
	if err := uow.Commit(ctx); err != nil {
		return s.fail(res, fmt.Errorf("commit station phase: %w", err))
	}
	res.State = StateStationsSynced

	uow, err = s.store.Begin(ctx)
	if err != nil {
		return s.fail(res, fmt.Errorf("acquire unit of work: %w", err))
	}
	if err := s.syncObservations(ctx, uow, res); err != nil {
		_ = uow.Rollback(ctx)
		return s.fail(res, err)
	}
	if err := uow.Commit(ctx); err != nil {
		return s.fail(res, fmt.Errorf("commit observation phase: %w", err))
	}
	res.State = StateObservationsSynced

	s.log.Info("sync cycle finished",
		"stations_synced", res.StationsSynced,
		"observations_inserted", res.ObservationsInserted,
		"observations_dropped", res.ObservationsDropped,
		"errors", len(res.Errors),
		"duration", time.Since(start),
	)
	res.State = StateDone
	return res, nil
}

// syncStations fetches the station directory and reconciles each record. A
// fetch failure is a phase-level error: it is recorded, the counts stay at
// zero, and the cycle proceeds to the observation phase.
func (s *Syncer) syncStations(ctx context.Context, uow UnitOfWork, res *Result) error {
	raw, err := s.source.FetchStations(ctx)
	if err != nil {
		s.log.Error("failed to fetch station data", "err", err)
		res.Errors = append(res.Errors, fmt.Sprintf("failed to fetch station data: %v", err))
		return nil
	}
	s.log.Info("retrieved station records", "count", len(raw))

	for _, rec := range raw {
		st := s.mapper.Station(rec)
		if st.ID == "" {
			res.Errors = append(res.Errors,
				fmt.Sprintf("error processing station %s: missing station id", stationLabel(st.ID)))
			continue
		}
		if err := uow.UpsertStation(ctx, st); err != nil {
			if ctx.Err() != nil {
				return err
			}
			res.Errors = append(res.Errors,
				fmt.Sprintf("error processing station %s: %v", st.ID, err))
			continue
		}
		res.StationsSynced++
	}

	s.log.Info("station phase complete", "synced", res.StationsSynced)
	return nil
}

// syncObservations fetches the current-weather feed and appends each record
// after resolving its owning station. Unmatched observations follow the
// configured policy; they never insert a dangling reference.
func (s *Syncer) syncObservations(ctx context.Context, uow UnitOfWork, res *Result) error {
	raw, err := s.source.FetchObservations(ctx)
	if err != nil {
		s.log.Error("failed to fetch weather data", "err", err)
		res.Errors = append(res.Errors, fmt.Sprintf("failed to fetch weather data: %v", err))
		return nil
	}
	s.log.Info("retrieved weather records", "count", len(raw))

	for _, rec := range raw {
		obs := s.mapper.Observation(rec)

		ref, err := s.resolve(ctx, uow, obs)
		if errors.Is(err, store.ErrStationNotFound) {
			s.log.Warn("dropping observation for unknown station",
				"station_id", obs.StationID, "wmo_code", obs.WMOCode)
			res.ObservationsDropped++
			if s.unmatched == ReportUnmatched {
				res.Errors = append(res.Errors,
					fmt.Sprintf("no station matches observation for %s", stationLabel(obs.StationID)))
			}
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return err
			}
			res.Errors = append(res.Errors,
				fmt.Sprintf("error processing weather data for station %s: %v", stationLabel(obs.StationID), err))
			continue
		}

		if err := uow.InsertObservation(ctx, ref, obs); err != nil {
			if ctx.Err() != nil {
				return err
			}
			res.Errors = append(res.Errors,
				fmt.Sprintf("error processing weather data for station %s: %v", stationLabel(obs.StationID), err))
			continue
		}
		res.ObservationsInserted++
	}

	s.log.Info("observation phase complete",
		"inserted", res.ObservationsInserted, "dropped", res.ObservationsDropped)
	return nil
}

// resolve looks up the owning station, consulting the cache first. Misses are
// not cached: a station absent now may be reconciled in a later cycle.
func (s *Syncer) resolve(ctx context.Context, uow UnitOfWork, o weather.Observation) (string, error) {
	key := o.StationID + "|" + o.WMOCode
	if ref, ok := s.resolved.get(key); ok {
		return ref, nil
	}
	ref, err := uow.ResolveStation(ctx, o.StationID, o.WMOCode)
	if err != nil {
		return "", err
	}
	s.resolved.set(key, ref)
	return ref, nil
}

func (s *Syncer) fail(res *Result, err error) (*Result, error) {
	res.State = StateFailed
	res.Errors = append(res.Errors, err.Error())
	s.log.Error("sync cycle failed", "err", err)
	return res, err
}

// stationLabel names a record in error messages. The id has already been
// through the mapper's coercion, so numeric feed identifiers keep their value.
func stationLabel(id string) string {
	if id != "" {
		return id
	}
	return "Unknown"
}
