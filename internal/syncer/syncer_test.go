package syncer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"tmdsync/internal/store"
	"tmdsync/internal/tmd"
	"tmdsync/internal/weather"
)

type fakeSource struct {
	stations        []map[string]any
	observations    []map[string]any
	stationsErr     error
	observationsErr error
}

func (f *fakeSource) FetchStations(ctx context.Context) ([]map[string]any, error) {
	return f.stations, f.stationsErr
}

func (f *fakeSource) FetchObservations(ctx context.Context) ([]map[string]any, error) {
	return f.observations, f.observationsErr
}

// fakeStore applies a unit's writes only on Commit, so rollback semantics are
// observable in tests.
type fakeStore struct {
	stations     map[string]weather.Station
	observations []insertedObs

	beginErr  error
	unitIndex int
	unitHooks []unitHook
}

type unitHook struct {
	insertErr error
	commitErr error
}

type insertedObs struct {
	stationRef string
	obs        weather.Observation
}

func newFakeStore() *fakeStore {
	return &fakeStore{stations: make(map[string]weather.Station)}
}

func (f *fakeStore) Begin(ctx context.Context) (UnitOfWork, error) {
	if f.beginErr != nil {
		return nil, f.beginErr
	}
	var hook unitHook
	if f.unitIndex < len(f.unitHooks) {
		hook = f.unitHooks[f.unitIndex]
	}
	f.unitIndex++
	return &fakeUnit{
		store:    f,
		hook:     hook,
		stations: make(map[string]weather.Station),
	}, nil
}

type fakeUnit struct {
	store        *fakeStore
	hook         unitHook
	stations     map[string]weather.Station
	observations []insertedObs
}

func (u *fakeUnit) EnsureSchema(ctx context.Context) error { return nil }

func (u *fakeUnit) UpsertStation(ctx context.Context, st weather.Station) error {
	u.stations[st.ID] = st
	return nil
}

func (u *fakeUnit) ResolveStation(ctx context.Context, stationID, wmoCode string) (string, error) {
	lookup := func(m map[string]weather.Station) (string, bool) {
		if _, ok := m[stationID]; ok && stationID != "" {
			return stationID, true
		}
		for id, st := range m {
			if wmoCode != "" && st.WMOCode == wmoCode {
				return id, true
			}
		}
		return "", false
	}
	if id, ok := lookup(u.store.stations); ok {
		return id, nil
	}
	if id, ok := lookup(u.stations); ok {
		return id, nil
	}
	return "", store.ErrStationNotFound
}

func (u *fakeUnit) InsertObservation(ctx context.Context, stationRef string, o weather.Observation) error {
	if u.hook.insertErr != nil {
		return u.hook.insertErr
	}
	u.observations = append(u.observations, insertedObs{stationRef: stationRef, obs: o})
	return nil
}

func (u *fakeUnit) Commit(ctx context.Context) error {
	if u.hook.commitErr != nil {
		return u.hook.commitErr
	}
	for id, st := range u.stations {
		u.store.stations[id] = st
	}
	u.store.observations = append(u.store.observations, u.observations...)
	return nil
}

func (u *fakeUnit) Rollback(ctx context.Context) error {
	u.stations = nil
	u.observations = nil
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testSyncer(src *fakeSource, st *fakeStore, opts ...Option) *Syncer {
	return New(src, tmd.NewMapper(discardLogger()), st, discardLogger(), opts...)
}

func TestRunEndToEnd(t *testing.T) {
	src := &fakeSource{
		stations: []map[string]any{
			{"StationId": "48001", "StationNameEng": "Chiang Mai", "Latitude": "18.78"},
			{"StationId": "48002", "StationNameEng": "Khon Kaen", "WmoCode": "48381"},
			{"StationNameEng": "no identifier"},
		},
		observations: []map[string]any{
			{"StationId": "48001", "Temperature": "31.5", "ObservedTimestamp": "2024-03-01T10:00:00Z"},
			{"StationId": "99999", "Temperature": "24.0"},
		},
	}
	st := newFakeStore()

	res, err := testSyncer(src, st).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	if res.State != StateDone {
		t.Errorf("expected DONE, got %s", res.State)
	}
	if res.StationsSynced != 2 {
		t.Errorf("expected 2 stations synced, got %d", res.StationsSynced)
	}
	if len(res.Errors) != 1 {
		t.Fatalf("expected 1 error, got %d: %v", len(res.Errors), res.Errors)
	}
	if res.ObservationsInserted != 1 {
		t.Errorf("expected 1 observation inserted, got %d", res.ObservationsInserted)
	}
	if res.ObservationsDropped != 1 {
		t.Errorf("expected 1 observation dropped, got %d", res.ObservationsDropped)
	}

	if len(st.stations) != 2 {
		t.Errorf("expected 2 stored stations, got %d", len(st.stations))
	}
	if len(st.observations) != 1 {
		t.Fatalf("expected 1 stored observation, got %d", len(st.observations))
	}
	if st.observations[0].stationRef != "48001" {
		t.Errorf("observation stored against wrong station: %q", st.observations[0].stationRef)
	}
}

func TestRunIdempotentAcrossCycles(t *testing.T) {
	src := &fakeSource{
		stations: []map[string]any{
			{"StationId": "48001", "StationNameEng": "Chiang Mai"},
			{"StationId": "48002", "StationNameEng": "Khon Kaen"},
		},
	}
	st := newFakeStore()
	s := testSyncer(src, st)

	first, err := s.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	second, err := s.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	if first.StationsSynced != second.StationsSynced {
		t.Errorf("synced counts differ across identical runs: %d vs %d",
			first.StationsSynced, second.StationsSynced)
	}
	if len(st.stations) != 2 {
		t.Errorf("expected exactly one stored row per station id, got %d", len(st.stations))
	}
}

func TestUpsertOverwritesMutableFields(t *testing.T) {
	st := newFakeStore()
	s := testSyncer(&fakeSource{
		stations: []map[string]any{{"StationId": "48001", "Province": "Chiang Mai"}},
	}, st)
	if _, err := s.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	s2 := testSyncer(&fakeSource{
		stations: []map[string]any{{"StationId": "48001", "Province": "Lamphun"}},
	}, st)
	if _, err := s2.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	if got := st.stations["48001"].Province; got != "Lamphun" {
		t.Errorf("expected last write to win, got province %q", got)
	}
}

func TestResolveByWMOCode(t *testing.T) {
	src := &fakeSource{
		stations: []map[string]any{
			{"StationId": "48002", "WmoCode": "48381"},
		},
		observations: []map[string]any{
			{"WmoCode": "48381", "Temperature": "28.0"},
		},
	}
	st := newFakeStore()

	res, err := testSyncer(src, st).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.ObservationsInserted != 1 {
		t.Fatalf("expected observation resolved via wmo code, got %d inserted (dropped %d)",
			res.ObservationsInserted, res.ObservationsDropped)
	}
	if st.observations[0].stationRef != "48002" {
		t.Errorf("resolved to wrong station: %q", st.observations[0].stationRef)
	}
}

func TestUnmatchedPolicyReport(t *testing.T) {
	src := &fakeSource{
		observations: []map[string]any{
			{"StationId": "99999", "Temperature": "24.0"},
		},
	}
	st := newFakeStore()

	res, err := testSyncer(src, st, WithUnmatchedPolicy(ReportUnmatched)).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.ObservationsDropped != 1 {
		t.Errorf("expected 1 dropped, got %d", res.ObservationsDropped)
	}
	if len(res.Errors) != 1 {
		t.Errorf("expected unmatched observation reported as error, got %v", res.Errors)
	}
}

func TestStationFetchFailureIsPhaseLocal(t *testing.T) {
	src := &fakeSource{
		stationsErr: errors.New("connection refused"),
		observations: []map[string]any{
			{"StationId": "48001", "Temperature": "30.0"},
		},
	}
	st := newFakeStore()

	res, err := testSyncer(src, st).Run(context.Background())
	if err != nil {
		t.Fatalf("a failed fetch must not fail the cycle: %v", err)
	}
	if res.State != StateDone {
		t.Errorf("expected DONE, got %s", res.State)
	}
	if res.StationsSynced != 0 {
		t.Errorf("expected 0 stations synced, got %d", res.StationsSynced)
	}
	if len(res.Errors) != 1 {
		t.Errorf("expected 1 phase error, got %v", res.Errors)
	}
	// No station directory means the observation cannot resolve.
	if res.ObservationsDropped != 1 {
		t.Errorf("expected observation dropped, got %d", res.ObservationsDropped)
	}
}

func TestInsertFailureDoesNotAbortBatch(t *testing.T) {
	src := &fakeSource{
		stations: []map[string]any{{"StationId": "48001"}},
		observations: []map[string]any{
			{"StationId": "48001", "Temperature": "30.0"},
		},
	}
	st := newFakeStore()
	st.unitHooks = []unitHook{{}, {insertErr: errors.New("value out of range")}}

	res, err := testSyncer(src, st).Run(context.Background())
	if err != nil {
		t.Fatalf("per-record insert failure must not fail the cycle: %v", err)
	}
	if res.ObservationsInserted != 0 {
		t.Errorf("expected 0 inserted, got %d", res.ObservationsInserted)
	}
	if len(res.Errors) != 1 {
		t.Errorf("expected 1 batch error, got %v", res.Errors)
	}
	if res.State != StateDone {
		t.Errorf("expected DONE, got %s", res.State)
	}
}

func TestErrorLabelKeepsNumericIdentifier(t *testing.T) {
	// Some feeds ship identifiers as bare numbers; a failing record must
	// still be reported under its station id.
	src := &fakeSource{
		stations: []map[string]any{{"StationId": float64(48123)}},
		observations: []map[string]any{
			{"StationId": float64(48123), "Temperature": "30.0"},
		},
	}
	st := newFakeStore()
	st.unitHooks = []unitHook{{}, {insertErr: errors.New("value out of range")}}

	res, err := testSyncer(src, st).Run(context.Background())
	if err != nil {
		t.Fatalf("per-record insert failure must not fail the cycle: %v", err)
	}
	if len(res.Errors) != 1 {
		t.Fatalf("expected 1 batch error, got %v", res.Errors)
	}
	if !strings.Contains(res.Errors[0], "48123") {
		t.Errorf("expected error to name station 48123, got %q", res.Errors[0])
	}
	if strings.Contains(res.Errors[0], "Unknown") {
		t.Errorf("numeric identifier must not degrade to the fallback label: %q", res.Errors[0])
	}
}

func TestObservationCommitFailureRollsBackPhase(t *testing.T) {
	src := &fakeSource{
		stations: []map[string]any{{"StationId": "48001"}},
		observations: []map[string]any{
			{"StationId": "48001", "Temperature": "30.0"},
		},
	}
	st := newFakeStore()
	st.unitHooks = []unitHook{{}, {commitErr: errors.New("connection lost")}}

	res, err := testSyncer(src, st).Run(context.Background())
	if err == nil {
		t.Fatal("expected cycle failure on commit error")
	}
	if res.State != StateFailed {
		t.Errorf("expected FAILED, got %s", res.State)
	}
	// The station phase committed before the failure and must survive.
	if len(st.stations) != 1 {
		t.Errorf("expected committed station to remain, got %d", len(st.stations))
	}
	if len(st.observations) != 0 {
		t.Errorf("expected observation writes rolled back, got %d", len(st.observations))
	}
	// In-memory counts gathered before the failure are still reported.
	if res.ObservationsInserted != 1 {
		t.Errorf("expected partial count 1, got %d", res.ObservationsInserted)
	}
}

func TestBeginFailureIsFatal(t *testing.T) {
	st := newFakeStore()
	st.beginErr = errors.New("too many connections")

	res, err := testSyncer(&fakeSource{}, st).Run(context.Background())
	if err == nil {
		t.Fatal("expected connection-class failure")
	}
	if res.State != StateFailed {
		t.Errorf("expected FAILED, got %s", res.State)
	}
	if res.StationsSynced != 0 || res.ObservationsInserted != 0 {
		t.Errorf("expected zero counts, got %+v", res)
	}
}
