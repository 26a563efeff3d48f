// README: DB-backed ride tests (CAS races, billing, ratings) and the Redis session lock.
package ride

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"ridehail/internal/infra"
	"ridehail/internal/modules/pricing"
	"ridehail/internal/testutil"
	"ridehail/internal/types"
)

func setupPGService(t *testing.T) (*Service, *pgxpool.Pool) {
	t.Helper()
	db := testutil.PG(t)
	testutil.SeedPricing(t, db, "car", 50, 12, 2, 80, 20)
	loc, _ := time.LoadLocation("Asia/Kolkata")
	svc := NewService(Deps{
		Store:   NewStore(db),
		Tx:      infra.NewUnitOfWork(db),
		Pricing: pricing.NewService(pricing.NewStore(db), loc),
		Log:     infra.Discard(),
	})
	return svc, db
}

func seedDrivers(t *testing.T, db *pgxpool.Pool, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("d%d", i)
		testutil.SeedDriver(t, db, testutil.Driver{ID: id, UserID: "u_" + id, VehicleID: "v_" + id, Name: id, Class: "car", Online: true, Active: true})
	}
}

func createPG(t *testing.T, svc *Service, passenger types.ID) *Ride {
	t.Helper()
	r, err := svc.Create(context.Background(), CreateCommand{
		PassengerID:  passenger,
		VehicleClass: types.VehicleCar,
		Pickup:       types.Point{Lat: 12.9716, Lng: 77.5946},
		Dropoff:      types.Point{Lat: 12.9352, Lng: 77.6245},
	})
	if err != nil {
		t.Fatalf("create ride: %v", err)
	}
	return r
}

func TestPGStore_ConcurrentAccept(t *testing.T) {
	ctx := context.Background()
	svc, db := setupPGService(t)
	const attempts = 8
	seedDrivers(t, db, attempts)
	r := createPG(t, svc, "p_race")

	var wg sync.WaitGroup
	errs := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(did types.ID) {
			defer wg.Done()
			errs <- svc.Accept(ctx, AcceptCommand{RideID: r.ID, DriverID: did, VehicleID: "v_" + did})
		}(types.ID(fmt.Sprintf("d%d", i)))
	}
	wg.Wait()
	close(errs)

	success := 0
	for err := range errs {
		if err == nil {
			success++
			continue
		}
		if !errors.Is(err, ErrConflict) && !errors.Is(err, ErrInvalidState) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if success != 1 {
		t.Fatalf("expected exactly 1 success, got %d", success)
	}

	var n int
	if err := db.QueryRow(ctx, `SELECT COUNT(*) FROM ride_state_events WHERE ride_id = $1 AND to_status = 'accepted'`, r.ID).Scan(&n); err != nil {
		t.Fatalf("count events: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected one accepted event row, got %d", n)
	}
}

func TestPGStore_AcceptVsCancel(t *testing.T) {
	ctx := context.Background()
	svc, db := setupPGService(t)
	seedDrivers(t, db, 1)
	r := createPG(t, svc, "p_accept_cancel")

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		errs <- svc.Accept(ctx, AcceptCommand{RideID: r.ID, DriverID: "d0", VehicleID: "v_d0"})
	}()
	go func() {
		defer wg.Done()
		errs <- svc.Cancel(ctx, CancelCommand{RideID: r.ID, Actor: types.ActorPassenger, ActorID: "p_accept_cancel"})
	}()
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil && !errors.Is(err, ErrConflict) && !errors.Is(err, ErrInvalidState) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	got, err := svc.Get(ctx, r.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusAccepted && got.Status != StatusCancelled {
		t.Fatalf("unexpected final status %s", got.Status)
	}
	ts, _ := svc.Transitions(ctx, r.ID)
	if ts[len(ts)-1].ToStatus != got.Status {
		t.Fatalf("audit trail disagrees with row: %s vs %s", ts[len(ts)-1].ToStatus, got.Status)
	}
}

func TestPGStore_CompleteAndRate(t *testing.T) {
	ctx := context.Background()
	svc, db := setupPGService(t)
	seedDrivers(t, db, 1)
	r := createPG(t, svc, "p_flow")

	if r.EstimatedFare < 80 {
		t.Fatalf("fare below minimum: %.2f", r.EstimatedFare)
	}
	if err := svc.MarkMatched(ctx, r.ID); err != nil {
		t.Fatalf("mark matched: %v", err)
	}
	if err := svc.Accept(ctx, AcceptCommand{RideID: r.ID, DriverID: "d0", VehicleID: "v_d0"}); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if err := svc.Start(ctx, StartCommand{RideID: r.ID, DriverID: "d0"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := svc.Complete(ctx, CompleteCommand{RideID: r.ID, DriverID: "d0"}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	got, _ := svc.Get(ctx, r.ID)
	if got.Status != StatusCompleted || got.FinalFare == nil || *got.FinalFare != got.EstimatedFare {
		t.Fatalf("unexpected completed ride %+v", got)
	}
	if got.MatchedAt == nil || got.AcceptedAt == nil || got.StartedAt == nil || got.CompletedAt == nil {
		t.Fatal("lifecycle timestamps missing")
	}

	e, err := svc.Earnings(ctx, "d0")
	if err != nil {
		t.Fatalf("earnings: %v", err)
	}
	commission, net := pricing.Split(got.EstimatedFare, got.CommissionPercentage)
	if e.CompletedRides != 1 || e.Commission != commission || e.NetEarnings != net {
		t.Fatalf("unexpected earnings %+v", e)
	}

	if err := svc.Rate(ctx, RateCommand{RideID: r.ID, PassengerID: "p_flow", Score: 3}); err != nil {
		t.Fatalf("rate: %v", err)
	}
	if err := svc.Rate(ctx, RateCommand{RideID: r.ID, PassengerID: "p_flow", Score: 5}); !errors.Is(err, ErrAlreadyRated) {
		t.Fatalf("expected ErrAlreadyRated, got %v", err)
	}

	var rating float64
	var count, rides int
	if err := db.QueryRow(ctx, `SELECT rating::float8, rating_count, total_rides FROM drivers WHERE id = 'd0'`).Scan(&rating, &count, &rides); err != nil {
		t.Fatalf("read driver: %v", err)
	}
	if count != 1 || rating != 3 || rides != 1 {
		t.Fatalf("unexpected driver stats rating=%.2f count=%d rides=%d", rating, count, rides)
	}
}

func TestPGStore_ActiveRideAndNotFound(t *testing.T) {
	ctx := context.Background()
	svc, _ := setupPGService(t)
	createPG(t, svc, "p_dup")

	_, err := svc.Create(ctx, CreateCommand{PassengerID: "p_dup", VehicleClass: types.VehicleCar})
	if !errors.Is(err, ErrActiveRide) {
		t.Fatalf("expected ErrActiveRide, got %v", err)
	}
	if _, err := svc.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPGStore_OneOpenRidePerPassenger(t *testing.T) {
	ctx := context.Background()
	svc, db := setupPGService(t)
	store := NewStore(db)

	base := Ride{
		PassengerID:  "p_idx",
		VehicleClass: types.VehicleCar,
		Status:       StatusRequested,
		RequestedAt:  time.Now(),
	}
	first, second := base, base
	first.ID, second.ID = "r_idx_1", "r_idx_2"
	if err := store.Create(ctx, &first); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	// the index holds even when the application check is skipped
	if err := store.Create(ctx, &second); !errors.Is(err, ErrActiveRide) {
		t.Fatalf("expected ErrActiveRide from the index, got %v", err)
	}

	const attempts = 6
	var wg sync.WaitGroup
	errs := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Create(ctx, CreateCommand{
				PassengerID:  "p_burst",
				VehicleClass: types.VehicleCar,
				Pickup:       types.Point{Lat: 12.9716, Lng: 77.5946},
				Dropoff:      types.Point{Lat: 12.9352, Lng: 77.6245},
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	created := 0
	for err := range errs {
		switch {
		case err == nil:
			created++
		case !errors.Is(err, ErrActiveRide):
			t.Errorf("unexpected error: %v", err)
		}
	}
	if created != 1 {
		t.Fatalf("expected exactly one open ride, got %d", created)
	}
}

func TestRedisLock(t *testing.T) {
	ctx := context.Background()
	rdb := testutil.Redis(t)
	a, b := NewRedisLock(rdb), NewRedisLock(rdb)

	ok, err := a.TryLock(ctx, "r1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first lock: %v %v", ok, err)
	}
	if ok, _ := b.TryLock(ctx, "r1", time.Minute); ok {
		t.Fatal("second instance acquired a held lock")
	}
	// releasing a lock we do not hold must not free it
	if err := b.Unlock(ctx, "r1"); err != nil {
		t.Fatalf("foreign unlock: %v", err)
	}
	if ok, _ := b.TryLock(ctx, "r1", time.Minute); ok {
		t.Fatal("lock freed by non-owner")
	}
	if err := a.Unlock(ctx, "r1"); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if ok, _ := b.TryLock(ctx, "r1", time.Minute); !ok {
		t.Fatal("lock not released")
	}
}

func TestRedisOfferBoard(t *testing.T) {
	ctx := context.Background()
	rdb := testutil.Redis(t)
	board := NewRedisOfferBoard(rdb)

	if _, ok, err := board.Get(ctx, "r1"); err != nil || ok {
		t.Fatalf("empty board: %v %v", ok, err)
	}
	o := Offer{ID: "o1", RideID: "r1", DriverID: "d1", VehicleID: "v1", DistanceKm: 1.2, ExpiresAt: time.Now().Add(time.Minute)}
	if err := board.Put(ctx, o); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, ok, err := board.Get(ctx, "r1")
	if err != nil || !ok || got.ID != "o1" || got.DriverID != "d1" || got.VehicleID != "v1" {
		t.Fatalf("get: %+v %v %v", got, ok, err)
	}
	if ttl := rdb.TTL(ctx, offerKey("r1")).Val(); ttl <= 0 || ttl > time.Minute {
		t.Fatalf("offer should expire with the offer, ttl %v", ttl)
	}
	if err := board.Clear(ctx, "r1"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if _, ok, _ := board.Get(ctx, "r1"); ok {
		t.Fatal("offer survived clear")
	}

	o.ExpiresAt = time.Now().Add(-time.Second)
	if err := board.Put(ctx, o); err != nil {
		t.Fatalf("put expired: %v", err)
	}
	if _, ok, _ := board.Get(ctx, "r1"); ok {
		t.Fatal("expired offer stored")
	}
}
