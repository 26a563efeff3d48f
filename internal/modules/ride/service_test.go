// README: Ride service tests (transition table, flow, idempotent cancel, accept races).
package ride

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"ridehail/internal/infra"
	"ridehail/internal/modules/pricing"
	"ridehail/internal/types"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		// forward path
		{StatusRequested, StatusMatched, true},
		{StatusRequested, StatusAccepted, true},
		{StatusMatched, StatusAccepted, true},
		{StatusAccepted, StatusInProgress, true},
		{StatusInProgress, StatusCompleted, true},
		// cancels before the trip starts
		{StatusRequested, StatusCancelled, true},
		{StatusMatched, StatusCancelled, true},
		{StatusAccepted, StatusCancelled, true},
		// invalid
		{StatusInProgress, StatusCancelled, false},
		{StatusCompleted, StatusCancelled, false},
		{StatusCancelled, StatusRequested, false},
		{StatusRequested, StatusInProgress, false},
		{StatusMatched, StatusCompleted, false},
		{StatusAccepted, StatusRequested, false},
		{StatusNone, StatusAccepted, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestParseStatus(t *testing.T) {
	cases := map[string]Status{
		"requested":   StatusRequested,
		"MATCHED":     StatusMatched,
		" accepted ":  StatusAccepted,
		"started":     StatusInProgress,
		"in_progress": StatusInProgress,
		"completed":   StatusCompleted,
		"cancelled":   StatusCancelled,
	}
	for in, want := range cases {
		got, ok := ParseStatus(in)
		if !ok || got != want {
			t.Errorf("ParseStatus(%q) = %q, %v", in, got, ok)
		}
	}
	if _, ok := ParseStatus("arrived"); ok {
		t.Fatal("expected arrived to be rejected")
	}
}

type fixture struct {
	store *memStore
	fare  *stubPricing
	pub   *recorder
	svc   *Service
}

func newFixture() *fixture {
	f := &fixture{
		store: newMemStore(),
		fare: &stubPricing{breakdown: pricing.Breakdown{
			TotalFare:            150,
			SurgeMultiplier:      1.5,
			CommissionPercentage: 20,
		}},
		pub: &recorder{},
	}
	f.svc = NewService(Deps{
		Store:     f.store,
		Pricing:   f.fare,
		Publisher: f.pub,
		Log:       infra.Discard(),
	})
	return f
}

func (f *fixture) create(t *testing.T, passenger types.ID) *Ride {
	t.Helper()
	r, err := f.svc.Create(context.Background(), CreateCommand{
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

func (f *fixture) accept(t *testing.T, rideID, driverID types.ID) {
	t.Helper()
	err := f.svc.Accept(context.Background(), AcceptCommand{RideID: rideID, DriverID: driverID, VehicleID: "v_" + driverID})
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
}

func TestCreatePricesAndRecords(t *testing.T) {
	f := newFixture()
	r := f.create(t, "p1")

	if r.Status != StatusRequested || r.StatusVersion != 0 {
		t.Fatalf("unexpected initial state %s v%d", r.Status, r.StatusVersion)
	}
	if r.EstimatedFare != 150 || r.SurgeMultiplier != 1.5 || r.CommissionPercentage != 20 {
		t.Fatalf("fare not copied from breakdown: %+v", r)
	}
	if r.EstimatedDistanceKm <= 0 || r.EstimatedDurationMin <= 0 {
		t.Fatalf("expected fallback route estimate, got %.2f km %.2f min", r.EstimatedDistanceKm, r.EstimatedDurationMin)
	}
	if f.fare.last.VehicleClass != types.VehicleCar || f.fare.last.At == nil {
		t.Fatalf("unexpected pricing request %+v", f.fare.last)
	}
	ts, _ := f.svc.Transitions(context.Background(), r.ID)
	if len(ts) != 1 || ts[0].FromStatus != StatusNone || ts[0].ToStatus != StatusRequested {
		t.Fatalf("expected creation transition, got %+v", ts)
	}
	evs := f.pub.ofType(EventStatusChanged)
	if len(evs) != 1 || evs[0].Status != StatusRequested {
		t.Fatalf("expected one requested event, got %+v", evs)
	}
}

func TestCreateRejections(t *testing.T) {
	ctx := context.Background()

	t.Run("active ride", func(t *testing.T) {
		f := newFixture()
		f.create(t, "p1")
		_, err := f.svc.Create(ctx, CreateCommand{PassengerID: "p1", VehicleClass: types.VehicleBike})
		if !errors.Is(err, ErrActiveRide) {
			t.Fatalf("expected ErrActiveRide, got %v", err)
		}
	})

	t.Run("unknown class", func(t *testing.T) {
		f := newFixture()
		_, err := f.svc.Create(ctx, CreateCommand{PassengerID: "p1", VehicleClass: "limo"})
		if !errors.Is(err, ErrBadRequest) {
			t.Fatalf("expected ErrBadRequest, got %v", err)
		}
	})

	t.Run("pricing misconfigured", func(t *testing.T) {
		f := newFixture()
		f.fare.err = pricing.ErrNoActiveConfig
		_, err := f.svc.Create(ctx, CreateCommand{PassengerID: "p1", VehicleClass: types.VehicleAuto})
		if !errors.Is(err, pricing.ErrConfiguration) {
			t.Fatalf("expected configuration error, got %v", err)
		}
		if n := len(f.store.rides); n != 0 {
			t.Fatalf("expected no ride stored, got %d", n)
		}
	})

	t.Run("after cancellation passenger may ride again", func(t *testing.T) {
		f := newFixture()
		r := f.create(t, "p1")
		if err := f.svc.Cancel(ctx, CancelCommand{RideID: r.ID, Actor: types.ActorPassenger, ActorID: "p1"}); err != nil {
			t.Fatalf("cancel: %v", err)
		}
		f.create(t, "p1")
	})
}

func TestRideHappyPath(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	r := f.create(t, "p1")

	if err := f.svc.MarkMatched(ctx, r.ID); err != nil {
		t.Fatalf("mark matched: %v", err)
	}
	// second call is a no-op
	if err := f.svc.MarkMatched(ctx, r.ID); err != nil {
		t.Fatalf("mark matched again: %v", err)
	}
	f.accept(t, r.ID, "d1")

	if err := f.svc.Start(ctx, StartCommand{RideID: r.ID, DriverID: "d2"}); !errors.Is(err, ErrNotAssigned) {
		t.Fatalf("expected ErrNotAssigned for other driver, got %v", err)
	}
	if err := f.svc.Complete(ctx, CompleteCommand{RideID: r.ID, DriverID: "d1"}); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState completing before start, got %v", err)
	}
	if err := f.svc.Start(ctx, StartCommand{RideID: r.ID, DriverID: "d1"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := f.svc.Complete(ctx, CompleteCommand{RideID: r.ID, DriverID: "d1"}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	got, _ := f.svc.Get(ctx, r.ID)
	if got.Status != StatusCompleted || got.StatusVersion != 4 {
		t.Fatalf("expected completed v4, got %s v%d", got.Status, got.StatusVersion)
	}
	if got.FinalFare == nil || *got.FinalFare != got.EstimatedFare {
		t.Fatalf("final fare should equal estimate, got %v", got.FinalFare)
	}
	for name, ts := range map[string]*time.Time{
		"matched": got.MatchedAt, "accepted": got.AcceptedAt, "started": got.StartedAt, "completed": got.CompletedAt,
	} {
		if ts == nil {
			t.Errorf("%s timestamp not set", name)
		}
	}
	if got.CancelledAt != nil {
		t.Error("cancelled timestamp set on completed ride")
	}

	if len(f.store.txns) != 1 {
		t.Fatalf("expected one transaction, got %d", len(f.store.txns))
	}
	tx := f.store.txns[0]
	if tx.Amount != 150 || tx.CommissionAmount != 30 || tx.DriverEarnings != 120 {
		t.Fatalf("unexpected split %+v", tx)
	}
	if tx.PaymentStatus != "pending" || tx.UserID != "p1" {
		t.Fatalf("unexpected transaction %+v", tx)
	}
	if f.store.driverRides["d1"] != 1 {
		t.Fatalf("expected driver ride count 1, got %d", f.store.driverRides["d1"])
	}

	ts, _ := f.svc.Transitions(ctx, r.ID)
	want := []Status{StatusRequested, StatusMatched, StatusAccepted, StatusInProgress, StatusCompleted}
	if len(ts) != len(want) {
		t.Fatalf("expected %d transitions, got %d", len(want), len(ts))
	}
	for i, s := range want {
		if ts[i].ToStatus != s {
			t.Fatalf("transition %d: got %s want %s", i, ts[i].ToStatus, s)
		}
	}

	e, _ := f.svc.Earnings(ctx, "d1")
	if e.CompletedRides != 1 || e.NetEarnings != 120 {
		t.Fatalf("unexpected earnings %+v", e)
	}

	evs := f.pub.ofType(EventStatusChanged)
	last := evs[len(evs)-1]
	if last.Status != StatusCompleted || last.From != StatusInProgress || last.Version != 4 {
		t.Fatalf("unexpected last event %+v", last)
	}
	if last.DriverID == nil || *last.DriverID != "d1" {
		t.Fatalf("expected driver on event, got %v", last.DriverID)
	}
}

func TestAcceptRules(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	r := f.create(t, "p1")

	if err := f.svc.Accept(ctx, AcceptCommand{RideID: r.ID, DriverID: "d1"}); !errors.Is(err, ErrBadRequest) {
		t.Fatalf("expected ErrBadRequest without vehicle, got %v", err)
	}
	f.accept(t, r.ID, "d1")
	if err := f.svc.Accept(ctx, AcceptCommand{RideID: r.ID, DriverID: "d2", VehicleID: "v2"}); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict for second driver, got %v", err)
	}
	if err := f.svc.Accept(ctx, AcceptCommand{RideID: "missing", DriverID: "d2", VehicleID: "v2"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	got, _ := f.svc.Get(ctx, r.ID)
	if !got.AssignedTo("d1") || got.VehicleID == nil || *got.VehicleID != "v_d1" {
		t.Fatalf("assignment overwritten: %+v", got)
	}
	ts, _ := f.svc.Transitions(ctx, r.ID)
	if ts[len(ts)-1].ActorType != types.ActorDriver {
		t.Fatalf("expected driver actor, got %s", ts[len(ts)-1].ActorType)
	}
}

func TestConcurrentAcceptSameRide(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	r := f.create(t, "p1")

	const attempts = 8
	var wg sync.WaitGroup
	errs := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(did types.ID) {
			defer wg.Done()
			errs <- f.svc.Accept(ctx, AcceptCommand{RideID: r.ID, DriverID: did, VehicleID: "v_" + did})
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
	if n := f.store.countTransitions(r.ID, StatusAccepted); n != 1 {
		t.Fatalf("expected one accepted transition, got %d", n)
	}
}

func TestCancel(t *testing.T) {
	ctx := context.Background()

	t.Run("passenger cancels requested ride", func(t *testing.T) {
		f := newFixture()
		r := f.create(t, "p1")
		if err := f.svc.Cancel(ctx, CancelCommand{RideID: r.ID, Actor: types.ActorPassenger, ActorID: "p1", Reason: "changed plans"}); err != nil {
			t.Fatalf("cancel: %v", err)
		}
		got, _ := f.svc.Get(ctx, r.ID)
		if got.Status != StatusCancelled || got.CancelledAt == nil {
			t.Fatalf("expected cancelled, got %s", got.Status)
		}
		if got.CancelledBy == nil || *got.CancelledBy != types.ActorPassenger {
			t.Fatalf("unexpected cancelled_by %v", got.CancelledBy)
		}
		if got.CancelReason == nil || *got.CancelReason != "changed plans" {
			t.Fatalf("unexpected reason %v", got.CancelReason)
		}
		evs := f.pub.ofType(EventStatusChanged)
		if last := evs[len(evs)-1]; last.Status != StatusCancelled || last.Reason != "changed plans" {
			t.Fatalf("unexpected event %+v", last)
		}
	})

	t.Run("idempotent", func(t *testing.T) {
		f := newFixture()
		r := f.create(t, "p1")
		for i := 0; i < 3; i++ {
			if err := f.svc.Cancel(ctx, CancelCommand{RideID: r.ID, Actor: types.ActorPassenger, ActorID: "p1"}); err != nil {
				t.Fatalf("cancel %d: %v", i, err)
			}
		}
		if n := f.store.countTransitions(r.ID, StatusCancelled); n != 1 {
			t.Fatalf("expected one cancellation record, got %d", n)
		}
		if n := len(f.pub.ofType(EventStatusChanged)); n != 2 {
			t.Fatalf("expected requested+cancelled events, got %d", n)
		}
	})

	t.Run("other passenger forbidden", func(t *testing.T) {
		f := newFixture()
		r := f.create(t, "p1")
		err := f.svc.Cancel(ctx, CancelCommand{RideID: r.ID, Actor: types.ActorPassenger, ActorID: "p2"})
		if !errors.Is(err, ErrForbidden) {
			t.Fatalf("expected ErrForbidden, got %v", err)
		}
	})

	t.Run("assigned driver cancels", func(t *testing.T) {
		f := newFixture()
		r := f.create(t, "p1")
		f.accept(t, r.ID, "d1")
		if err := f.svc.Cancel(ctx, CancelCommand{RideID: r.ID, Actor: types.ActorDriver, ActorID: "d2"}); !errors.Is(err, ErrNotAssigned) {
			t.Fatalf("expected ErrNotAssigned, got %v", err)
		}
		if err := f.svc.Cancel(ctx, CancelCommand{RideID: r.ID, Actor: types.ActorDriver, ActorID: "d1"}); err != nil {
			t.Fatalf("driver cancel: %v", err)
		}
	})

	t.Run("rejected once in progress or completed", func(t *testing.T) {
		f := newFixture()
		r := f.create(t, "p1")
		f.accept(t, r.ID, "d1")
		if err := f.svc.Start(ctx, StartCommand{RideID: r.ID, DriverID: "d1"}); err != nil {
			t.Fatalf("start: %v", err)
		}
		cancel := CancelCommand{RideID: r.ID, Actor: types.ActorPassenger, ActorID: "p1"}
		if err := f.svc.Cancel(ctx, cancel); !errors.Is(err, ErrInvalidState) {
			t.Fatalf("expected ErrInvalidState in progress, got %v", err)
		}
		if err := f.svc.Complete(ctx, CompleteCommand{RideID: r.ID, DriverID: "d1"}); err != nil {
			t.Fatalf("complete: %v", err)
		}
		if err := f.svc.Cancel(ctx, cancel); !errors.Is(err, ErrInvalidState) {
			t.Fatalf("expected ErrInvalidState after completion, got %v", err)
		}
		got, _ := f.svc.Get(ctx, r.ID)
		if got.Status != StatusCompleted {
			t.Fatalf("completed ride changed to %s", got.Status)
		}
	})

	t.Run("retries a lost race", func(t *testing.T) {
		f := newFixture()
		r := f.create(t, "p1")
		f.store.beforeUpdate = func() { f.store.force(r.ID, StatusMatched) }
		if err := f.svc.Cancel(ctx, CancelCommand{RideID: r.ID, Actor: types.ActorPassenger, ActorID: "p1"}); err != nil {
			t.Fatalf("cancel: %v", err)
		}
		got, _ := f.svc.Get(ctx, r.ID)
		if got.Status != StatusCancelled {
			t.Fatalf("expected cancelled, got %s", got.Status)
		}
		ts, _ := f.svc.Transitions(ctx, r.ID)
		if last := ts[len(ts)-1]; last.FromStatus != StatusMatched {
			t.Fatalf("expected cancel from matched, got %s", last.FromStatus)
		}
	})

	t.Run("timed out", func(t *testing.T) {
		f := newFixture()
		r := f.create(t, "p1")
		if err := f.svc.CancelTimedOut(ctx, r.ID); err != nil {
			t.Fatalf("cancel timed out: %v", err)
		}
		got, _ := f.svc.Get(ctx, r.ID)
		if *got.CancelledBy != types.ActorSystem || *got.CancelReason != "timed out" {
			t.Fatalf("unexpected cancellation %v %v", *got.CancelledBy, *got.CancelReason)
		}
	})
}

func TestRate(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	r := f.create(t, "p1")

	if err := f.svc.Rate(ctx, RateCommand{RideID: r.ID, PassengerID: "p1", Score: 5}); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState before completion, got %v", err)
	}
	f.accept(t, r.ID, "d1")
	_ = f.svc.Start(ctx, StartCommand{RideID: r.ID, DriverID: "d1"})
	if err := f.svc.Complete(ctx, CompleteCommand{RideID: r.ID, DriverID: "d1"}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	for _, score := range []int{0, 6, -1} {
		if err := f.svc.Rate(ctx, RateCommand{RideID: r.ID, PassengerID: "p1", Score: score}); !errors.Is(err, ErrBadRequest) {
			t.Fatalf("score %d: expected ErrBadRequest, got %v", score, err)
		}
	}
	if err := f.svc.Rate(ctx, RateCommand{RideID: r.ID, PassengerID: "p2", Score: 4}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if err := f.svc.Rate(ctx, RateCommand{RideID: r.ID, PassengerID: "p1", Score: 4, Comment: "smooth"}); err != nil {
		t.Fatalf("rate: %v", err)
	}
	if err := f.svc.Rate(ctx, RateCommand{RideID: r.ID, PassengerID: "p1", Score: 3}); !errors.Is(err, ErrAlreadyRated) {
		t.Fatalf("expected ErrAlreadyRated, got %v", err)
	}
	if f.store.ratingCount["d1"] != 1 || f.store.ratingSum["d1"] != 4 {
		t.Fatalf("driver rating applied %d times", f.store.ratingCount["d1"])
	}
	if got := f.store.ratings[r.ID]; got.RatedUser != "d1" || got.Comment != "smooth" {
		t.Fatalf("unexpected rating %+v", got)
	}
}

func TestFanoutJoinsErrors(t *testing.T) {
	a, b := &recorder{}, &recorder{}
	boom := errors.New("boom")
	f := NewFanout(a, PublisherFunc(func(context.Context, Event) error { return boom }))
	f.Add(b)

	err := f.Publish(context.Background(), Event{Type: EventNoDrivers, RideID: "r1"})
	if !errors.Is(err, boom) {
		t.Fatalf("expected joined error, got %v", err)
	}
	if len(a.events) != 1 || len(b.events) != 1 {
		t.Fatal("every subscriber should receive the event")
	}
}

func TestEventRoutingAndDecode(t *testing.T) {
	ev := Event{Type: EventStatusChanged, RideID: "r1", Status: StatusCancelled}
	if got := ev.RoutingKey(); got != "ride.status.cancelled" {
		t.Fatalf("unexpected routing key %q", got)
	}
	if got := (Event{Type: EventOffered}).RoutingKey(); got != "ride.offered" {
		t.Fatalf("unexpected routing key %q", got)
	}
	if got := (Event{Type: EventOfferDeclined}).RoutingKey(); got != DispatchBindings[1] {
		t.Fatalf("decline key %q is not bound by dispatchers", got)
	}

	got, err := DecodeEvent([]byte(`{"type":"ride.status_changed","rideId":"r1","status":"started"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Status != StatusInProgress {
		t.Fatalf("expected legacy status normalised, got %s", got.Status)
	}
	if _, err := DecodeEvent([]byte(`{"type":"ride.status_changed"}`)); err == nil {
		t.Fatal("expected error for missing ride id")
	}
	if _, err := DecodeEvent([]byte(`not json`)); err == nil {
		t.Fatal("expected error for bad body")
	}
}

func TestOnTrip(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	r := f.create(t, "p1")

	check := func(rideID, driverID types.ID, want bool) {
		t.Helper()
		got, err := f.svc.OnTrip(ctx, rideID, driverID)
		if err != nil || got != want {
			t.Fatalf("OnTrip(%s, %s) = (%v, %v), want %v", rideID, driverID, got, err, want)
		}
	}
	check(r.ID, "d1", false)
	f.accept(t, r.ID, "d1")
	check(r.ID, "d1", true)
	check(r.ID, "d2", false)
	check("missing", "d1", false)

	if err := f.svc.Start(ctx, StartCommand{RideID: r.ID, DriverID: "d1"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	check(r.ID, "d1", true)
	if err := f.svc.Complete(ctx, CompleteCommand{RideID: r.ID, DriverID: "d1"}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	check(r.ID, "d1", false)
}
