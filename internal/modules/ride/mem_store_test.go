package ride

import (
	"context"
	"sync"
	"time"

	"ridehail/internal/modules/pricing"
	"ridehail/internal/types"
)

// memStore is an in-memory Store with the same compare-and-set semantics as PGStore.
type memStore struct {
	mu          sync.Mutex
	rides       map[types.ID]Ride
	transitions []Transition
	txns        []Transaction
	ratings     map[types.ID]Rating
	driverRides map[types.ID]int
	ratingSum   map[types.ID]int
	ratingCount map[types.ID]int
	// beforeUpdate runs once, unlocked, ahead of the next UpdateStatus.
	beforeUpdate func()
}

func newMemStore() *memStore {
	return &memStore{
		rides:       make(map[types.ID]Ride),
		ratings:     make(map[types.ID]Rating),
		driverRides: make(map[types.ID]int),
		ratingSum:   make(map[types.ID]int),
		ratingCount: make(map[types.ID]int),
	}
}

func (m *memStore) Create(_ context.Context, r *Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rides[r.ID] = *r
	return nil
}

func (m *memStore) Get(_ context.Context, id types.ID) (*Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &r, nil
}

func (m *memStore) HasActiveByPassenger(_ context.Context, passengerID types.ID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rides {
		if r.PassengerID == passengerID && !r.Status.Terminal() {
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) UpdateStatus(_ context.Context, u Update) (bool, error) {
	m.mu.Lock()
	hook := m.beforeUpdate
	m.beforeUpdate = nil
	m.mu.Unlock()
	if hook != nil {
		hook()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[u.RideID]
	if !ok || r.Status != u.From || r.StatusVersion != u.Version {
		return false, nil
	}
	r.Status = u.To
	r.StatusVersion++
	if u.DriverID != nil {
		r.DriverID = u.DriverID
	}
	if u.VehicleID != nil {
		r.VehicleID = u.VehicleID
	}
	if u.FinalFare != nil {
		r.FinalFare = u.FinalFare
	}
	if u.CancelledBy != nil {
		r.CancelledBy = u.CancelledBy
	}
	if u.CancelReason != nil {
		r.CancelReason = u.CancelReason
	}
	at := u.At
	switch u.To {
	case StatusMatched:
		r.MatchedAt = &at
	case StatusAccepted:
		r.AcceptedAt = &at
	case StatusInProgress:
		r.StartedAt = &at
	case StatusCompleted:
		r.CompletedAt = &at
	case StatusCancelled:
		r.CancelledAt = &at
	}
	m.rides[u.RideID] = r
	return true, nil
}

// force overwrites a ride's status as a concurrent writer would.
func (m *memStore) force(id types.ID, to Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.rides[id]
	r.Status = to
	r.StatusVersion++
	m.rides[id] = r
}

func (m *memStore) AppendTransition(_ context.Context, t *Transition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t.ID = int64(len(m.transitions) + 1)
	m.transitions = append(m.transitions, *t)
	return nil
}

func (m *memStore) Transitions(_ context.Context, rideID types.ID) ([]Transition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Transition
	for _, t := range m.transitions {
		if t.RideID == rideID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *memStore) countTransitions(rideID types.ID, to Status) int {
	ts, _ := m.Transitions(context.Background(), rideID)
	n := 0
	for _, t := range ts {
		if t.ToStatus == to {
			n++
		}
	}
	return n
}

func (m *memStore) CreateTransaction(_ context.Context, t *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.txns = append(m.txns, *t)
	return nil
}

func (m *memStore) IncrementDriverRides(_ context.Context, driverID types.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.driverRides[driverID]++
	return nil
}

func (m *memStore) CreateRating(_ context.Context, r *Rating) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.ratings[r.RideID]; ok {
		return ErrAlreadyRated
	}
	m.ratings[r.RideID] = *r
	return nil
}

func (m *memStore) ApplyDriverRating(_ context.Context, driverID types.ID, score int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ratingSum[driverID] += score
	m.ratingCount[driverID]++
	return nil
}

func (m *memStore) DriverEarnings(_ context.Context, driverID types.ID) (Earnings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := Earnings{DriverID: driverID}
	for _, t := range m.txns {
		if t.DriverID == driverID {
			e.CompletedRides++
			e.GrossFares += t.Amount
			e.Commission += t.CommissionAmount
			e.NetEarnings += t.DriverEarnings
		}
	}
	return e, nil
}

type stubPricing struct {
	breakdown pricing.Breakdown
	err       error
	last      pricing.Request
}

func (p *stubPricing) Calculate(_ context.Context, req pricing.Request) (pricing.Breakdown, error) {
	p.last = req
	return p.breakdown, p.err
}

// recorder collects published events.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Publish(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) ofType(t EventType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(2 * time.Millisecond)
	}
	return cond()
}
