// README: Per-ride matching session: retries, offers, auto-assign and the overall budget on one goroutine.
package ride

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"ridehail/internal/modules/matching"
	"ridehail/internal/types"
)

type msgKind int

const (
	msgRetry msgKind = iota
	msgOfferExpired
	msgAutoAssign
	msgOverallTimeout
	msgAccept
	msgDecline
)

// message is the only way into a session. Timer messages carry the generation
// they were armed for and are dropped when it no longer matches.
type message struct {
	kind     msgKind
	gen      uint64
	driverID types.ID
	offerID  types.ID
	reply    chan error
}

type session struct {
	d    *Dispatcher
	ride *Ride
	log  logrus.FieldLogger

	ctx      context.Context
	cancel   context.CancelFunc
	inbox    chan message
	finished chan struct{}

	// Owned by the run goroutine.
	attempt  int
	gen      uint64
	queue    []matching.Candidate
	declined map[types.ID]bool
	timers   []*time.Timer
	done     bool

	mu    sync.Mutex
	offer *Offer
}

func newSession(d *Dispatcher, r *Ride) *session {
	ctx, cancel := context.WithCancel(d.base)
	return &session{
		d:        d,
		ride:     r,
		log:      d.log.WithField("ride_id", r.ID),
		ctx:      ctx,
		cancel:   cancel,
		inbox:    make(chan message),
		finished: make(chan struct{}),
		declined: make(map[types.ID]bool),
	}
}

func (s *session) run() {
	defer close(s.finished)
	defer s.cancel()
	defer s.stopTimers()
	defer s.setOffer(nil)

	overall := time.AfterFunc(s.d.cfg.MatchTimeout, func() { s.post(message{kind: msgOverallTimeout}) })
	defer overall.Stop()

	s.attemptMatch()
	for !s.done {
		select {
		case <-s.ctx.Done():
			s.log.Debug("matching session stopped")
			return
		case m := <-s.inbox:
			s.handle(m)
		}
	}
}

func (s *session) post(m message) {
	select {
	case s.inbox <- m:
	case <-s.ctx.Done():
	}
}

// arm schedules a timer message for the current generation.
func (s *session) arm(after time.Duration, kind msgKind) {
	gen := s.gen
	s.timers = append(s.timers, time.AfterFunc(after, func() { s.post(message{kind: kind, gen: gen}) }))
}

func (s *session) stopTimers() {
	for _, t := range s.timers {
		t.Stop()
	}
	s.timers = s.timers[:0]
}

// bump invalidates every armed timer and the current offer.
func (s *session) bump() {
	s.gen++
	s.stopTimers()
	s.setOffer(nil)
}

func (s *session) handle(m message) {
	switch m.kind {
	case msgOverallTimeout:
		s.timeout()
	case msgRetry:
		if m.gen == s.gen {
			s.attemptMatch()
		}
	case msgOfferExpired:
		if m.gen == s.gen {
			if o, ok := s.currentOffer(); ok {
				s.log.WithField("driver_id", o.DriverID).Info("offer expired")
				s.declined[o.DriverID] = true
				s.offerNext()
			}
		}
	case msgAutoAssign:
		if m.gen == s.gen {
			s.autoAssign()
		}
	case msgAccept:
		m.reply <- s.accept(m)
	case msgDecline:
		m.reply <- s.decline(m)
	}
}

func (s *session) validOffer(m message) (Offer, error) {
	o, ok := s.currentOffer()
	if !ok || o.ID != m.offerID || o.DriverID != m.driverID {
		return Offer{}, ErrStaleOffer
	}
	if !s.d.rides.now().Before(o.ExpiresAt) {
		return Offer{}, ErrStaleOffer
	}
	return o, nil
}

func (s *session) accept(m message) error {
	o, err := s.validOffer(m)
	if err != nil {
		return err
	}
	return s.assign(o, types.ActorDriver)
}

func (s *session) decline(m message) error {
	o, err := s.validOffer(m)
	if err != nil {
		return err
	}
	s.log.WithField("driver_id", o.DriverID).Info("offer declined")
	s.declined[o.DriverID] = true
	s.offerNext()
	return nil
}

func (s *session) autoAssign() {
	o, ok := s.currentOffer()
	if !ok {
		return
	}
	online, err := s.d.matcher.IsAvailable(s.ctx, o.DriverID)
	if err != nil || !online {
		s.log.WithError(err).WithField("driver_id", o.DriverID).Info("auto-assign candidate unavailable")
		s.declined[o.DriverID] = true
		s.offerNext()
		return
	}
	if err := s.assign(o, types.ActorSystem); err != nil && !s.done {
		s.declined[o.DriverID] = true
		s.offerNext()
	}
}

// assign writes the accept. Any outcome other than an infra error ends the
// session: either the ride is now taken or it moved on without us.
func (s *session) assign(o Offer, actor types.Actor) error {
	// The accept publishes a status event that stops this session; the write
	// must not be cut short by that.
	err := s.d.rides.Accept(context.WithoutCancel(s.ctx), AcceptCommand{
		RideID:    s.ride.ID,
		DriverID:  o.DriverID,
		VehicleID: o.VehicleID,
		Actor:     actor,
	})
	switch {
	case err == nil:
		s.log.WithFields(logrus.Fields{"driver_id": o.DriverID, "actor": actor}).Info("ride assigned")
		s.finish()
	case errors.Is(err, ErrConflict), errors.Is(err, ErrInvalidState), errors.Is(err, ErrNotFound):
		s.finish()
	}
	return err
}

func (s *session) timeout() {
	s.bump()
	s.finish()
	if err := s.d.rides.CancelTimedOut(context.WithoutCancel(s.ctx), s.ride.ID); err != nil && !errors.Is(err, ErrInvalidState) {
		s.log.WithError(err).Warn("cancel timed out ride")
		return
	}
	s.log.Info("matching timed out")
}

func (s *session) finish() {
	s.done = true
	s.bump()
}

func (s *session) attemptMatch() {
	s.bump()
	s.attempt++

	res, err := s.d.matcher.FindDrivers(s.ctx, matching.Request{
		VehicleClass:   s.ride.VehicleClass,
		Pickup:         s.ride.Pickup,
		Shared:         s.ride.Shared,
		SearchRadiusKm: s.d.cfg.RadiusKm,
	})
	if s.ctx.Err() != nil {
		return
	}

	if err == nil {
		s.queue = s.queue[:0]
		for _, c := range res.Drivers {
			if !s.declined[c.DriverID] {
				s.queue = append(s.queue, c)
			}
		}
	}
	if err == nil && len(s.queue) > 0 {
		if err := s.d.rides.MarkMatched(s.ctx, s.ride.ID); err != nil {
			if errors.Is(err, ErrInvalidState) || errors.Is(err, ErrNotFound) {
				s.finish()
				return
			}
			s.log.WithError(err).Warn("mark ride matched")
		}
		s.offerNext()
		return
	}

	if err != nil {
		s.log.WithError(err).WithField("attempt", s.attempt).Warn("driver lookup failed")
	}
	if s.attempt < s.d.cfg.MaxAttempts {
		s.arm(s.backoff(), msgRetry)
		return
	}

	ev := Event{RideID: s.ride.ID, Status: s.ride.Status, At: s.d.rides.now()}
	if err != nil {
		ev.Type = EventMatchingFailed
		ev.Message = "Driver lookup failed"
	} else {
		ev.Type = EventNoDrivers
		ev.Message = "No drivers available"
	}
	s.log.WithField("attempts", s.attempt).Info(ev.Message)
	s.finish()
	s.d.publish(s.ctx, ev)
}

// backoff is base * factor^(attempt-1), capped.
func (s *session) backoff() time.Duration {
	cfg := s.d.cfg
	delay := float64(cfg.RetryBase) * math.Pow(cfg.RetryFactor, float64(s.attempt-1))
	if cfg.RetryCap > 0 && delay > float64(cfg.RetryCap) {
		return cfg.RetryCap
	}
	return time.Duration(delay)
}

// offerNext offers the ride to the next undeclined candidate, or goes back to
// matching when the queue is empty.
func (s *session) offerNext() {
	s.bump()
	for len(s.queue) > 0 {
		c := s.queue[0]
		s.queue = s.queue[1:]
		if s.declined[c.DriverID] {
			continue
		}
		o := Offer{
			ID:         newID(),
			RideID:     s.ride.ID,
			DriverID:   c.DriverID,
			VehicleID:  c.VehicleID,
			DistanceKm: c.DistanceKm,
			ExpiresAt:  s.d.rides.now().Add(s.d.cfg.OfferTimeout),
		}
		s.setOffer(&o)
		s.arm(s.d.cfg.OfferTimeout, msgOfferExpired)
		if s.d.cfg.AutoAssignAfter > 0 {
			s.arm(s.d.cfg.AutoAssignAfter, msgAutoAssign)
		}
		s.log.WithField("driver_id", c.DriverID).Info("ride offered")
		s.d.publish(s.ctx, Event{
			Type:     EventOffered,
			RideID:   s.ride.ID,
			Status:   StatusMatched,
			DriverID: &o.DriverID,
			Offer:    &o,
			At:       s.d.rides.now(),
		})
		return
	}
	s.attemptMatch()
}

// setOffer replaces the live offer and mirrors it to the board.
func (s *session) setOffer(o *Offer) {
	s.mu.Lock()
	had := s.offer != nil
	s.offer = o
	s.mu.Unlock()

	board := s.d.board
	if board == nil || (o == nil && !had) {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), boardTimeout)
	defer cancel()
	var err error
	if o == nil {
		err = board.Clear(ctx, s.ride.ID)
	} else {
		err = board.Put(ctx, *o)
	}
	if err != nil {
		s.log.WithError(err).Warn("mirror offer to board")
	}
}

func (s *session) currentOffer() (Offer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.offer == nil {
		return Offer{}, false
	}
	return *s.offer, true
}
