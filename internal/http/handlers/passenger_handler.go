// README: Passenger ride handlers (create, get, rematch, cancel, rate, trace, live feed).
package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"ridehail/internal/http/middleware"
	"ridehail/internal/modules/ride"
	"ridehail/internal/types"
)

type RideHandler struct {
	rides    RideService
	dispatch Dispatcher
	location LocationService
	live     Subscriber
	log      logrus.FieldLogger
}

func NewRideHandler(rides RideService, dispatch Dispatcher, loc LocationService, live Subscriber, log logrus.FieldLogger) *RideHandler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &RideHandler{rides: rides, dispatch: dispatch, location: loc, live: live, log: log}
}

type createRideReq struct {
	VehicleType         string   `json:"vehicleType"`
	PickupLatitude      *float64 `json:"pickupLatitude"`
	PickupLongitude     *float64 `json:"pickupLongitude"`
	PickupAddress       string   `json:"pickupAddress"`
	DropoffLatitude     *float64 `json:"dropoffLatitude"`
	DropoffLongitude    *float64 `json:"dropoffLongitude"`
	DropoffAddress      string   `json:"dropoffAddress"`
	IsShared            bool     `json:"isShared"`
	SpecialInstructions string   `json:"specialInstructions"`
}

func (h *RideHandler) Create(c *gin.Context) {
	var req createRideReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	class, ok := types.ParseVehicleClass(req.VehicleType)
	if !ok {
		writeError(c, http.StatusBadRequest, "invalid vehicleType")
		return
	}
	if req.PickupLatitude == nil || req.PickupLongitude == nil || req.DropoffLatitude == nil || req.DropoffLongitude == nil {
		writeError(c, http.StatusBadRequest, "pickup and dropoff coordinates are required")
		return
	}

	r, err := h.rides.Create(c.Request.Context(), ride.CreateCommand{
		PassengerID:         types.ID(middleware.CallerUID(c)),
		VehicleClass:        class,
		Pickup:              types.Point{Lat: *req.PickupLatitude, Lng: *req.PickupLongitude},
		PickupAddress:       req.PickupAddress,
		Dropoff:             types.Point{Lat: *req.DropoffLatitude, Lng: *req.DropoffLongitude},
		DropoffAddress:      req.DropoffAddress,
		Shared:              req.IsShared,
		SpecialInstructions: req.SpecialInstructions,
	})
	if err != nil {
		writeRideError(c, err)
		return
	}
	// The ride exists even if matching could not start; the passenger can rematch.
	if err := h.dispatch.Start(c.Request.Context(), r.ID); err != nil {
		h.log.WithError(err).WithField("ride_id", r.ID).Warn("matching session not started")
	}
	writeJSON(c, http.StatusCreated, toRideResponse(r))
}

func (h *RideHandler) Get(c *gin.Context) {
	r, ok := h.visibleRide(c)
	if !ok {
		return
	}
	writeJSON(c, http.StatusOK, toRideResponse(r))
}

func (h *RideHandler) Rematch(c *gin.Context) {
	r, ok := h.ownRide(c)
	if !ok {
		return
	}
	if !r.Status.Matching() {
		writeRideError(c, ride.ErrInvalidState)
		return
	}
	if err := h.dispatch.Start(c.Request.Context(), r.ID); err != nil {
		writeRideError(c, err)
		return
	}
	writeJSON(c, http.StatusAccepted, map[string]any{"rideId": r.ID, "status": r.Status})
}

type cancelReq struct {
	Reason string `json:"reason"`
}

func (h *RideHandler) Cancel(c *gin.Context) {
	var req cancelReq
	// Body is optional.
	_ = c.ShouldBindJSON(&req)
	id := types.ID(c.Param("id"))
	err := h.rides.Cancel(c.Request.Context(), ride.CancelCommand{
		RideID:  id,
		Actor:   types.ActorPassenger,
		ActorID: types.ID(middleware.CallerUID(c)),
		Reason:  req.Reason,
	})
	if err != nil {
		writeRideError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, map[string]any{"rideId": id, "status": ride.StatusCancelled})
}

type rateReq struct {
	Rating  int    `json:"rating"`
	Comment string `json:"comment"`
}

func (h *RideHandler) Rate(c *gin.Context) {
	var req rateReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	id := types.ID(c.Param("id"))
	err := h.rides.Rate(c.Request.Context(), ride.RateCommand{
		RideID:      id,
		PassengerID: types.ID(middleware.CallerUID(c)),
		Score:       req.Rating,
		Comment:     req.Comment,
	})
	if err != nil {
		writeRideError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, map[string]any{"rideId": id, "rating": req.Rating})
}

func (h *RideHandler) Trace(c *gin.Context) {
	r, ok := h.visibleRide(c)
	if !ok {
		return
	}
	points, err := h.location.Trace(c.Request.Context(), r.ID)
	if err != nil {
		writeRideError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, map[string]any{"rideId": r.ID, "points": points})
}

// Transitions returns the ride's status history, oldest first.
func (h *RideHandler) Transitions(c *gin.Context) {
	r, ok := h.visibleRide(c)
	if !ok {
		return
	}
	ts, err := h.rides.Transitions(c.Request.Context(), r.ID)
	if err != nil {
		writeRideError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, map[string]any{"rideId": r.ID, "transitions": toTransitionResponses(ts)})
}

// Live upgrades to a WebSocket carrying the ride's status, offer and position events.
func (h *RideHandler) Live(c *gin.Context) {
	r, ok := h.visibleRide(c)
	if !ok {
		return
	}
	if err := h.live.Serve(c.Writer, c.Request, r.ID); err != nil {
		h.log.WithError(err).WithField("ride_id", r.ID).Debug("live feed closed")
	}
}

func (h *RideHandler) ownRide(c *gin.Context) (*ride.Ride, bool) {
	r, err := h.rides.Get(c.Request.Context(), types.ID(c.Param("id")))
	if err != nil {
		writeRideError(c, err)
		return nil, false
	}
	if r.PassengerID != types.ID(middleware.CallerUID(c)) {
		writeRideError(c, ride.ErrForbidden)
		return nil, false
	}
	return r, true
}

// visibleRide loads the ride for its passenger or its assigned driver.
func (h *RideHandler) visibleRide(c *gin.Context) (*ride.Ride, bool) {
	ctx := c.Request.Context()
	r, err := h.rides.Get(ctx, types.ID(c.Param("id")))
	if err != nil {
		writeRideError(c, err)
		return nil, false
	}
	uid := middleware.CallerUID(c)
	if r.PassengerID == types.ID(uid) {
		return r, true
	}
	if middleware.CallerRole(c) == "driver" && h.assigned(ctx, r, uid) {
		return r, true
	}
	writeRideError(c, ride.ErrForbidden)
	return nil, false
}

func (h *RideHandler) assigned(ctx context.Context, r *ride.Ride, uid string) bool {
	driverID, err := h.location.DriverForUser(ctx, uid)
	if err != nil {
		return false
	}
	return r.AssignedTo(driverID)
}

// callerDriver resolves the authenticated user to a driver id, writing the error response on failure.
func callerDriver(c *gin.Context, loc LocationService) (types.ID, bool) {
	id, err := loc.DriverForUser(c.Request.Context(), middleware.CallerUID(c))
	if err != nil {
		writeRideError(c, err)
		return "", false
	}
	return id, true
}
