// README: Driver handlers for offers, trip lifecycle and earnings.
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"ridehail/internal/modules/ride"
	"ridehail/internal/types"
)

type DriverHandler struct {
	rides    RideService
	dispatch Dispatcher
	location LocationService
}

func NewDriverHandler(rides RideService, dispatch Dispatcher, loc LocationService) *DriverHandler {
	return &DriverHandler{rides: rides, dispatch: dispatch, location: loc}
}

var errMissingOffer = errors.New("offerId is required")

type offerReq struct {
	OfferID string `json:"offerId"`
}

// Offer returns the offer currently pending for the caller on this ride.
func (h *DriverHandler) Offer(c *gin.Context) {
	driverID, ok := callerDriver(c, h.location)
	if !ok {
		return
	}
	offer, found := h.dispatch.CurrentOffer(c.Request.Context(), types.ID(c.Param("id")))
	if !found || offer.DriverID != driverID {
		writeError(c, http.StatusNotFound, "no pending offer")
		return
	}
	writeJSON(c, http.StatusOK, offer)
}

func (h *DriverHandler) Accept(c *gin.Context) {
	h.answer(c, true)
}

func (h *DriverHandler) Decline(c *gin.Context) {
	h.answer(c, false)
}

func (h *DriverHandler) answer(c *gin.Context, accept bool) {
	var req offerReq
	if err := c.ShouldBindJSON(&req); err != nil || req.OfferID == "" {
		writeError(c, http.StatusBadRequest, errMissingOffer.Error())
		return
	}
	driverID, ok := callerDriver(c, h.location)
	if !ok {
		return
	}
	rideID := types.ID(c.Param("id"))
	answer, status := h.dispatch.Decline, "declined"
	if accept {
		answer, status = h.dispatch.Accept, string(ride.StatusAccepted)
	}
	if err := answer(c.Request.Context(), rideID, driverID, types.ID(req.OfferID)); err != nil {
		writeRideError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, map[string]any{"rideId": rideID, "status": status})
}

func (h *DriverHandler) Start(c *gin.Context) {
	driverID, ok := callerDriver(c, h.location)
	if !ok {
		return
	}
	id := types.ID(c.Param("id"))
	if err := h.rides.Start(c.Request.Context(), ride.StartCommand{RideID: id, DriverID: driverID}); err != nil {
		writeRideError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, map[string]any{"rideId": id, "status": ride.StatusInProgress})
}

func (h *DriverHandler) Complete(c *gin.Context) {
	driverID, ok := callerDriver(c, h.location)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	id := types.ID(c.Param("id"))
	if err := h.rides.Complete(ctx, ride.CompleteCommand{RideID: id, DriverID: driverID}); err != nil {
		writeRideError(c, err)
		return
	}
	r, err := h.rides.Get(ctx, id)
	if err != nil {
		writeRideError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, toRideResponse(r))
}

func (h *DriverHandler) Cancel(c *gin.Context) {
	var req cancelReq
	_ = c.ShouldBindJSON(&req)
	driverID, ok := callerDriver(c, h.location)
	if !ok {
		return
	}
	id := types.ID(c.Param("id"))
	err := h.rides.Cancel(c.Request.Context(), ride.CancelCommand{
		RideID:  id,
		Actor:   types.ActorDriver,
		ActorID: driverID,
		Reason:  req.Reason,
	})
	if err != nil {
		writeRideError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, map[string]any{"rideId": id, "status": ride.StatusCancelled})
}

func (h *DriverHandler) Earnings(c *gin.Context) {
	driverID, ok := callerDriver(c, h.location)
	if !ok {
		return
	}
	e, err := h.rides.Earnings(c.Request.Context(), driverID)
	if err != nil {
		writeRideError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, e)
}
