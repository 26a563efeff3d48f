// README: Driver location, availability and device-token handlers.
package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"ridehail/internal/http/middleware"
	"ridehail/internal/modules/location"
	"ridehail/internal/notify"
	"ridehail/internal/types"
)

type LocationHandler struct {
	location LocationService
	tokens   DeviceTokens
}

func NewLocationHandler(loc LocationService, tokens DeviceTokens) *LocationHandler {
	return &LocationHandler{location: loc, tokens: tokens}
}

type locationReq struct {
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
	RideID    string   `json:"rideId"`
}

func (h *LocationHandler) Update(c *gin.Context) {
	var req locationReq
	if err := c.ShouldBindJSON(&req); err != nil || req.Latitude == nil || req.Longitude == nil {
		writeError(c, http.StatusBadRequest, "latitude and longitude are required")
		return
	}
	driverID, ok := callerDriver(c, h.location)
	if !ok {
		return
	}
	smp := location.Sample{
		DriverID:   driverID,
		Position:   types.Point{Lat: *req.Latitude, Lng: *req.Longitude},
		RecordedAt: time.Now().UTC(),
	}
	if req.RideID != "" {
		rideID := types.ID(req.RideID)
		smp.RideID = &rideID
	}
	if err := h.location.Ingest(c.Request.Context(), smp); err != nil {
		writeRideError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, map[string]any{"status": "ok"})
}

type availabilityReq struct {
	Online *bool `json:"online"`
}

func (h *LocationHandler) SetAvailability(c *gin.Context) {
	var req availabilityReq
	if err := c.ShouldBindJSON(&req); err != nil || req.Online == nil {
		writeError(c, http.StatusBadRequest, "online is required")
		return
	}
	driverID, ok := callerDriver(c, h.location)
	if !ok {
		return
	}
	if err := h.location.SetAvailability(c.Request.Context(), driverID, *req.Online); err != nil {
		writeRideError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, map[string]any{"driverId": driverID, "online": *req.Online})
}

type deviceTokenReq struct {
	Token string `json:"token"`
}

// SetDeviceToken stores the caller's FCM registration token for offer pushes.
func (h *LocationHandler) SetDeviceToken(c *gin.Context) {
	var req deviceTokenReq
	if err := c.ShouldBindJSON(&req); err != nil || req.Token == "" {
		writeError(c, http.StatusBadRequest, "token is required")
		return
	}
	err := h.tokens.SetToken(c.Request.Context(), middleware.CallerUID(c), req.Token)
	switch {
	case errors.Is(err, notify.ErrUnknownUser):
		writeError(c, http.StatusNotFound, err.Error())
		return
	case err != nil:
		writeError(c, http.StatusInternalServerError, "internal error")
		return
	}
	c.Status(http.StatusNoContent)
}
