// README: Callable fare and driver-matching functions (public, JSON in/out).
package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"ridehail/internal/modules/matching"
	"ridehail/internal/modules/pricing"
	"ridehail/internal/types"
)

type FunctionsHandler struct {
	pricing FareCalculator
	matcher DriverFinder
}

func NewFunctionsHandler(pricingSvc FareCalculator, matcher DriverFinder) *FunctionsHandler {
	return &FunctionsHandler{pricing: pricingSvc, matcher: matcher}
}

type calculateFareReq struct {
	VehicleType string  `json:"vehicleType"`
	Distance    float64 `json:"distance"`
	Duration    float64 `json:"duration"`
	IsShared    bool    `json:"isShared"`
	CurrentTime *string `json:"currentTime"`
}

func (h *FunctionsHandler) CalculateFare(c *gin.Context) {
	var req calculateFareReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	class, ok := types.ParseVehicleClass(req.VehicleType)
	if !ok {
		writeError(c, http.StatusBadRequest, "invalid vehicleType")
		return
	}
	preq := pricing.Request{
		VehicleClass: class,
		DistanceKm:   req.Distance,
		DurationMin:  req.Duration,
		Shared:       req.IsShared,
	}
	if req.CurrentTime != nil && *req.CurrentTime != "" {
		at, err := time.Parse(time.RFC3339, *req.CurrentTime)
		if err != nil {
			writeError(c, http.StatusBadRequest, "currentTime must be RFC 3339")
			return
		}
		preq.At = &at
	}

	b, err := h.pricing.Calculate(c.Request.Context(), preq)
	switch {
	case err == nil:
		writeJSON(c, http.StatusOK, b)
	case errors.Is(err, pricing.ErrBadRequest):
		writeError(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, pricing.ErrConfiguration):
		writeError(c, http.StatusInternalServerError, "Pricing configuration not found")
	default:
		writeError(c, http.StatusInternalServerError, "internal error")
	}
}

type matchDriverReq struct {
	VehicleType     string   `json:"vehicleType"`
	PickupLatitude  *float64 `json:"pickupLatitude"`
	PickupLongitude *float64 `json:"pickupLongitude"`
	IsShared        bool     `json:"isShared"`
	SearchRadius    float64  `json:"searchRadius"`
}

type matchDriverResp struct {
	Success          bool                 `json:"success"`
	Message          string               `json:"message,omitempty"`
	AvailableDrivers []matching.Candidate `json:"availableDrivers"`
	TotalCount       int                  `json:"totalCount"`
}

func (h *FunctionsHandler) MatchDriver(c *gin.Context) {
	var req matchDriverReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	class, ok := types.ParseVehicleClass(req.VehicleType)
	if !ok {
		writeError(c, http.StatusBadRequest, "invalid vehicleType")
		return
	}
	if req.PickupLatitude == nil || req.PickupLongitude == nil {
		writeError(c, http.StatusBadRequest, "pickupLatitude and pickupLongitude are required")
		return
	}

	res, err := h.matcher.FindDrivers(c.Request.Context(), matching.Request{
		VehicleClass:   class,
		Pickup:         types.Point{Lat: *req.PickupLatitude, Lng: *req.PickupLongitude},
		Shared:         req.IsShared,
		SearchRadiusKm: req.SearchRadius,
	})
	if err != nil {
		if errors.Is(err, matching.ErrBadRequest) {
			writeError(c, http.StatusBadRequest, err.Error())
			return
		}
		writeError(c, http.StatusInternalServerError, "driver lookup failed")
		return
	}
	if res.Empty() {
		writeJSON(c, http.StatusOK, matchDriverResp{Message: "No drivers available", AvailableDrivers: []matching.Candidate{}})
		return
	}
	writeJSON(c, http.StatusOK, matchDriverResp{Success: true, AvailableDrivers: res.Drivers, TotalCount: res.TotalCount})
}
