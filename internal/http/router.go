// README: HTTP router registration.
package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"ridehail/internal/http/handlers"
	"ridehail/internal/http/middleware"
	"ridehail/internal/infra"
)

type RouterDeps struct {
	Verifier infra.TokenVerifier
	Rides    handlers.RideService
	Dispatch handlers.Dispatcher
	Location handlers.LocationService
	Pricing  handlers.FareCalculator
	Matcher  handlers.DriverFinder
	Live     handlers.Subscriber
	Tokens   handlers.DeviceTokens
	Log      logrus.FieldLogger
}

func NewRouter(d RouterDeps) *gin.Engine {
	r := gin.New()
	r.Use(middleware.Logging(d.Log), middleware.Recovery(d.Log))

	r.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "OK")
	})

	// Callable functions keep their public contract.
	fn := handlers.NewFunctionsHandler(d.Pricing, d.Matcher)
	r.POST("/functions/calculate-fare", fn.CalculateFare)
	r.POST("/functions/match-driver", fn.MatchDriver)

	authed := r.Group("/", middleware.Auth(d.Verifier))

	rides := handlers.NewRideHandler(d.Rides, d.Dispatch, d.Location, d.Live, d.Log)
	authed.POST("/api/rides", rides.Create)
	authed.GET("/api/rides/:id", rides.Get)
	authed.POST("/api/rides/:id/rematch", rides.Rematch)
	authed.POST("/api/rides/:id/cancel", rides.Cancel)
	authed.POST("/api/rides/:id/rate", rides.Rate)
	authed.GET("/api/rides/:id/trace", rides.Trace)
	authed.GET("/api/rides/:id/transitions", rides.Transitions)
	authed.GET("/ws/rides/:id", rides.Live)

	loc := handlers.NewLocationHandler(d.Location, d.Tokens)
	authed.PUT("/api/device-token", loc.SetDeviceToken)

	driver := authed.Group("/api/driver", middleware.RequireRole("driver"))
	drv := handlers.NewDriverHandler(d.Rides, d.Dispatch, d.Location)
	driver.GET("/rides/:id/offer", drv.Offer)
	driver.POST("/rides/:id/accept", drv.Accept)
	driver.POST("/rides/:id/decline", drv.Decline)
	driver.POST("/rides/:id/start", drv.Start)
	driver.POST("/rides/:id/complete", drv.Complete)
	driver.POST("/rides/:id/cancel", drv.Cancel)
	driver.GET("/earnings", drv.Earnings)
	driver.PUT("/location", loc.Update)
	driver.PUT("/availability", loc.SetAvailability)

	return r
}
