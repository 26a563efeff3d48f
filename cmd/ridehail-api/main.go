// README: Entry point; loads config, wires services, starts the HTTP server and the ride event consumer.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"ridehail/internal/config"
	httptransport "ridehail/internal/http"
	"ridehail/internal/infra"
	"ridehail/internal/maps"
	"ridehail/internal/modules/location"
	"ridehail/internal/modules/matching"
	"ridehail/internal/modules/pricing"
	"ridehail/internal/modules/ride"
	"ridehail/internal/notify"
	"ridehail/internal/realtime"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatal(err)
	}
	log := infra.NewLogger(cfg.Log.Level, cfg.Log.Format)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Firebase.ProjectID == "" {
		log.Fatal("RIDEHAIL_FIREBASE_PROJECT_ID is required")
	}
	app, err := infra.NewFirebaseApp(ctx, cfg.Firebase.ProjectID, cfg.Firebase.CredentialsFile)
	if err != nil {
		log.WithError(err).Fatal("firebase init")
	}
	verifier, err := infra.NewFirebaseVerifier(ctx, app)
	if err != nil {
		log.WithError(err).Fatal("firebase auth init")
	}
	fcm, err := infra.NewMessaging(ctx, app)
	if err != nil {
		log.WithError(err).Fatal("firebase messaging init")
	}

	dbPool, err := infra.NewDB(ctx, cfg.DB.DSN)
	if err != nil {
		log.WithError(err).Fatal("postgres connect")
	}
	defer dbPool.Close()

	redisClient, err := infra.NewRedis(ctx, cfg.Redis.Addr)
	if err != nil {
		log.WithError(err).Fatal("redis connect")
	}
	defer redisClient.Close()

	broker, err := infra.DialRabbitMQ(cfg.RabbitMQ.URL, cfg.RabbitMQ.Exchange, log)
	if err != nil {
		log.WithError(err).Fatal("rabbitmq connect")
	}
	defer broker.Close()

	routes, err := maps.NewRouteService(cfg.Maps.APIKey, log)
	if err != nil {
		log.WithError(err).Fatal("maps init")
	}
	loc, err := time.LoadLocation(cfg.Pricing.TimeZone)
	if err != nil {
		log.WithError(err).Fatal("pricing time zone")
	}

	uow := infra.NewUnitOfWork(dbPool)
	hub := realtime.NewHub(log)
	tokens := notify.NewTokenStore(dbPool)
	offers := notify.NewOfferNotifier(fcm, tokens, log)

	pricingSvc := pricing.NewService(pricing.NewStore(dbPool), loc)
	matchingSvc := matching.NewService(matching.NewStore(dbPool, redisClient, log), cfg.Matching)

	// The dispatcher joins the fan-out last so observers see an event before its session stops.
	rideEvents := ride.NewFanout(ride.NewBrokerPublisher(broker), hub, offers)
	rideSvc := ride.NewService(ride.Deps{
		Store:     ride.NewStore(dbPool),
		Tx:        uow,
		Pricing:   pricingSvc,
		Routes:    routes,
		Publisher: rideEvents,
		Log:       log,
	})
	dispatcher := ride.NewDispatcher(ride.DispatcherDeps{
		Rides:     rideSvc,
		Matcher:   matchingSvc,
		Lock:      ride.NewRedisLock(redisClient),
		Board:     ride.NewRedisOfferBoard(redisClient),
		Publisher: rideEvents,
		Config:    cfg.Matching,
		Log:       log,
	})
	rideEvents.Add(dispatcher)

	locationSvc := location.NewService(
		location.NewStore(dbPool, redisClient),
		rideSvc,
		uow,
		location.Publishers{location.NewBrokerPublisher(broker), hub},
		log,
	)

	router := httptransport.NewRouter(httptransport.RouterDeps{
		Verifier: verifier,
		Rides:    rideSvc,
		Dispatch: dispatcher,
		Location: locationSvc,
		Pricing:  pricingSvc,
		Matcher:  matchingSvc,
		Live:     hub,
		Tokens:   tokens,
		Log:      log,
	})
	server := httptransport.NewServer(cfg.HTTP.Addr, router, log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Run(gctx) })
	// Status changes and forwarded declines from other instances reach the local session for that ride.
	g.Go(func() error {
		return broker.Consume(gctx, "", ride.DispatchBindings, func(_ context.Context, d amqp.Delivery) error {
			ev, err := ride.DecodeEvent(d.Body)
			if err != nil {
				return err
			}
			dispatcher.HandleEvent(ev)
			return nil
		})
	})

	if err := g.Wait(); err != nil {
		log.WithError(err).Error("shutting down")
	}
	dispatcher.Shutdown()
	offers.Wait()
	hub.Close()
	log.Info("stopped")
}
