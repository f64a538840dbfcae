package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cloudphone/txcore/api/controllers"
	"github.com/cloudphone/txcore/api/middleware"
	"github.com/cloudphone/txcore/pkg/config"
	"github.com/cloudphone/txcore/pkg/logger"
	"github.com/cloudphone/txcore/pkg/metrics"
	pkgredis "github.com/cloudphone/txcore/pkg/redis"
)

// Params carries everything the router mounts. Nil services answer 500 on
// their routes; nil pingers are reported as disabled.
type Params struct {
	Config      *config.Config
	Logger      *logger.Logger
	Gatherer    prometheus.Gatherer
	HTTPMetrics *metrics.HTTPMetrics
	Idempotency pkgredis.IdempotencyStore
	Ready       map[string]controllers.Pinger

	Events   controllers.EventStore
	Replayer controllers.AggregateReplayer
	Sagas    controllers.SagaService
	Users    controllers.UserService
	Plans    controllers.PlanService
	// DeadLetters backs the operator endpoints under /outbox.
	DeadLetters controllers.DeadLetterService
}

func NewRouter(p Params) http.Handler {
	cfg, logg := p.Config, p.Logger
	if logg == nil {
		logg = logger.Nop()
	}
	gatherer := p.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg, p.HTTPMetrics),
		middleware.RequestID(logg),
		middleware.Trace(),
		middleware.Logging(logg, p.HTTPMetrics),
		middleware.CORS(cfg.App.CORSOrigins),
	)

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, p.Ready))
	})
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Actor())
		r.Use(middleware.Idempotency(p.Idempotency, logg))

		r.Route("/aggregates/{aggregateType}/{aggregateId}", func(r chi.Router) {
			r.Get("/", controllers.AggregateGet(p.Replayer, logg))
			r.Get("/history", controllers.AggregateHistory(p.Events, logg))
			r.Post("/events", controllers.AggregateAppend(p.Events, logg))
		})

		r.Route("/events", func(r chi.Router) {
			r.Get("/stats", controllers.EventStats(p.Events, logg))
			r.Get("/recent", controllers.EventRecent(p.Events, logg))
		})

		r.Route("/sagas", func(r chi.Router) {
			r.Get("/", controllers.SagaList(p.Sagas, logg))
			r.Post("/{sagaType}", controllers.SagaStart(p.Sagas, logg))
			r.Get("/{sagaId}", controllers.SagaGet(p.Sagas, logg))
		})

		r.Route("/users/{userId}", func(r chi.Router) {
			r.Get("/", controllers.UserGet(p.Users, logg))
			r.Patch("/", controllers.UserUpdate(p.Users, logg))
			r.Get("/history", controllers.UserHistory(p.Users, logg))
			r.Post("/suspend", controllers.UserSuspend(p.Users, logg))
			r.Post("/activate", controllers.UserActivate(p.Users, logg))
		})

		r.Route("/plans", func(r chi.Router) {
			r.Get("/", controllers.PlanList(p.Plans, logg))
			r.Post("/", controllers.PlanCreate(p.Plans, logg))
		})

		r.Route("/outbox/dead-letters", func(r chi.Router) {
			r.Get("/", controllers.DeadLetterList(p.DeadLetters, logg))
			r.Post("/{deadLetterId}/requeue", controllers.DeadLetterRequeue(p.DeadLetters, logg))
		})
	})

	return r
}
