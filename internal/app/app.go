// Package app builds the service graph shared by the txcore binaries: the
// event store and its replayers, the saga orchestrator and the participant
// services, all writing through one transactional outbox.
package app

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/cloudphone/txcore/internal/billing"
	"github.com/cloudphone/txcore/internal/devices"
	"github.com/cloudphone/txcore/internal/eventstore"
	"github.com/cloudphone/txcore/internal/participant"
	"github.com/cloudphone/txcore/internal/replay"
	"github.com/cloudphone/txcore/internal/saga"
	"github.com/cloudphone/txcore/internal/sagas"
	"github.com/cloudphone/txcore/internal/users"
	"github.com/cloudphone/txcore/pkg/config"
	"github.com/cloudphone/txcore/pkg/db"
	"github.com/cloudphone/txcore/pkg/enums"
	"github.com/cloudphone/txcore/pkg/logger"
	"github.com/cloudphone/txcore/pkg/metrics"
	"github.com/cloudphone/txcore/pkg/outbox"
	"github.com/cloudphone/txcore/pkg/outbox/idempotency"
	"github.com/cloudphone/txcore/pkg/outbox/registry"
)

// Components is everything a binary may need. Building it opens no
// connections; it only wires the database client that is passed in.
type Components struct {
	Routes       *registry.Registry
	Outbox       *outbox.Service
	OutboxRepo   *outbox.Repository
	DeadLetters  *outbox.DLQRepository
	Events       *eventstore.Store
	Snapshots    *replay.SnapshotStore
	Replay       *replay.Registry
	SagaStore    *saga.Store
	Orchestrator *saga.Orchestrator
	Users        *users.Service
	Billing      *billing.Service
	Devices      *devices.Service

	logg *logger.Logger
	db   *db.Client
}

// Build wires the graph on top of dbClient. reg receives the saga metrics;
// nil disables them.
func Build(cfg *config.Config, logg *logger.Logger, dbClient *db.Client, reg prometheus.Registerer) (*Components, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if dbClient == nil {
		return nil, errors.New("database client is required")
	}
	if logg == nil {
		logg = logger.Nop()
	}
	conn := dbClient.DB()

	routes, err := registry.NewEventRegistry(cfg.PubSub)
	if err != nil {
		return nil, fmt.Errorf("event registry: %w", err)
	}
	outboxRepo := outbox.NewRepository(conn)
	writer := outbox.NewService(outboxRepo, routes, logg)

	events, err := eventstore.NewStore(dbClient, conn, writer, logg)
	if err != nil {
		return nil, fmt.Errorf("event store: %w", err)
	}

	userSvc, err := users.NewService(users.ServiceParams{
		Tx:     dbClient,
		Repo:   users.NewRepository(conn),
		Events: events,
		Logger: logg,
	})
	if err != nil {
		return nil, fmt.Errorf("users service: %w", err)
	}
	billingSvc, err := billing.NewService(billing.ServiceParams{
		Repo:   billing.NewRepository(conn),
		Events: events,
		Logger: logg,
	})
	if err != nil {
		return nil, fmt.Errorf("billing service: %w", err)
	}
	deviceSvc, err := devices.NewService(devices.ServiceParams{Events: events, Logger: logg})
	if err != nil {
		return nil, fmt.Errorf("devices service: %w", err)
	}

	replayRegistry, err := replay.NewRegistry(userSvc.Users(), billingSvc.Orders(), deviceSvc.Devices())
	if err != nil {
		return nil, fmt.Errorf("replay registry: %w", err)
	}

	defs, err := sagas.All()
	if err != nil {
		return nil, fmt.Errorf("saga definitions: %w", err)
	}
	sagaStore := saga.NewStore(conn)
	orchestrator, err := saga.NewOrchestrator(dbClient, sagaStore, writer, routes, defs, cfg.Saga, metrics.NewSagaMetrics(reg), logg)
	if err != nil {
		return nil, fmt.Errorf("saga orchestrator: %w", err)
	}

	return &Components{
		Routes:       routes,
		Outbox:       writer,
		OutboxRepo:   outboxRepo,
		DeadLetters:  outbox.NewDLQRepository(conn, outboxRepo),
		Events:       events,
		Snapshots:    replay.NewSnapshotStore(conn),
		Replay:       replayRegistry,
		SagaStore:    sagaStore,
		Orchestrator: orchestrator,
		Users:        userSvc,
		Billing:      billingSvc,
		Devices:      deviceSvc,
		logg:         logg,
		db:           dbClient,
	}, nil
}

type registrar interface {
	Register(d *participant.Dispatcher) error
}

// Dispatcher returns the participant dispatcher of one service with its
// command handlers registered.
func (c *Components) Dispatcher(service enums.Service) (*participant.Dispatcher, error) {
	var svc registrar
	switch service {
	case enums.ServiceBilling:
		svc = c.Billing
	case enums.ServiceDevices:
		svc = c.Devices
	case enums.ServiceUsers:
		svc = c.Users
	default:
		return nil, fmt.Errorf("unknown service %q", service)
	}
	d, err := participant.NewDispatcher(service, c.db, idempotency.NewInbox(), c.Outbox, c.logg)
	if err != nil {
		return nil, err
	}
	if err := svc.Register(d); err != nil {
		return nil, fmt.Errorf("register %s commands: %w", service, err)
	}
	return d, nil
}

// SnapshotMaintainer verifies and refreshes snapshots of busy aggregates.
func (c *Components) SnapshotMaintainer(minEvents int) (*replay.Maintainer, error) {
	return replay.NewMaintainer(c.Replay, c.Events, c.Snapshots, minEvents, c.logg)
}
