package main

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/cloudphone/txcore/internal/app"
	"github.com/cloudphone/txcore/internal/consumers"
	"github.com/cloudphone/txcore/pkg/config"
	"github.com/cloudphone/txcore/pkg/enums"
	"github.com/cloudphone/txcore/pkg/logger"
	"github.com/cloudphone/txcore/pkg/outbox/idempotency"
)

// Worker roles. "replies" feeds the orchestrator; the rest run a
// participant service.
const (
	roleReplies = "replies"
	roleBilling = "billing"
	roleDevices = "devices"
	roleUsers   = "users"
)

var participantRoles = map[string]enums.Service{
	roleBilling: enums.ServiceBilling,
	roleDevices: enums.ServiceDevices,
	roleUsers:   enums.ServiceUsers,
}

// SourceFactory opens the message source a role consumes from.
type SourceFactory func(role string) (consumers.Source, error)

type pinger interface {
	Ping(ctx context.Context) error
}

type runner interface {
	Run(ctx context.Context) error
}

type ServiceParams struct {
	Config     *config.Config
	Logger     *logger.Logger
	Components *app.Components
	Guard      *idempotency.Manager
	Sources    SourceFactory
	// Dependencies are pinged before any consumer starts.
	Dependencies map[string]pinger
}

type Service struct {
	logg      *logger.Logger
	deps      map[string]pinger
	consumers map[string]runner
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Config == nil {
		return nil, errors.New("config is required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if params.Components == nil {
		return nil, errors.New("service components are required")
	}
	if params.Sources == nil {
		return nil, errors.New("source factory is required")
	}

	svc := &Service{
		logg:      params.Logger,
		deps:      params.Dependencies,
		consumers: make(map[string]runner),
	}
	for _, role := range params.Config.Worker.Roles {
		if _, dup := svc.consumers[role]; dup {
			continue
		}
		consumer, err := svc.buildConsumer(role, params)
		if err != nil {
			return nil, fmt.Errorf("%s consumer: %w", role, err)
		}
		svc.consumers[role] = consumer
	}
	if len(svc.consumers) == 0 {
		return nil, errors.New("no worker roles configured")
	}
	return svc, nil
}

func (s *Service) buildConsumer(role string, params ServiceParams) (runner, error) {
	if role == roleReplies {
		if params.Guard == nil {
			return nil, errors.New("idempotency manager is required")
		}
		source, err := params.Sources(role)
		if err != nil {
			return nil, err
		}
		return consumers.NewReplyConsumer(source, params.Components.Orchestrator, params.Guard, s.logg)
	}

	service, ok := participantRoles[role]
	if !ok {
		return nil, fmt.Errorf("unknown worker role %q", role)
	}
	dispatcher, err := params.Components.Dispatcher(service)
	if err != nil {
		return nil, err
	}
	source, err := params.Sources(role)
	if err != nil {
		return nil, err
	}
	return consumers.NewCommandConsumer(source, dispatcher, s.logg)
}

// Roles lists the consumers this worker runs.
func (s *Service) Roles() []string {
	out := make([]string, 0, len(s.consumers))
	for role := range s.consumers {
		out = append(out, role)
	}
	return out
}

func (s *Service) ensureReadiness(ctx context.Context) error {
	for name, dep := range s.deps {
		if dep == nil {
			continue
		}
		if err := pingDependency(ctx, s.logg, name, dep.Ping); err != nil {
			return err
		}
	}
	s.logg.Info(ctx, "all worker dependencies are ready")
	return nil
}

func pingDependency(ctx context.Context, logg *logger.Logger, name string, fn func(context.Context) error) error {
	if err := fn(ctx); err != nil {
		logg.Error(ctx, fmt.Sprintf("%s ping failed", name), err)
		return fmt.Errorf("%s ping failed: %w", name, err)
	}
	return nil
}

// Run starts every consumer and returns when ctx is canceled or one of them
// stops with an error.
func (s *Service) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := s.ensureReadiness(ctx); err != nil {
		return err
	}

	group, groupCtx := errgroup.WithContext(ctx)
	for role, consumer := range s.consumers {
		role, consumer := role, consumer
		group.Go(func() error {
			roleCtx := s.logg.WithField(groupCtx, "role", role)
			s.logg.Info(roleCtx, "consumer started")
			err := consumer.Run(groupCtx)
			if err != nil && !errors.Is(err, context.Canceled) {
				s.logg.Error(roleCtx, "consumer stopped unexpectedly", err)
				return fmt.Errorf("%s consumer: %w", role, err)
			}
			return err
		})
	}
	return group.Wait()
}
