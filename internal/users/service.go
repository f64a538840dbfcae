// Package users owns the user aggregate, executes the user steps of
// registration sagas and serves user history with point-in-time replay.
package users

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/cloudphone/txcore/internal/eventstore"
	"github.com/cloudphone/txcore/internal/participant"
	"github.com/cloudphone/txcore/internal/replay"
	"github.com/cloudphone/txcore/internal/saga"
	"github.com/cloudphone/txcore/internal/sagas"
	"github.com/cloudphone/txcore/pkg/db"
	"github.com/cloudphone/txcore/pkg/db/models"
	"github.com/cloudphone/txcore/pkg/enums"
	pkgerrors "github.com/cloudphone/txcore/pkg/errors"
	"github.com/cloudphone/txcore/pkg/logger"
	"github.com/cloudphone/txcore/pkg/outbox"
)

const (
	defaultDeviceQuota    = 1
	defaultStorageQuotaGB = 10

	actor = "users"
)

var userNamespace = uuid.MustParse("c4f1e2d3-6a5b-4c7d-8e9f-0a1b2c3d4e5f")

// UserIDFor derives the user created by a registration saga.
func UserIDFor(sagaID string) string {
	return "usr-" + uuid.NewSHA1(userNamespace, []byte(sagaID)).String()
}

type ServiceParams struct {
	Tx     db.TxRunner
	Repo   *Repository
	Events *eventstore.Store
	Logger *logger.Logger
}

type Service struct {
	tx       db.TxRunner
	repo     *Repository
	events   *eventstore.Store
	users    *replay.Replayer[User]
	validate *validator.Validate
	logg     *logger.Logger
	now      func() time.Time
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Tx == nil {
		return nil, errors.New("transaction runner is required")
	}
	if params.Repo == nil {
		return nil, errors.New("repo is required")
	}
	if params.Events == nil {
		return nil, errors.New("event store is required")
	}
	if params.Logger == nil {
		params.Logger = logger.Nop()
	}
	return &Service{
		tx:       params.Tx,
		repo:     params.Repo,
		events:   params.Events,
		users:    replay.NewReplayer(params.Events, UserAggregate()),
		validate: validator.New(),
		logg:     params.Logger,
		now:      outbox.Now,
	}, nil
}

// Users is the user replayer, registered for the aggregate API.
func (s *Service) Users() *replay.Replayer[User] {
	return s.users
}

// History lists every event of a user, oldest first.
func (s *Service) History(ctx context.Context, userID string) ([]HistoryEntry, error) {
	events, err := s.events.History(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 || events[0].AggregateType != enums.AggregateUser {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, fmt.Sprintf("user %s not found", userID))
	}
	return historyFromEvents(events), nil
}

func (s *Service) ReplayUser(ctx context.Context, userID string) (UserDTO, error) {
	res, err := s.users.Replay(ctx, userID, 0)
	if err != nil {
		return UserDTO{}, err
	}
	return FromResult(res), nil
}

func (s *Service) ReplayToVersion(ctx context.Context, userID string, version int64) (UserDTO, error) {
	res, err := s.users.ReplayToVersion(ctx, userID, version)
	if err != nil {
		return UserDTO{}, err
	}
	return FromResult(res), nil
}

func (s *Service) ReplayToTimestamp(ctx context.Context, userID string, at time.Time) (UserDTO, error) {
	res, err := s.users.ReplayToTimestamp(ctx, userID, at)
	if err != nil {
		return UserDTO{}, err
	}
	return FromResult(res), nil
}

// UpdateUser changes the username or email of an active user.
func (s *Service) UpdateUser(ctx context.Context, userID string, in UpdateUserInput) (int64, error) {
	if err := s.validate.Struct(in); err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid user update")
	}
	if in.Username == "" && in.Email == "" {
		return 0, pkgerrors.New(pkgerrors.CodeValidation, "nothing to update")
	}
	return s.mutate(ctx, userID, in.ExpectedVersion, func(tx *gorm.DB, state User) (enums.EventType, any, error) {
		if state.Status != StatusActive {
			return "", nil, pkgerrors.New(pkgerrors.CodeStateConflict, fmt.Sprintf("user %s is %s", userID, state.Status))
		}
		username, email := state.Username, state.Email
		if in.Username != "" {
			username = in.Username
		}
		if in.Email != "" {
			email = in.Email
		}
		taken, err := s.repo.WithTx(tx).FindConflicting(ctx, username, email, userID)
		if err != nil {
			return "", nil, err
		}
		if taken != nil {
			return "", nil, pkgerrors.New(pkgerrors.CodeConflict, "username or email already registered")
		}
		return enums.EventUserUpdated, UserUpdated{Username: in.Username, Email: in.Email}, nil
	})
}

func (s *Service) SuspendUser(ctx context.Context, userID, reason string, expectedVersion int64) (int64, error) {
	if reason == "" {
		return 0, pkgerrors.New(pkgerrors.CodeValidation, "suspension reason is required")
	}
	return s.mutate(ctx, userID, expectedVersion, func(_ *gorm.DB, state User) (enums.EventType, any, error) {
		if state.Status != StatusActive {
			return "", nil, pkgerrors.New(pkgerrors.CodeStateConflict, fmt.Sprintf("user %s is %s and cannot be suspended", userID, state.Status))
		}
		return enums.EventUserSuspended, UserSuspended{Reason: reason}, nil
	})
}

func (s *Service) ActivateUser(ctx context.Context, userID string, expectedVersion int64) (int64, error) {
	return s.mutate(ctx, userID, expectedVersion, func(_ *gorm.DB, state User) (enums.EventType, any, error) {
		if state.Status != StatusSuspended {
			return "", nil, pkgerrors.New(pkgerrors.CodeStateConflict, fmt.Sprintf("user %s is %s and cannot be activated", userID, state.Status))
		}
		return enums.EventUserActivated, UserActivated{}, nil
	})
}

// mutate appends the event decide returns after expectedVersion and refreshes
// the lookup projection, all in one transaction.
func (s *Service) mutate(
	ctx context.Context,
	userID string,
	expectedVersion int64,
	decide func(tx *gorm.DB, state User) (enums.EventType, any, error),
) (int64, error) {
	var version int64
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		users := s.users.WithSource(s.events.WithTx(tx))
		current, err := users.Replay(ctx, userID, 0)
		if err != nil {
			return err
		}
		if current.Version != expectedVersion {
			return eventstore.ConflictError(userID, expectedVersion, current.Version)
		}
		eventType, payload, err := decide(tx, current.State)
		if err != nil {
			return err
		}
		version, err = s.append(ctx, tx, userID, expectedVersion, eventType, payload, "", "")
		if err != nil {
			return err
		}
		next, err := users.ReplayFrom(ctx, current)
		if err != nil {
			return err
		}
		return s.repo.WithTx(tx).Apply(ctx, userID, next.Version, next.State)
	})
	return version, err
}

// Register wires the user commands into d.
func (s *Service) Register(d *participant.Dispatcher) error {
	handlers := map[string]participant.Handler{
		sagas.CmdCreateUser:      s.createUser,
		sagas.CmdDeleteUser:      s.deleteUser,
		sagas.CmdInitializeQuota: s.initializeQuota,
	}
	for name, h := range handlers {
		if err := d.Handle(name, h); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) createUser(ctx context.Context, tx *gorm.DB, cmd saga.Command) (map[string]json.RawMessage, error) {
	var rc sagas.RegistrationContext
	if err := participant.Bind(cmd, &rc); err != nil {
		return nil, err
	}
	userID := UserIDFor(cmd.SagaID)
	existing, err := s.loadUser(ctx, tx, userID)
	if err != nil {
		return nil, err
	}
	if existing.Version > 0 {
		if existing.State.Status == StatusDeleted {
			return nil, participant.Rejectf("user %s was already deleted", userID)
		}
		return participant.Output(map[string]any{"userId": userID})
	}

	repo := s.repo.WithTx(tx)
	taken, err := repo.FindConflicting(ctx, rc.Username, rc.Email, "")
	if err != nil {
		return nil, err
	}
	if taken != nil {
		return nil, participant.Reject("username or email already registered")
	}

	if _, err := s.append(ctx, tx, userID, 0, enums.EventUserCreated, UserCreated{
		UserID:   userID,
		Username: rc.Username,
		Email:    rc.Email,
		SagaID:   cmd.SagaID,
	}, cmd.IdempotencyKey, cmd.SagaID); err != nil {
		return nil, err
	}
	err = repo.Create(ctx, &models.UserAccount{
		ID:       userID,
		Username: rc.Username,
		Email:    rc.Email,
		Status:   string(StatusActive),
		Version:  1,
		SagaID:   cmd.SagaID,
	})
	if db.IsUniqueViolation(err, "", "user_accounts.") {
		return nil, participant.Reject("username or email already registered")
	}
	if err != nil {
		return nil, err
	}
	return participant.Output(map[string]any{"userId": userID})
}

func (s *Service) deleteUser(ctx context.Context, tx *gorm.DB, cmd saga.Command) (map[string]json.RawMessage, error) {
	var rc sagas.RegistrationContext
	if err := participant.Bind(cmd, &rc); err != nil {
		return nil, err
	}
	// A CREATE_USER that timed out never merged userId; the id is derived.
	userID := rc.UserID
	if userID == "" {
		userID = UserIDFor(cmd.SagaID)
	}
	user, err := s.loadUser(ctx, tx, userID)
	if err != nil {
		return nil, err
	}
	if user.Version == 0 || user.State.Status == StatusDeleted {
		return nil, nil
	}
	if _, err := s.append(ctx, tx, userID, user.Version, enums.EventUserDeleted, UserDeleted{
		Reason: "saga " + cmd.SagaID + " compensated",
	}, cmd.IdempotencyKey, cmd.SagaID); err != nil {
		return nil, err
	}
	return nil, s.repo.WithTx(tx).Delete(ctx, userID)
}

func (s *Service) initializeQuota(ctx context.Context, tx *gorm.DB, cmd saga.Command) (map[string]json.RawMessage, error) {
	var rc sagas.RegistrationContext
	if err := participant.Bind(cmd, &rc); err != nil {
		return nil, err
	}
	if rc.UserID == "" {
		return nil, participant.Reject("saga context has no userId")
	}
	user, err := s.loadUser(ctx, tx, rc.UserID)
	if err != nil {
		return nil, err
	}
	switch {
	case user.Version == 0:
		return nil, participant.Rejectf("user %s not found", rc.UserID)
	case user.State.QuotaReady:
		return participant.Output(map[string]any{"userId": rc.UserID})
	case user.State.Status != StatusActive:
		return nil, participant.Rejectf("user %s is %s", rc.UserID, user.State.Status)
	}

	quota := QuotaInitialized{DeviceQuota: rc.DeviceQuota, StorageQuotaGB: rc.StorageQuota}
	if quota.DeviceQuota == 0 {
		quota.DeviceQuota = defaultDeviceQuota
	}
	if quota.StorageQuotaGB == 0 {
		quota.StorageQuotaGB = defaultStorageQuotaGB
	}
	if _, err := s.append(ctx, tx, rc.UserID, user.Version, enums.EventQuotaInitialized, quota, cmd.IdempotencyKey, cmd.SagaID); err != nil {
		return nil, err
	}
	next, err := s.users.WithSource(s.events.WithTx(tx)).ReplayFrom(ctx, user)
	if err != nil {
		return nil, err
	}
	if err := s.repo.WithTx(tx).Apply(ctx, rc.UserID, next.Version, next.State); err != nil {
		return nil, err
	}
	return participant.Output(map[string]any{"userId": rc.UserID})
}

func (s *Service) loadUser(ctx context.Context, tx *gorm.DB, userID string) (replay.Result[User], error) {
	res, err := s.users.WithSource(s.events.WithTx(tx)).Replay(ctx, userID, 0)
	if pkgerrors.IsCode(err, pkgerrors.CodeNotFound) {
		return replay.Result[User]{AggregateID: userID}, nil
	}
	return res, err
}

func (s *Service) append(ctx context.Context, tx *gorm.DB, userID string, expected int64, eventType enums.EventType, payload any, causationID, correlationID string) (int64, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, err
	}
	return s.events.AppendTx(ctx, tx, eventstore.AppendRequest{
		AggregateID:     userID,
		AggregateType:   enums.AggregateUser,
		ExpectedVersion: expected,
		Events: []eventstore.NewEvent{{
			EventType:     string(eventType),
			SchemaVersion: 1,
			Payload:       body,
			OccurredAt:    s.now(),
			CausationID:   causationID,
			CorrelationID: correlationID,
			Actor:         actor,
		}},
	})
}
