package controllers

import (
	"context"
	"net/http"
	"time"

	"github.com/cloudphone/txcore/api/responses"
	"github.com/cloudphone/txcore/api/validators"
	"github.com/cloudphone/txcore/internal/users"
	pkgerrors "github.com/cloudphone/txcore/pkg/errors"
	"github.com/cloudphone/txcore/pkg/logger"
)

// UserService is the user history and profile API.
type UserService interface {
	History(ctx context.Context, userID string) ([]users.HistoryEntry, error)
	ReplayUser(ctx context.Context, userID string) (users.UserDTO, error)
	ReplayToVersion(ctx context.Context, userID string, version int64) (users.UserDTO, error)
	ReplayToTimestamp(ctx context.Context, userID string, at time.Time) (users.UserDTO, error)
	UpdateUser(ctx context.Context, userID string, in users.UpdateUserInput) (int64, error)
	SuspendUser(ctx context.Context, userID, reason string, expectedVersion int64) (int64, error)
	ActivateUser(ctx context.Context, userID string, expectedVersion int64) (int64, error)
}

type userHistoryResponse struct {
	UserID  string               `json:"userId"`
	Entries []users.HistoryEntry `json:"entries"`
}

type userVersionResponse struct {
	UserID  string `json:"userId"`
	Version int64  `json:"version"`
}

type suspendUserRequest struct {
	Reason          string `json:"reason" validate:"required,max=256"`
	ExpectedVersion int64  `json:"expectedVersion" validate:"min=1"`
}

type activateUserRequest struct {
	ExpectedVersion int64 `json:"expectedVersion" validate:"min=1"`
}

// UserGet returns the user now, at ?version= or as of ?at=.
func UserGet(svc UserService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "user service unavailable"))
			return
		}
		userID, err := validators.PathParam(r, "userId")
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		version, err := validators.ParseQueryVersion(r, "version")
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		at, err := validators.ParseQueryTime(r, "at")
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		var dto users.UserDTO
		switch {
		case version > 0 && at != nil:
			err = pkgerrors.New(pkgerrors.CodeValidation, "version and at are mutually exclusive")
		case version > 0:
			dto, err = svc.ReplayToVersion(ctx, userID, version)
		case at != nil:
			dto, err = svc.ReplayToTimestamp(ctx, userID, *at)
		default:
			dto, err = svc.ReplayUser(ctx, userID)
		}
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, dto)
	}
}

func UserHistory(svc UserService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "user service unavailable"))
			return
		}
		userID, err := validators.PathParam(r, "userId")
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		entries, err := svc.History(ctx, userID)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, userHistoryResponse{UserID: userID, Entries: entries})
	}
}

func UserUpdate(svc UserService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "user service unavailable"))
			return
		}
		userID, err := validators.PathParam(r, "userId")
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		var in users.UpdateUserInput
		if err := validators.DecodeJSONBody(r, &in); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		version, err := svc.UpdateUser(ctx, userID, in)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, userVersionResponse{UserID: userID, Version: version})
	}
}

func UserSuspend(svc UserService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "user service unavailable"))
			return
		}
		userID, err := validators.PathParam(r, "userId")
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		var body suspendUserRequest
		if err := validators.DecodeJSONBody(r, &body); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		version, err := svc.SuspendUser(ctx, userID, validators.SanitizeString(body.Reason, 256), body.ExpectedVersion)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, userVersionResponse{UserID: userID, Version: version})
	}
}

func UserActivate(svc UserService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "user service unavailable"))
			return
		}
		userID, err := validators.PathParam(r, "userId")
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		var body activateUserRequest
		if err := validators.DecodeJSONBody(r, &body); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		version, err := svc.ActivateUser(ctx, userID, body.ExpectedVersion)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, userVersionResponse{UserID: userID, Version: version})
	}
}
