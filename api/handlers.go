package api

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"tessera-api/domain"
)

const (
	mutationMaxBodySize  = 64 * 1024 // 64 KiB
	headerIdempotencyKey = "Idempotency-Key"
)

// Register wires up all API routes on the provided Echo instance. Every
// mutating route runs through the idempotency guard when the client sends an
// Idempotency-Key header; reads bypass the guard entirely.
func Register(e *echo.Echo, store Storage, auth Authenticator, guard *IdempotencyGuard, notifier Notifier, logger *log.Logger) {
	e.GET("/healthz", healthz())

	e.POST("/api/boards", createBoard(store, auth, guard, notifier, logger))
	e.PATCH("/api/boards/:id", updateBoard(store, auth, guard, notifier, logger))
	e.GET("/api/boards/:id", getBoard(store, auth))

	e.POST("/api/columns", createColumn(store, auth, guard, notifier, logger))
	e.PATCH("/api/columns/:id", updateColumn(store, auth, guard, notifier, logger))

	e.POST("/api/tasks", createTask(store, auth, guard, notifier, logger))
	e.PATCH("/api/tasks/:id", updateTask(store, auth, guard, notifier, logger))
	e.DELETE("/api/tasks/:id", deleteTask(store, auth, guard, notifier, logger))
	e.GET("/api/tasks", getTasks(store, auth))
	e.GET("/api/tasks/:id", getTask(store, auth))

	e.POST("/api/dependencies", createDependency(store, auth, guard, notifier, logger))
	e.DELETE("/api/dependencies/:id", deleteDependency(store, auth, guard, notifier, logger))
	e.GET("/api/dependencies", getDependencies(store, auth))
}

type errorBody struct {
	Error string `json:"error"`
}

func healthz() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	}
}

func readBody(c echo.Context) ([]byte, error) {
	defer func() { _ = c.Request().Body.Close() }()
	return io.ReadAll(io.LimitReader(c.Request().Body, mutationMaxBodySize))
}

func decodeStrict(data []byte, v any) error {
	dec := sonic.ConfigStd.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// mapError translates a business outcome into its HTTP shape. Anything that
// is not one of the three domain error kinds is an unexpected storage
// failure and surfaces as a generic 500.
func mapError(logger *log.Logger, err error) (int, any) {
	var bad domain.BadRequestError
	if errors.As(err, &bad) {
		return http.StatusBadRequest, errorBody{Error: bad.Reason}
	}
	var notFound domain.NotFoundError
	if errors.As(err, &notFound) {
		return http.StatusNotFound, errorBody{Error: notFound.Error()}
	}
	var conflict domain.ConflictError
	if errors.As(err, &conflict) {
		return http.StatusConflict, errorBody{Error: conflict.Reason}
	}
	logger.WithError(err).Error("storage failure")
	return http.StatusInternalServerError, errorBody{Error: "internal error"}
}

// runMutation threads one mutating operation through the idempotency guard:
// claim-or-replay, execute, resolve with the serialized response so a replay
// returns the stored bytes unchanged. Requests without a key execute
// unconditionally.
func runMutation(c echo.Context, guard *IdempotencyGuard, logger *log.Logger, ownerID string, body []byte, op func(ctx context.Context) (int, any)) error {
	metrics, ctx := newMutationMetrics(c.Request().Context(), logger, c.Path())

	key := strings.TrimSpace(c.Request().Header.Get(headerIdempotencyKey))
	if key == "" {
		opStart := time.Now()
		status, payload := op(ctx)
		metrics.ObserveOp(time.Since(opStart))
		blob, err := sonic.Marshal(payload)
		if err != nil {
			metrics.SetErrorStage("encode_response")
			status, blob = http.StatusInternalServerError, mustMarshal(errorBody{Error: "internal error"})
		}
		metrics.Log(status)
		return c.JSONBlob(status, blob)
	}

	hash := RequestHash(c.Request().Method, c.Request().URL.Path, body)
	guardStart := time.Now()
	decision, err := guard.BeginOrReplay(ctx, ownerID, key, hash)
	metrics.ObserveGuard(time.Since(guardStart))
	if err != nil {
		metrics.SetErrorStage("idempotency_begin")
		metrics.Log(http.StatusInternalServerError)
		logger.WithError(err).Error("idempotency claim failed")
		return c.JSON(http.StatusInternalServerError, errorBody{Error: "internal error"})
	}

	switch decision.Outcome {
	case KeyReplayed:
		metrics.SetGuardOutcome("replay")
		metrics.Log(decision.ResponseStatus)
		return c.JSONBlob(decision.ResponseStatus, decision.ResponseBody)
	case KeyInFlight:
		metrics.SetGuardOutcome("in_flight")
		metrics.Log(http.StatusConflict)
		return c.JSON(http.StatusConflict, errorBody{Error: "a request with this idempotency key is in flight"})
	case KeyMismatch:
		metrics.SetGuardOutcome("mismatch")
		metrics.Log(http.StatusBadRequest)
		return c.JSON(http.StatusBadRequest, errorBody{Error: "idempotency key reuse with different parameters"})
	}
	metrics.SetGuardOutcome("claimed")

	opStart := time.Now()
	status, payload := op(ctx)
	metrics.ObserveOp(time.Since(opStart))
	blob, merr := sonic.Marshal(payload)
	if merr != nil {
		metrics.SetErrorStage("encode_response")
		status, blob = http.StatusInternalServerError, mustMarshal(errorBody{Error: "internal error"})
	}

	if rerr := guard.Resolve(ctx, ownerID, key, status, blob); rerr != nil {
		// The record self-heals via the TTL sweep even if both completion
		// and purge failed.
		metrics.SetErrorStage("idempotency_resolve")
		logger.WithError(rerr).Error("idempotency resolve failed")
	}
	metrics.Log(status)
	return c.JSONBlob(status, blob)
}

func mustMarshal(v any) []byte {
	blob, err := sonic.Marshal(v)
	if err != nil {
		return []byte(`{"error":"internal error"}`)
	}
	return blob
}

type createBoardRequest struct {
	Name string `json:"name"`
}

type updateBoardRequest struct {
	ExpectedVersion *int64  `json:"expectedVersion,omitempty"`
	Name            *string `json:"name,omitempty"`
}

func createBoard(store Storage, auth Authenticator, guard *IdempotencyGuard, notifier Notifier, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		ownerID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		if err != nil {
			return c.JSON(http.StatusUnauthorized, errorBody{Error: err.Error()})
		}
		body, err := readBody(c)
		if err != nil {
			return c.JSON(http.StatusBadRequest, errorBody{Error: "invalid body"})
		}
		var req createBoardRequest
		if err := decodeStrict(body, &req); err != nil {
			return c.JSON(http.StatusBadRequest, errorBody{Error: "invalid body"})
		}
		if strings.TrimSpace(req.Name) == "" {
			return c.JSON(http.StatusBadRequest, errorBody{Error: "name is required"})
		}

		return runMutation(c, guard, logger, ownerID, body, func(ctx context.Context) (int, any) {
			now := time.Now().UTC()
			board := domain.Board{
				ID:        uuid.NewString(),
				Name:      req.Name,
				Version:   1,
				CreatedAt: now,
				UpdatedAt: now,
			}
			if err := store.InsertBoard(ctx, ownerID, board); err != nil {
				return mapError(logger, err)
			}
			notifier.Notify(ownerID, entityEvent(board.ID, "board", domain.BoardCreated, board))
			return http.StatusCreated, board
		})
	}
}

func updateBoard(store Storage, auth Authenticator, guard *IdempotencyGuard, notifier Notifier, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		ownerID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		if err != nil {
			return c.JSON(http.StatusUnauthorized, errorBody{Error: err.Error()})
		}
		body, err := readBody(c)
		if err != nil {
			return c.JSON(http.StatusBadRequest, errorBody{Error: "invalid body"})
		}
		var req updateBoardRequest
		if err := decodeStrict(body, &req); err != nil {
			return c.JSON(http.StatusBadRequest, errorBody{Error: "invalid body"})
		}
		expected, ok := expectedVersion(req.ExpectedVersion)
		if !ok {
			return c.JSON(http.StatusBadRequest, errorBody{Error: "invalid expectedVersion"})
		}
		id := c.Param("id")

		return runMutation(c, guard, logger, ownerID, body, func(ctx context.Context) (int, any) {
			board, err := store.UpdateBoard(ctx, ownerID, id, expected, domain.BoardPatch{Name: req.Name})
			if err != nil {
				return mapError(logger, err)
			}
			notifier.Notify(ownerID, entityEvent(board.ID, "board", domain.BoardUpdated, board))
			return http.StatusOK, board
		})
	}
}

func getBoard(store Storage, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		ownerID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		if err != nil {
			return c.JSON(http.StatusUnauthorized, errorBody{Error: err.Error()})
		}
		board, err := store.GetBoard(c.Request().Context(), ownerID, c.Param("id"))
		if err != nil {
			var notFound domain.NotFoundError
			if errors.As(err, &notFound) {
				return c.JSON(http.StatusNotFound, errorBody{Error: notFound.Error()})
			}
			c.Logger().Error(err)
			return c.JSON(http.StatusInternalServerError, errorBody{Error: "internal error"})
		}
		return c.JSON(http.StatusOK, board)
	}
}

type createColumnRequest struct {
	BoardID  string `json:"boardId"`
	Name     string `json:"name"`
	Position int    `json:"position"`
}

type updateColumnRequest struct {
	ExpectedVersion *int64  `json:"expectedVersion,omitempty"`
	Name            *string `json:"name,omitempty"`
	Position        *int    `json:"position,omitempty"`
}

func createColumn(store Storage, auth Authenticator, guard *IdempotencyGuard, notifier Notifier, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		ownerID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		if err != nil {
			return c.JSON(http.StatusUnauthorized, errorBody{Error: err.Error()})
		}
		body, err := readBody(c)
		if err != nil {
			return c.JSON(http.StatusBadRequest, errorBody{Error: "invalid body"})
		}
		var req createColumnRequest
		if err := decodeStrict(body, &req); err != nil {
			return c.JSON(http.StatusBadRequest, errorBody{Error: "invalid body"})
		}
		if req.BoardID == "" || strings.TrimSpace(req.Name) == "" {
			return c.JSON(http.StatusBadRequest, errorBody{Error: "boardId and name are required"})
		}

		return runMutation(c, guard, logger, ownerID, body, func(ctx context.Context) (int, any) {
			if _, err := store.GetBoard(ctx, ownerID, req.BoardID); err != nil {
				return mapError(logger, err)
			}
			now := time.Now().UTC()
			column := domain.Column{
				ID:        uuid.NewString(),
				BoardID:   req.BoardID,
				Name:      req.Name,
				Position:  req.Position,
				Version:   1,
				CreatedAt: now,
				UpdatedAt: now,
			}
			if err := store.InsertColumn(ctx, ownerID, column); err != nil {
				return mapError(logger, err)
			}
			notifier.Notify(ownerID, entityEvent(column.ID, "column", domain.ColumnCreated, column))
			return http.StatusCreated, column
		})
	}
}

func updateColumn(store Storage, auth Authenticator, guard *IdempotencyGuard, notifier Notifier, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		ownerID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		if err != nil {
			return c.JSON(http.StatusUnauthorized, errorBody{Error: err.Error()})
		}
		body, err := readBody(c)
		if err != nil {
			return c.JSON(http.StatusBadRequest, errorBody{Error: "invalid body"})
		}
		var req updateColumnRequest
		if err := decodeStrict(body, &req); err != nil {
			return c.JSON(http.StatusBadRequest, errorBody{Error: "invalid body"})
		}
		expected, ok := expectedVersion(req.ExpectedVersion)
		if !ok {
			return c.JSON(http.StatusBadRequest, errorBody{Error: "invalid expectedVersion"})
		}
		id := c.Param("id")

		return runMutation(c, guard, logger, ownerID, body, func(ctx context.Context) (int, any) {
			column, err := store.UpdateColumn(ctx, ownerID, id, expected, domain.ColumnPatch{Name: req.Name, Position: req.Position})
			if err != nil {
				return mapError(logger, err)
			}
			notifier.Notify(ownerID, entityEvent(column.ID, "column", domain.ColumnUpdated, column))
			return http.StatusOK, column
		})
	}
}

type createTaskRequest struct {
	ColumnID string `json:"columnId"`
	Title    string `json:"title"`
	Notes    string `json:"notes,omitempty"`
	Position int    `json:"position,omitempty"`
}

type updateTaskRequest struct {
	ExpectedVersion *int64  `json:"expectedVersion,omitempty"`
	ColumnID        *string `json:"columnId,omitempty"`
	Title           *string `json:"title,omitempty"`
	Notes           *string `json:"notes,omitempty"`
	Position        *int    `json:"position,omitempty"`
	Done            *bool   `json:"done,omitempty"`
}

func createTask(store Storage, auth Authenticator, guard *IdempotencyGuard, notifier Notifier, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		ownerID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		if err != nil {
			return c.JSON(http.StatusUnauthorized, errorBody{Error: err.Error()})
		}
		body, err := readBody(c)
		if err != nil {
			return c.JSON(http.StatusBadRequest, errorBody{Error: "invalid body"})
		}
		var req createTaskRequest
		if err := decodeStrict(body, &req); err != nil {
			return c.JSON(http.StatusBadRequest, errorBody{Error: "invalid body"})
		}
		if req.ColumnID == "" || strings.TrimSpace(req.Title) == "" {
			return c.JSON(http.StatusBadRequest, errorBody{Error: "columnId and title are required"})
		}

		return runMutation(c, guard, logger, ownerID, body, func(ctx context.Context) (int, any) {
			column, err := store.GetColumn(ctx, ownerID, req.ColumnID)
			if err != nil {
				return mapError(logger, err)
			}
			now := time.Now().UTC()
			task := domain.Task{
				ID:        uuid.NewString(),
				BoardID:   column.BoardID,
				ColumnID:  column.ID,
				Title:     req.Title,
				Notes:     req.Notes,
				Position:  req.Position,
				Version:   1,
				CreatedAt: now,
				UpdatedAt: now,
			}
			if err := store.InsertTask(ctx, ownerID, task); err != nil {
				return mapError(logger, err)
			}
			notifier.Notify(ownerID, entityEvent(task.ID, "task", domain.TaskCreated, task))
			return http.StatusCreated, task
		})
	}
}

func updateTask(store Storage, auth Authenticator, guard *IdempotencyGuard, notifier Notifier, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		ownerID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		if err != nil {
			return c.JSON(http.StatusUnauthorized, errorBody{Error: err.Error()})
		}
		body, err := readBody(c)
		if err != nil {
			return c.JSON(http.StatusBadRequest, errorBody{Error: "invalid body"})
		}
		var req updateTaskRequest
		if err := decodeStrict(body, &req); err != nil {
			return c.JSON(http.StatusBadRequest, errorBody{Error: "invalid body"})
		}
		expected, ok := expectedVersion(req.ExpectedVersion)
		if !ok {
			return c.JSON(http.StatusBadRequest, errorBody{Error: "invalid expectedVersion"})
		}
		id := c.Param("id")

		return runMutation(c, guard, logger, ownerID, body, func(ctx context.Context) (int, any) {
			task, err := store.UpdateTask(ctx, ownerID, id, expected, domain.TaskPatch{
				ColumnID: req.ColumnID,
				Title:    req.Title,
				Notes:    req.Notes,
				Position: req.Position,
				Done:     req.Done,
			})
			if err != nil {
				return mapError(logger, err)
			}
			notifier.Notify(ownerID, entityEvent(task.ID, "task", domain.TaskUpdated, task))
			return http.StatusOK, task
		})
	}
}

func deleteTask(store Storage, auth Authenticator, guard *IdempotencyGuard, notifier Notifier, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		ownerID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		if err != nil {
			return c.JSON(http.StatusUnauthorized, errorBody{Error: err.Error()})
		}
		id := c.Param("id")

		return runMutation(c, guard, logger, ownerID, nil, func(ctx context.Context) (int, any) {
			task, err := store.DeleteTask(ctx, ownerID, id)
			if err != nil {
				return mapError(logger, err)
			}
			notifier.Notify(ownerID, entityEvent(task.ID, "task", domain.TaskDeleted, task))
			return http.StatusOK, task
		})
	}
}

type tasksResponse struct {
	Tasks []domain.Task `json:"tasks"`
}

func getTasks(store Storage, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		ownerID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		if err != nil {
			return c.JSON(http.StatusUnauthorized, errorBody{Error: err.Error()})
		}
		tasks, err := store.FetchTasks(c.Request().Context(), ownerID)
		if err != nil {
			c.Logger().Error(err)
			return c.JSON(http.StatusInternalServerError, errorBody{Error: "internal error"})
		}
		return c.JSON(http.StatusOK, tasksResponse{Tasks: tasks})
	}
}

func getTask(store Storage, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		ownerID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		if err != nil {
			return c.JSON(http.StatusUnauthorized, errorBody{Error: err.Error()})
		}
		task, err := store.GetTask(c.Request().Context(), ownerID, c.Param("id"))
		if err != nil {
			var notFound domain.NotFoundError
			if errors.As(err, &notFound) {
				return c.JSON(http.StatusNotFound, errorBody{Error: notFound.Error()})
			}
			c.Logger().Error(err)
			return c.JSON(http.StatusInternalServerError, errorBody{Error: "internal error"})
		}
		return c.JSON(http.StatusOK, task)
	}
}

// expectedVersion maps the optional request field onto the storage contract:
// absent means unconditional (0), present must be a positive version.
func expectedVersion(v *int64) (int64, bool) {
	if v == nil {
		return 0, true
	}
	if *v <= 0 {
		return 0, false
	}
	return *v, true
}

func entityEvent(entityID, entityType, eventType string, payload any) domain.Event {
	data, err := sonic.Marshal(payload)
	if err != nil {
		data = nil
	}
	return domain.Event{
		EntityID:   entityID,
		EntityType: entityType,
		Type:       eventType,
		Data:       data,
	}
}
