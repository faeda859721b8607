package handler

import (
	"context"
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-grader/internal/dto"
	"github.com/noah-isme/gema-grader/internal/middleware"
	"github.com/noah-isme/gema-grader/internal/service"
	"github.com/noah-isme/gema-grader/internal/utils"
	"github.com/noah-isme/gema-grader/pkg/executor"
)

// DefaultStreamIdleTimeout closes a status stream that saw no event for this long.
const DefaultStreamIdleTimeout = 5 * time.Minute

// SubmissionHandler exposes the grader endpoints and the live status stream.
type SubmissionHandler struct {
	service    service.SubmissionService
	events     service.SubmissionEvents
	validator  *validator.Validate
	logger     zerolog.Logger
	streamIdle time.Duration
}

// NewSubmissionHandler builds a submission handler instance.
func NewSubmissionHandler(service service.SubmissionService, events service.SubmissionEvents, validator *validator.Validate, logger zerolog.Logger, streamIdle time.Duration) *SubmissionHandler {
	if streamIdle <= 0 {
		streamIdle = DefaultStreamIdleTimeout
	}
	return &SubmissionHandler{
		service:    service,
		events:     events,
		validator:  validator,
		logger:     logger.With().Str("component", "submission_handler").Logger(),
		streamIdle: streamIdle,
	}
}

// Register attaches the grader routes. executionLimiter guards the endpoints
// that reach the judge and may be nil.
func (h *SubmissionHandler) Register(router fiber.Router, executionLimiter fiber.Handler) {
	limited := func(handler fiber.Handler) []fiber.Handler {
		if executionLimiter == nil {
			return []fiber.Handler{handler}
		}
		return []fiber.Handler{executionLimiter, handler}
	}

	studentOnly := middleware.AuthOptions{Role: middleware.AuthRoleStudent}

	router.Post("/execute", limited(h.execute)...)
	router.Post("/runs", limited(middleware.WithAuth(h.run, studentOnly))...)
	router.Post("/submissions", limited(middleware.WithAuth(h.submit, studentOnly))...)
	router.Get("/submissions", h.list)
	router.Get("/submissions/:id", h.status)
	router.Get("/submissions/:id/feedback", h.feedback)
	router.Post("/submissions/:id/feedback/retry", h.retryFeedback)
	router.Get("/submissions/:id/ws", h.upgrade, websocket.New(h.stream))
}

func (h *SubmissionHandler) execute(c *fiber.Ctx) error {
	var payload dto.QuickRunRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}
	if err := h.validator.Struct(payload); err != nil {
		return h.handleError(c, err)
	}

	result, err := h.service.CreateQuickRun(requestContext(c), payload)
	if err != nil {
		return h.handleError(c, err)
	}

	return utils.SendSuccess(c, "code executed", result)
}

func (h *SubmissionHandler) run(c *fiber.Ctx) error {
	payload, studentID, err := h.submitPayload(c)
	if err != nil {
		return h.handleError(c, err)
	}

	response, err := h.service.CreateRun(requestContext(c), studentID, payload)
	if err != nil {
		return h.handleError(c, err)
	}

	return sendSubmitResponse(c, response, "run queued", "run completed")
}

func (h *SubmissionHandler) submit(c *fiber.Ctx) error {
	payload, studentID, err := h.submitPayload(c)
	if err != nil {
		return h.handleError(c, err)
	}

	response, err := h.service.CreateGradedSubmission(requestContext(c), studentID, payload, c.QueryBool("sync"))
	if err != nil {
		return h.handleError(c, err)
	}

	return sendSubmitResponse(c, response, "submission queued", "submission graded")
}

func (h *SubmissionHandler) list(c *fiber.Ctx) error {
	activityID, err := parseQueryUint(c, "activity_id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	studentID := userIDFromContext(c)
	if middleware.IsStaff(c) {
		requested, err := parseQueryUint(c, "student_id")
		if err != nil {
			return utils.SendError(c, fiber.StatusBadRequest, err.Error())
		}
		if requested != nil {
			studentID = *requested
		}
	}
	if studentID == 0 {
		return utils.SendError(c, fiber.StatusUnauthorized, "unauthorized")
	}

	submissions, err := h.service.ListSubmissions(requestContext(c), studentID, activityID)
	if err != nil {
		return h.handleError(c, err)
	}

	return utils.OK(c, submissions, "submissions retrieved", fiber.Map{"count": len(submissions)})
}

func (h *SubmissionHandler) status(c *fiber.Ctx) error {
	id, err := h.authorizedSubmission(c)
	if err != nil {
		return h.handleError(c, err)
	}

	response, err := h.service.GetSubmissionStatus(requestContext(c), id)
	if err != nil {
		return h.handleError(c, err)
	}

	return utils.SendSuccess(c, "submission status retrieved", response)
}

func (h *SubmissionHandler) feedback(c *fiber.Ctx) error {
	id, err := h.authorizedSubmission(c)
	if err != nil {
		return h.handleError(c, err)
	}

	response, err := h.service.GetFeedback(requestContext(c), id)
	if err != nil {
		return h.handleError(c, err)
	}

	return utils.SendSuccess(c, "feedback retrieved", response)
}

func (h *SubmissionHandler) retryFeedback(c *fiber.Ctx) error {
	id, err := h.authorizedSubmission(c)
	if err != nil {
		return h.handleError(c, err)
	}

	response, err := h.service.RetryFeedback(requestContext(c), id)
	if err != nil {
		return h.handleError(c, err)
	}

	return utils.SendSuccessWithStatus(c, fiber.StatusAccepted, "feedback retry requested", response)
}

func (h *SubmissionHandler) upgrade(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}

	id, err := h.authorizedSubmission(c)
	if err != nil {
		return h.handleError(c, err)
	}

	c.Locals("submission_id", id)
	c.Locals("request_ctx", requestContext(c))
	return c.Next()
}

func (h *SubmissionHandler) stream(conn *websocket.Conn) {
	defer func() { _ = conn.Close() }()

	id, _ := conn.Locals("submission_id").(uint)
	ctx, _ := conn.Locals("request_ctx").(context.Context)
	if ctx == nil {
		ctx = context.Background()
	}
	logger := h.logger.With().Uint("submission_id", id).Str("correlation_id", middleware.CorrelationIDFromContext(ctx)).Logger()

	// Subscribe before reading the snapshot so no transition is lost in between.
	updates, cancel := h.events.Subscribe(id)
	defer cancel()

	snapshot, err := h.service.Snapshot(ctx, id)
	if err != nil {
		logger.Error().Err(err).Msg("submission snapshot failed")
		closeStream(conn, websocket.CloseInternalServerErr, "snapshot unavailable")
		return
	}
	if err := conn.WriteJSON(snapshot); err != nil {
		return
	}
	if snapshot.Settled() {
		closeStream(conn, websocket.CloseNormalClosure, "submission settled")
		return
	}

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	logger.Debug().Msg("status stream opened")
	idle := time.NewTimer(h.streamIdle)
	defer idle.Stop()

	for {
		select {
		case <-closed:
			logger.Debug().Msg("status stream closed by client")
			return
		case <-idle.C:
			closeStream(conn, websocket.CloseNormalClosure, "idle timeout")
			return
		case event, ok := <-updates:
			if !ok {
				return
			}
			if err := conn.WriteJSON(event); err != nil {
				logger.Debug().Err(err).Msg("status stream write failed")
				return
			}
			if event.Settled() {
				closeStream(conn, websocket.CloseNormalClosure, "submission settled")
				return
			}
			idle.Reset(h.streamIdle)
		}
	}
}

func (h *SubmissionHandler) submitPayload(c *fiber.Ctx) (dto.SubmitRequest, uint, error) {
	var payload dto.SubmitRequest
	if err := c.BodyParser(&payload); err != nil {
		return payload, 0, fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	if err := h.validator.Struct(payload); err != nil {
		return payload, 0, err
	}

	studentID := userIDFromContext(c)
	if studentID == 0 {
		return payload, 0, fiber.NewError(fiber.StatusUnauthorized, "unauthorized")
	}
	return payload, studentID, nil
}

// authorizedSubmission resolves the :id parameter and enforces that students
// only reach their own submissions.
func (h *SubmissionHandler) authorizedSubmission(c *fiber.Ctx) (uint, error) {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return 0, fiber.NewError(fiber.StatusBadRequest, err.Error())
	}

	snapshot, err := h.service.Snapshot(requestContext(c), id)
	if err != nil {
		return 0, err
	}
	if !middleware.IsStaff(c) && snapshot.StudentID != userIDFromContext(c) {
		return 0, service.ErrSubmissionForbidden
	}
	return id, nil
}

func (h *SubmissionHandler) handleError(c *fiber.Ctx, err error) error {
	var fiberErr *fiber.Error
	var validationErrors validator.ValidationErrors
	switch {
	case errors.As(err, &fiberErr):
		return utils.SendError(c, fiberErr.Code, fiberErr.Message)
	case errors.As(err, &validationErrors):
		return utils.Fail(c, fiber.StatusBadRequest, "validation failed", validationDetails(validationErrors))
	case errors.Is(err, executor.ErrUnsupportedLanguage):
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrSubmissionNotFound):
		return utils.SendError(c, fiber.StatusNotFound, "submission not found")
	case errors.Is(err, service.ErrActivityNotFound):
		return utils.SendError(c, fiber.StatusNotFound, "activity not found")
	case errors.Is(err, service.ErrStudentNotFound):
		return utils.SendError(c, fiber.StatusNotFound, "student not found")
	case errors.Is(err, service.ErrSubmissionForbidden):
		return utils.SendError(c, fiber.StatusForbidden, "forbidden")
	case errors.Is(err, service.ErrSubmissionNotCompleted):
		return utils.SendError(c, fiber.StatusConflict, "submission grading is not complete")
	case errors.Is(err, service.ErrFeedbackNotOffered):
		return utils.SendError(c, fiber.StatusConflict, err.Error())
	default:
		requestLogger(h.logger, c).Error().Err(err).Str("path", c.Path()).Msg("internal server error")
		return utils.SendError(c, fiber.StatusInternalServerError, "internal server error")
	}
}

func sendSubmitResponse(c *fiber.Ctx, response dto.SubmitResponse, queuedMessage, completedMessage string) error {
	if response.TaskToken != nil {
		return utils.SendSuccessWithStatus(c, fiber.StatusAccepted, queuedMessage, response)
	}
	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, completedMessage, response)
}

func validationDetails(errs validator.ValidationErrors) map[string]string {
	details := make(map[string]string, len(errs))
	for _, fieldErr := range errs {
		details[fieldErr.Field()] = fieldErr.Tag()
	}
	return details
}

func closeStream(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
}
