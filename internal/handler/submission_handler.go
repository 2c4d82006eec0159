package handler

import (
	"io"
	"mime/multipart"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-grader/internal/dto"
	"github.com/noah-isme/gema-grader/internal/models"
	"github.com/noah-isme/gema-grader/internal/service"
	"github.com/noah-isme/gema-grader/internal/utils"
	"github.com/noah-isme/gema-grader/pkg/grading"
)

const defaultLatestLimit = 10

// SubmissionHandler exposes submit, status, kill and replay endpoints.
type SubmissionHandler struct {
	dispatcher service.SubmissionDispatcher
	queries    service.SubmissionQueryService
	validator  *validator.Validate
	logger     zerolog.Logger
}

// NewSubmissionHandler builds a submission handler instance.
func NewSubmissionHandler(dispatcher service.SubmissionDispatcher, queries service.SubmissionQueryService, validator *validator.Validate, logger zerolog.Logger) *SubmissionHandler {
	return &SubmissionHandler{
		dispatcher: dispatcher,
		queries:    queries,
		validator:  validator,
		logger:     logger.With().Str("component", "submission_handler").Logger(),
	}
}

// RegisterTaskRoutes attaches the per-task routes under /courses/:course/tasks/:task.
func (h *SubmissionHandler) RegisterTaskRoutes(router fiber.Router, submitGuards ...fiber.Handler) {
	handlers := append(append([]fiber.Handler{}, submitGuards...), h.submit)
	router.Post("/submissions", handlers...)
	router.Get("/submissions", h.listForTask)
}

// Register attaches the per-submission routes. staffGuard protects replay.
func (h *SubmissionHandler) Register(router fiber.Router, staffGuard fiber.Handler) {
	router.Get("/latest", h.latest)
	router.Get("/:id", h.get)
	router.Get("/:id/input", h.input)
	router.Post("/:id/kill", h.kill)
	router.Post("/:id/replay", staffGuard, h.replay)
}

func (h *SubmissionHandler) submit(c *fiber.Ctx) error {
	requester, ok := requesterFromContext(c)
	if !ok {
		return utils.SendError(c, fiber.StatusUnauthorized, "authentication required")
	}

	payload, err := h.parseSubmitRequest(c)
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}
	if err := h.validator.Struct(payload); err != nil {
		return sendServiceError(c, h.logger, err)
	}

	result, err := h.dispatcher.Submit(c.UserContext(), service.SubmitRequest{
		CourseID:  c.Params("course"),
		TaskID:    c.Params("task"),
		Requester: requester,
		Input:     models.InputData(payload.Input),
		Debug:     grading.DebugMode(payload.Debug),
	})
	if err != nil {
		return sendServiceError(c, h.logger, err)
	}

	removed := result.Removed
	if removed == nil {
		removed = []string{}
	}
	return utils.Accepted(c, "submission queued", dto.SubmitResponse{
		SubmissionID: result.SubmissionID,
		Removed:      removed,
	})
}

// parseSubmitRequest accepts JSON or a multipart form whose files become file answers.
func (h *SubmissionHandler) parseSubmitRequest(c *fiber.Ctx) (dto.SubmitRequest, error) {
	if !strings.HasPrefix(c.Get(fiber.HeaderContentType), fiber.MIMEMultipartForm) {
		var payload dto.SubmitRequest
		if err := c.BodyParser(&payload); err != nil {
			return dto.SubmitRequest{}, fiber.NewError(fiber.StatusBadRequest, "invalid request body")
		}
		return payload, nil
	}

	form, err := c.MultipartForm()
	if err != nil {
		return dto.SubmitRequest{}, fiber.NewError(fiber.StatusBadRequest, "invalid multipart form")
	}

	payload := dto.SubmitRequest{Input: map[string]interface{}{}}
	for key, values := range form.Value {
		if key == "debug" {
			if len(values) > 0 {
				payload.Debug = values[0]
			}
			continue
		}
		if len(values) == 1 {
			payload.Input[key] = values[0]
		} else {
			answers := make([]interface{}, 0, len(values))
			for _, value := range values {
				answers = append(answers, value)
			}
			payload.Input[key] = answers
		}
	}
	for key, files := range form.File {
		if len(files) == 0 {
			continue
		}
		content, err := readFormFile(files[0])
		if err != nil {
			return dto.SubmitRequest{}, fiber.NewError(fiber.StatusBadRequest, "unable to read uploaded file")
		}
		payload.Input[key] = models.NewFileAnswer(files[0].Filename, content)
	}
	return payload, nil
}

func readFormFile(header *multipart.FileHeader) ([]byte, error) {
	file, err := header.Open()
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return io.ReadAll(file)
}

func (h *SubmissionHandler) listForTask(c *fiber.Ctx) error {
	requester, ok := requesterFromContext(c)
	if !ok {
		return utils.SendError(c, fiber.StatusUnauthorized, "authentication required")
	}

	username := requester.Username
	if requester.Staff && c.Query("username") != "" {
		username = c.Query("username")
	}

	submissions, err := h.queries.ListForTask(c.UserContext(), username, c.Params("course"), c.Params("task"))
	if err != nil {
		return sendServiceError(c, h.logger, err)
	}
	return utils.SendSuccess(c, "submissions retrieved", dto.NewSubmissionResponses(submissions))
}

func (h *SubmissionHandler) latest(c *fiber.Ctx) error {
	requester, ok := requesterFromContext(c)
	if !ok {
		return utils.SendError(c, fiber.StatusUnauthorized, "authentication required")
	}

	limit, err := parseQueryInt(c, "limit")
	if err != nil || limit < 0 {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid limit")
	}
	if limit == 0 {
		limit = defaultLatestLimit
	}

	submissions, err := h.queries.LatestPerTask(c.UserContext(), requester.Username, limit)
	if err != nil {
		return sendServiceError(c, h.logger, err)
	}
	return utils.OK(c, dto.NewSubmissionResponses(submissions), "latest submissions retrieved", fiber.Map{"limit": limit})
}

func (h *SubmissionHandler) get(c *fiber.Ctx) error {
	requester, ok := requesterFromContext(c)
	if !ok {
		return utils.SendError(c, fiber.StatusUnauthorized, "authentication required")
	}

	submission, err := h.queries.Get(c.UserContext(), c.Params("id"), requester)
	if err != nil {
		return sendServiceError(c, h.logger, err)
	}

	feedback := h.queries.Feedback(submission, requester.Staff)
	return utils.SendSuccess(c, "submission retrieved", dto.NewSubmissionResponse(submission, &feedback))
}

func (h *SubmissionHandler) input(c *fiber.Ctx) error {
	requester, ok := requesterFromContext(c)
	if !ok {
		return utils.SendError(c, fiber.StatusUnauthorized, "authentication required")
	}

	submission, err := h.queries.Get(c.UserContext(), c.Params("id"), requester)
	if err != nil {
		return sendServiceError(c, h.logger, err)
	}
	input, err := h.queries.Input(c.UserContext(), submission)
	if err != nil {
		return sendServiceError(c, h.logger, err)
	}
	return utils.SendSuccess(c, "submission input retrieved", input)
}

func (h *SubmissionHandler) kill(c *fiber.Ctx) error {
	requester, ok := requesterFromContext(c)
	if !ok {
		return utils.SendError(c, fiber.StatusUnauthorized, "authentication required")
	}

	requested, err := h.dispatcher.Kill(c.UserContext(), c.Params("id"), requester)
	if err != nil {
		return sendServiceError(c, h.logger, err)
	}
	return utils.SendSuccess(c, "kill processed", fiber.Map{"kill_requested": requested})
}

func (h *SubmissionHandler) replay(c *fiber.Ctx) error {
	requester, ok := requesterFromContext(c)
	if !ok {
		return utils.SendError(c, fiber.StatusUnauthorized, "authentication required")
	}

	var payload dto.ReplayRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}
	if err := h.validator.Struct(payload); err != nil {
		return sendServiceError(c, h.logger, err)
	}

	id, err := h.dispatcher.Replay(c.UserContext(), service.ReplayRequest{
		SubmissionID: c.Params("id"),
		Mode:         service.ReplayMode(payload.Mode),
		Requester:    requester,
		Debug:        grading.DebugMode(payload.Debug),
	})
	if err != nil {
		return sendServiceError(c, h.logger, err)
	}
	return utils.Accepted(c, "replay queued", fiber.Map{"submission_id": id})
}
