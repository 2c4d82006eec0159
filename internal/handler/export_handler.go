package handler

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-grader/internal/dto"
	"github.com/noah-isme/gema-grader/internal/service"
	"github.com/noah-isme/gema-grader/internal/utils"
)

// ExportErrorsHeader lists the submissions left out of an archive.
const ExportErrorsHeader = "X-Export-Errors"

// ExportHandler streams course submission archives to staff.
type ExportHandler struct {
	queries   service.SubmissionQueryService
	exporter  service.ArchiveExporter
	validator *validator.Validate
	logger    zerolog.Logger
	now       func() time.Time
}

// NewExportHandler builds an export handler.
func NewExportHandler(queries service.SubmissionQueryService, exporter service.ArchiveExporter, validator *validator.Validate, logger zerolog.Logger) *ExportHandler {
	return &ExportHandler{
		queries:   queries,
		exporter:  exporter,
		validator: validator,
		logger:    logger.With().Str("component", "export_handler").Logger(),
		now:       time.Now,
	}
}

// Register attaches the export route under /courses/:course.
func (h *ExportHandler) Register(router fiber.Router, guards ...fiber.Handler) {
	handlers := append(append([]fiber.Handler{}, guards...), h.export)
	router.Post("/exports", handlers...)
}

func (h *ExportHandler) export(c *fiber.Ctx) error {
	var payload dto.ExportRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}
	if template := c.Query("template"); template != "" && len(payload.Template) == 0 {
		payload.Template = splitAndTrim(template)
	}
	if err := h.validator.Struct(payload); err != nil {
		return sendServiceError(c, h.logger, err)
	}

	courseID := c.Params("course")
	submissions, err := h.queries.Search(c.UserContext(), service.SubmissionSearch{
		CourseID:      courseID,
		TaskID:        payload.TaskID,
		Usernames:     payload.Usernames,
		SubmissionIDs: payload.SubmissionIDs,
		Status:        payload.Status,
		Limit:         payload.Limit,
	})
	if err != nil {
		return sendServiceError(c, h.logger, err)
	}

	var buffer bytes.Buffer
	failures, err := h.exporter.Export(c.UserContext(), &buffer, submissions, payload.Template, service.ExportOptions{Simplify: payload.Simplify})
	if err != nil {
		return sendServiceError(c, h.logger, err)
	}

	if len(failures) > 0 {
		ids := make([]string, 0, len(failures))
		for _, failure := range failures {
			ids = append(ids, failure.SubmissionID)
		}
		c.Set(ExportErrorsHeader, strings.Join(ids, ","))
		requestLogger(h.logger, c).Warn().
			Str("course_id", courseID).
			Strs("submission_ids", ids).
			Msg("export skipped unreadable submissions")
	}

	filename := fmt.Sprintf("%s-%s.tgz", courseID, h.now().UTC().Format("20060102-150405"))
	c.Set(fiber.HeaderContentType, "application/gzip")
	c.Set(fiber.HeaderContentDisposition, fmt.Sprintf(`attachment; filename="%s"`, filename))
	return c.Status(fiber.StatusOK).Send(buffer.Bytes())
}
