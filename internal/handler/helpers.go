package handler

import (
	"errors"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-grader/internal/middleware"
	"github.com/noah-isme/gema-grader/internal/service"
	"github.com/noah-isme/gema-grader/internal/utils"
)

func splitAndTrim(input string) []string {
	parts := strings.Split(input, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func parseQueryInt(c *fiber.Ctx, key string) (int, error) {
	value := strings.TrimSpace(c.Query(key))
	if value == "" {
		return 0, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, err
	}
	return parsed, nil
}

// requesterFromContext maps the authenticated identity onto the service requester.
func requesterFromContext(c *fiber.Ctx) (service.Requester, bool) {
	identity, ok := middleware.GetIdentity(c)
	if !ok || identity.Username == "" {
		return service.Requester{}, false
	}

	requester := service.Requester{
		Username: identity.Username,
		Email:    identity.Email,
		Language: identity.Language,
		Staff:    identity.Staff(),
		IP:       c.IP(),
	}
	if identity.LTI != nil {
		requester.LTI = &service.LTISession{
			Version:           identity.LTI.Version,
			SendGrades:        identity.LTI.SendGrades,
			MessageLaunchID:   identity.LTI.MessageLaunchID,
			OutcomeServiceURL: identity.LTI.OutcomeServiceURL,
			OutcomeResultID:   identity.LTI.OutcomeResultID,
			ConsumerKey:       identity.LTI.ConsumerKey,
			Extra:             identity.LTI.Extra,
		}
	}
	return requester, true
}

func requestLogger(base zerolog.Logger, c *fiber.Ctx) *zerolog.Logger {
	logger := base
	if c != nil {
		if correlation := middleware.GetCorrelationID(c); correlation != "" {
			logger = base.With().Str("correlation_id", correlation).Logger()
		}
	}
	return &logger
}

// sendServiceError maps grading sentinels onto HTTP statuses.
func sendServiceError(c *fiber.Ctx, logger zerolog.Logger, err error) error {
	var validationErrors validator.ValidationErrors
	switch {
	case errors.Is(err, service.ErrDuplicatePending):
		return utils.SendError(c, fiber.StatusConflict, err.Error())
	case errors.Is(err, service.ErrNotSubmissionOwner):
		return utils.SendError(c, fiber.StatusForbidden, err.Error())
	case errors.Is(err, service.ErrSubmissionNotFound),
		errors.Is(err, service.ErrTaskNotFound),
		errors.Is(err, service.ErrGroupNotFound):
		return utils.SendError(c, fiber.StatusNotFound, err.Error())
	case errors.As(err, &validationErrors):
		return utils.ValidationFailed(c, validationErrors)
	default:
		requestLogger(logger, c).Error().Err(err).Msg("internal server error")
		return utils.SendError(c, fiber.StatusInternalServerError, "internal server error")
	}
}
