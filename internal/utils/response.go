package utils

import (
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
)

// APIResponse describes the common structure for API responses.
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Message string      `json:"message"`
	Meta    interface{} `json:"meta,omitempty"`
	Details interface{} `json:"details,omitempty"`
}

// SendSuccess sends a successful JSON response with a message.
func SendSuccess(c *fiber.Ctx, message string, data interface{}) error {
	return SendSuccessWithStatus(c, fiber.StatusOK, message, data)
}

// SendSuccessWithStatus sends a success payload using the provided HTTP status code.
func SendSuccessWithStatus(c *fiber.Ctx, status int, message string, data interface{}) error {
	if message == "" {
		message = "success"
	}
	if status == 0 {
		status = fiber.StatusOK
	}

	return c.Status(status).JSON(APIResponse{
		Success: true,
		Data:    data,
		Message: message,
	})
}

// Accepted acknowledges work that finishes asynchronously.
func Accepted(c *fiber.Ctx, message string, data interface{}) error {
	return SendSuccessWithStatus(c, fiber.StatusAccepted, message, data)
}

// OK sends a 200 response carrying optional pagination or summary metadata.
func OK(c *fiber.Ctx, data interface{}, message string, meta interface{}) error {
	if message == "" {
		message = "success"
	}
	return c.Status(fiber.StatusOK).JSON(APIResponse{
		Success: true,
		Data:    data,
		Message: message,
		Meta:    meta,
	})
}

// SendError sends an error JSON response with the given status code.
func SendError(c *fiber.Ctx, status int, message string) error {
	return Fail(c, status, message, nil)
}

// Fail sends an error response with optional structured details.
func Fail(c *fiber.Ctx, status int, message string, details interface{}) error {
	if message == "" {
		message = "error"
	}

	return c.Status(status).JSON(APIResponse{
		Success: false,
		Message: message,
		Details: details,
	})
}

// Unavailable reports a degraded service while still returning the probe payload.
func Unavailable(c *fiber.Ctx, message string, data interface{}) error {
	return c.Status(fiber.StatusServiceUnavailable).JSON(APIResponse{
		Success: false,
		Data:    data,
		Message: message,
	})
}

// ValidationFailed answers 400 with one entry per failing field.
func ValidationFailed(c *fiber.Ctx, err error) error {
	return Fail(c, fiber.StatusBadRequest, "validation failed", FieldErrors(err))
}

// FieldErrors maps validator failures to field -> rule. Other errors land under "error".
func FieldErrors(err error) map[string]string {
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return map[string]string{"error": err.Error()}
	}

	fields := make(map[string]string, len(validationErrors))
	for _, fieldErr := range validationErrors {
		rule := fieldErr.Tag()
		if param := fieldErr.Param(); param != "" {
			rule += "=" + param
		}
		fields[jsonFieldPath(fieldErr.Namespace())] = rule
	}
	return fields
}

// jsonFieldPath drops the root struct name: "ExportRequest.Limit" -> "limit".
func jsonFieldPath(namespace string) string {
	if _, rest, ok := strings.Cut(namespace, "."); ok {
		namespace = rest
	}
	if namespace == "" {
		return namespace
	}
	return strings.ToLower(namespace[:1]) + namespace[1:]
}
