package utils_test

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-grader/internal/utils"
)

type envelope struct {
	Success bool                   `json:"success"`
	Message string                 `json:"message"`
	Data    map[string]interface{} `json:"data"`
	Meta    map[string]interface{} `json:"meta"`
	Details map[string]string      `json:"details"`
}

func TestOKIncludesMetaAndDefaults(t *testing.T) {
	app := fiber.New()
	app.Get("/", func(c *fiber.Ctx) error {
		return utils.OK(c, map[string]string{"submission_id": "s-1"}, "", map[string]int{"limit": 10})
	})

	resp, payload := call(t, app)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	require.True(t, payload.Success)
	require.Equal(t, "success", payload.Message)
	require.Equal(t, "s-1", payload.Data["submission_id"])
	require.Equal(t, float64(10), payload.Meta["limit"])
}

func TestAcceptedAndUnavailableStatuses(t *testing.T) {
	app := fiber.New()
	app.Get("/accepted", func(c *fiber.Ctx) error {
		return utils.Accepted(c, "submission queued", map[string]string{"submission_id": "s-2"})
	})
	app.Get("/unavailable", func(c *fiber.Ctx) error {
		return utils.Unavailable(c, "service degraded", map[string]string{"status": "degraded"})
	})

	resp, payload := call(t, app, "/accepted")
	require.Equal(t, fiber.StatusAccepted, resp.StatusCode)
	require.True(t, payload.Success)
	require.Equal(t, "s-2", payload.Data["submission_id"])

	resp, payload = call(t, app, "/unavailable")
	require.Equal(t, fiber.StatusServiceUnavailable, resp.StatusCode)
	require.False(t, payload.Success)
	require.Equal(t, "degraded", payload.Data["status"])
}

func TestValidationFailedListsFields(t *testing.T) {
	type exportRequest struct {
		Status string `validate:"omitempty,oneof=done error"`
		Limit  int    `validate:"gte=0,lte=1000"`
	}
	err := validator.New().Struct(exportRequest{Status: "finished", Limit: 5000})
	require.Error(t, err)

	app := fiber.New()
	app.Get("/", func(c *fiber.Ctx) error {
		return utils.ValidationFailed(c, err)
	})

	resp, payload := call(t, app)
	require.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	require.False(t, payload.Success)
	require.Equal(t, "validation failed", payload.Message)
	require.Equal(t, map[string]string{"status": "oneof=done error", "limit": "lte=1000"}, payload.Details)
	require.Nil(t, payload.Data)
}

func TestFieldErrorsFallsBackForPlainErrors(t *testing.T) {
	require.Equal(t, map[string]string{"error": "limit must be positive"}, utils.FieldErrors(errors.New("limit must be positive")))
}

func call(t *testing.T, app *fiber.App, path ...string) (*http.Response, envelope) {
	t.Helper()
	target := "/"
	if len(path) > 0 {
		target = path[0]
	}
	resp, err := app.Test(httptest.NewRequest(http.MethodGet, target, nil), -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	var payload envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	return resp, payload
}
