package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

func signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func identityApp(captured *Identity) *fiber.App {
	app := fiber.New()
	app.Use(JWTProtected(testSecret))
	app.Get("/", func(c *fiber.Ctx) error {
		identity, ok := GetIdentity(c)
		if !ok {
			return c.SendStatus(fiber.StatusInternalServerError)
		}
		*captured = identity
		return c.SendStatus(fiber.StatusOK)
	})
	return app
}

func TestJWTProtectedBindsIdentity(t *testing.T) {
	var identity Identity
	app := identityApp(&identity)

	token := signToken(t, jwt.MapClaims{
		"sub":   "alice",
		"role":  "Student",
		"email": "alice@example.com",
		"lang":  "fr",
		"lti": map[string]interface{}{
			"version":             "1.1",
			"send_grades":         true,
			"outcome_service_url": "https://lms.example.com/outcomes",
			"outcome_result_id":   "result-7",
			"consumer_key":        "moodle",
			"extra":               map[string]interface{}{"context_title": "Algorithms"},
		},
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	require.Equal(t, "alice", identity.Username)
	require.Equal(t, "student", identity.Role)
	require.False(t, identity.Staff())
	require.Equal(t, "alice@example.com", identity.Email)
	require.Equal(t, "fr", identity.Language)
	require.NotNil(t, identity.LTI)
	require.True(t, identity.LTI.SendGrades)
	require.Equal(t, "moodle", identity.LTI.ConsumerKey)
	require.Equal(t, "Algorithms", identity.LTI.Extra["context_title"])
}

func TestJWTProtectedRecognisesStaff(t *testing.T) {
	var identity Identity
	app := identityApp(&identity)

	token := signToken(t, jwt.MapClaims{"username": "prof", "roles": []interface{}{"Teacher"}})
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	require.True(t, identity.Staff())
	require.Nil(t, identity.LTI)
}

func TestJWTProtectedRejectsInvalidTokens(t *testing.T) {
	var identity Identity
	app := identityApp(&identity)

	foreign, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "alice"}).SignedString([]byte("other"))
	require.NoError(t, err)

	cases := map[string]string{
		"missing header": "",
		"not bearer":     "Basic abc",
		"bad signature":  "Bearer " + foreign,
		"no subject":     "Bearer " + signToken(t, jwt.MapClaims{"role": "student"}),
	}
	for name, header := range cases {
		header := header
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if header != "" {
				req.Header.Set("Authorization", header)
			}
			resp, err := app.Test(req)
			require.NoError(t, err)
			require.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
		})
	}
}
