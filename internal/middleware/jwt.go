package middleware

import (
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"

	"github.com/noah-isme/gema-grader/internal/utils"
)

const identityLocalKey = "identity"

// Staff roles may see every submission, replay and export.
var staffRoles = map[string]struct{}{
	"admin":   {},
	"teacher": {},
	"tutor":   {},
}

// LTIClaims is the learning-platform launch carried by the token.
type LTIClaims struct {
	Version           string            `json:"version"`
	SendGrades        bool              `json:"send_grades"`
	MessageLaunchID   string            `json:"launch_id"`
	OutcomeServiceURL string            `json:"outcome_service_url"`
	OutcomeResultID   string            `json:"outcome_result_id"`
	ConsumerKey       string            `json:"consumer_key"`
	Extra             map[string]string `json:"extra"`
}

// Identity is the authenticated caller.
type Identity struct {
	Username string
	Role     string
	Email    string
	Language string
	LTI      *LTIClaims
}

// Staff reports whether the caller holds a course staff role.
func (i Identity) Staff() bool {
	_, ok := staffRoles[i.Role]
	return ok
}

// JWTProtected returns a middleware that validates JWT bearer tokens.
func JWTProtected(secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		authorization := c.Get("Authorization")
		if authorization == "" {
			return utils.SendError(c, fiber.StatusUnauthorized, "authorization header missing")
		}

		const bearer = "Bearer "
		if !strings.HasPrefix(strings.ToLower(authorization), strings.ToLower(bearer)) {
			return utils.SendError(c, fiber.StatusUnauthorized, "invalid authorization header")
		}

		tokenString := strings.TrimSpace(authorization[len(bearer):])
		if tokenString == "" {
			return utils.SendError(c, fiber.StatusUnauthorized, "invalid token")
		}

		token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method")
			}
			return []byte(secret), nil
		})
		if err != nil || !token.Valid {
			return utils.SendError(c, fiber.StatusUnauthorized, "invalid token")
		}

		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			return utils.SendError(c, fiber.StatusUnauthorized, "invalid token claims")
		}

		identity := identityFromClaims(claims)
		if identity.Username == "" {
			return utils.SendError(c, fiber.StatusUnauthorized, "token has no subject")
		}

		c.Locals(identityLocalKey, identity)
		c.Locals("user_id", identity.Username)
		if identity.Role != "" {
			c.Locals("user_role", identity.Role)
		}

		return c.Next()
	}
}

// GetIdentity returns the caller bound by JWTProtected.
func GetIdentity(c *fiber.Ctx) (Identity, bool) {
	identity, ok := c.Locals(identityLocalKey).(Identity)
	return identity, ok
}

func identityFromClaims(claims jwt.MapClaims) Identity {
	identity := Identity{
		Username: firstStringClaim(claims, "username", "sub"),
		Role:     extractUserRoleFromClaims(claims),
		Email:    firstStringClaim(claims, "email"),
		Language: firstStringClaim(claims, "lang", "locale"),
	}
	if raw, ok := claims["lti"].(map[string]interface{}); ok {
		identity.LTI = ltiFromClaim(raw)
	}
	return identity
}

func firstStringClaim(claims jwt.MapClaims, keys ...string) string {
	for _, key := range keys {
		if value, ok := claims[key].(string); ok {
			if trimmed := strings.TrimSpace(value); trimmed != "" {
				return trimmed
			}
		}
	}
	return ""
}

func ltiFromClaim(raw map[string]interface{}) *LTIClaims {
	lti := &LTIClaims{Extra: map[string]string{}}
	lti.Version, _ = raw["version"].(string)
	lti.SendGrades, _ = raw["send_grades"].(bool)
	lti.MessageLaunchID, _ = raw["launch_id"].(string)
	lti.OutcomeServiceURL, _ = raw["outcome_service_url"].(string)
	lti.OutcomeResultID, _ = raw["outcome_result_id"].(string)
	lti.ConsumerKey, _ = raw["consumer_key"].(string)
	if extra, ok := raw["extra"].(map[string]interface{}); ok {
		for key, value := range extra {
			lti.Extra[key] = fmt.Sprintf("%v", value)
		}
	}
	if lti.Version == "" {
		return nil
	}
	return lti
}

func extractUserRoleFromClaims(claims jwt.MapClaims) string {
	candidates := []string{"role", "roles"}
	for _, key := range candidates {
		if value, ok := claims[key]; ok {
			if role := normalizeRole(value); role != "" {
				return role
			}
		}
	}
	return ""
}

func normalizeRole(value interface{}) string {
	switch v := value.(type) {
	case string:
		return strings.ToLower(strings.TrimSpace(v))
	case []interface{}:
		for _, item := range v {
			if str, ok := item.(string); ok {
				role := strings.ToLower(strings.TrimSpace(str))
				if role != "" {
					return role
				}
			}
		}
	default:
		return ""
	}
	return ""
}
