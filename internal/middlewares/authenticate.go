package middlewares

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/khanghh/kshelf/internal/audit"
	"github.com/khanghh/kshelf/internal/render"
)

const (
	actorLocalKey = "auditActor"
	adminRole     = "admin"
)

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid token")
	ErrNotPermitted = errors.New("admin role required")
)

// AdminClaims are the claims of an admin bearer token. The subject is the
// admin's user id.
type AdminClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// RequestActor returns the audit actor of the request: the authenticated
// user when Authenticate ran, anonymous otherwise, with the client address.
func RequestActor(ctx *fiber.Ctx) audit.Actor {
	if actor, ok := ctx.Locals(actorLocalKey).(audit.Actor); ok {
		return actor
	}
	return audit.Actor{IPAddress: ctx.IP()}
}

func parseBearerToken(header string) (string, error) {
	token, ok := strings.CutPrefix(header, "Bearer ")
	token = strings.TrimSpace(token)
	if !ok || token == "" {
		return "", ErrMissingToken
	}
	return token, nil
}

func parseAdminClaims(tokenStr string, secret []byte) (*AdminClaims, error) {
	var claims AdminClaims
	token, err := jwt.ParseWithClaims(tokenStr, &claims, func(token *jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	return &claims, nil
}

// Authenticate admits only requests carrying an unexpired HS256 bearer token
// with the admin role. Rejected requests are recorded as UNAUTHORIZED_ACCESS.
func Authenticate(secret string, recorder *audit.Recorder) fiber.Handler {
	key := []byte(secret)
	reject := func(ctx *fiber.Ctx, actor audit.Actor, code int, reason error) error {
		if recorder != nil {
			recorder.Record(ctx.UserContext(), actor, audit.ActionUnauthorizedAccess,
				fmt.Sprintf("%s %s rejected: %v", ctx.Method(), ctx.Path(), reason))
		}
		return render.RenderError(ctx, code, reason.Error())
	}

	return func(ctx *fiber.Ctx) error {
		actor := audit.Actor{IPAddress: ctx.IP()}
		tokenStr, err := parseBearerToken(ctx.Get(fiber.HeaderAuthorization))
		if err != nil {
			return reject(ctx, actor, fiber.StatusUnauthorized, err)
		}
		claims, err := parseAdminClaims(tokenStr, key)
		if err != nil {
			return reject(ctx, actor, fiber.StatusUnauthorized, err)
		}

		actor.UserID = claims.Subject
		if claims.Role != adminRole {
			return reject(ctx, actor, fiber.StatusForbidden, ErrNotPermitted)
		}
		ctx.Locals(actorLocalKey, actor)
		return ctx.Next()
	}
}
