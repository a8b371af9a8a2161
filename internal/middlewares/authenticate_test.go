package middlewares

import (
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/khanghh/kshelf/internal/audit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signAdminToken(t *testing.T, secret string, claims AdminClaims, method jwt.SigningMethod) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(method, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func validAdminClaims(subject string) AdminClaims {
	return AdminClaims{
		Role: "admin",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
}

func TestParseBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
		err    error
	}{
		{"Bearer abc.def", "abc.def", nil},
		{"Bearer   ", "", ErrMissingToken},
		{"Basic abc", "", ErrMissingToken},
		{"", "", ErrMissingToken},
	}
	for _, tt := range tests {
		got, err := parseBearerToken(tt.header)
		assert.Equal(t, tt.want, got)
		assert.ErrorIs(t, err, tt.err)
	}
}

func TestParseAdminClaims(t *testing.T) {
	valid := validAdminClaims("a1")
	claims, err := parseAdminClaims(signAdminToken(t, "s3cret", valid, jwt.SigningMethodHS256), []byte("s3cret"))
	require.NoError(t, err)
	assert.Equal(t, "a1", claims.Subject)

	_, err = parseAdminClaims(signAdminToken(t, "other", valid, jwt.SigningMethodHS256), []byte("s3cret"))
	assert.ErrorIs(t, err, ErrInvalidToken)

	expired := valid
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
	_, err = parseAdminClaims(signAdminToken(t, "s3cret", expired, jwt.SigningMethodHS256), []byte("s3cret"))
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestParseAdminClaimsRequiresHS256AndExpiry(t *testing.T) {
	valid := validAdminClaims("a1")
	for _, method := range []jwt.SigningMethod{jwt.SigningMethodHS384, jwt.SigningMethodHS512} {
		_, err := parseAdminClaims(signAdminToken(t, "s3cret", valid, method), []byte("s3cret"))
		assert.ErrorIs(t, err, ErrInvalidToken, method.Alg())
	}

	noExpiry := valid
	noExpiry.ExpiresAt = nil
	_, err := parseAdminClaims(signAdminToken(t, "s3cret", noExpiry, jwt.SigningMethodHS256), []byte("s3cret"))
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestAuthenticateSetsRequestActor(t *testing.T) {
	app := fiber.New()
	app.Use(Authenticate("s3cret", nil))
	app.Get("/", func(ctx *fiber.Ctx) error {
		return ctx.JSON(RequestActor(ctx))
	})

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Authorization", "Bearer "+signAdminToken(t, "s3cret",
		validAdminClaims("a1"), jwt.SigningMethodHS256))
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	var actor audit.Actor
	require.NoError(t, decodeJSON(resp.Body, &actor))
	assert.Equal(t, "a1", actor.UserID)
	assert.NotEmpty(t, actor.IPAddress)
}

func TestRequestActorAnonymous(t *testing.T) {
	app := fiber.New()
	app.Get("/", func(ctx *fiber.Ctx) error {
		return ctx.JSON(RequestActor(ctx))
	})
	resp, err := app.Test(httptest.NewRequest("GET", "/", nil))
	require.NoError(t, err)

	var actor audit.Actor
	require.NoError(t, decodeJSON(resp.Body, &actor))
	assert.Empty(t, actor.UserID)
}

func TestErrorHandlerEnvelope(t *testing.T) {
	app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler(nil)})
	app.Get("/boom", func(ctx *fiber.Ctx) error {
		return errors.New("database is on fire")
	})
	app.Get("/gone", func(ctx *fiber.Ctx) error {
		return fiber.ErrGone
	})

	resp, err := app.Test(httptest.NewRequest("GET", "/boom", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusInternalServerError, resp.StatusCode)
	var body map[string]any
	require.NoError(t, decodeJSON(resp.Body, &body))
	errInfo := body["error"].(map[string]any)
	assert.Equal(t, "Internal server error", errInfo["message"], "internal details are not leaked")

	resp, err = app.Test(httptest.NewRequest("GET", "/gone", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusGone, resp.StatusCode)
}
