package middlewares

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/gofiber/fiber/v2"
	"github.com/khanghh/kshelf/internal/audit"
	"github.com/khanghh/kshelf/internal/render"
)

// ErrorHandler renders every error as a JSON error envelope. Unhandled server
// errors are also recorded as SYSTEM_ERROR audit events.
func ErrorHandler(recorder *audit.Recorder) fiber.ErrorHandler {
	return func(ctx *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError
		var fe *fiber.Error
		if errors.As(err, &fe) {
			code = fe.Code
		}
		if code < fiber.StatusInternalServerError {
			return render.RenderError(ctx, code, err.Error())
		}

		slog.Error("unhandled error", "path", ctx.Path(), "code", code, "error", err)
		if recorder != nil {
			recorder.Record(ctx.UserContext(), RequestActor(ctx), audit.ActionSystemError,
				fmt.Sprintf("%s %s: %v", ctx.Method(), ctx.Path(), err))
		}
		return render.RenderInternalServerError(ctx)
	}
}
