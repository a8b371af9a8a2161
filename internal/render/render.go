package render

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/khanghh/kshelf/params"
)

// Google JSON API style response structures
type APIResponse struct {
	APIVersion string        `json:"apiVersion"`
	Data       any           `json:"data,omitempty"`
	Error      *APIErrorInfo `json:"error,omitempty"`
}

type APIErrorInfo struct {
	Code      int       `json:"code"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

func NewDataResponse(data any) APIResponse {
	return APIResponse{
		APIVersion: params.APIVersion,
		Data:       data,
	}
}

func NewErrorResponse(code int, message string) APIResponse {
	return APIResponse{
		APIVersion: params.APIVersion,
		Error: &APIErrorInfo{
			Code:      code,
			Message:   message,
			Timestamp: time.Now().UTC(),
		},
	}
}

func RenderData(ctx *fiber.Ctx, data any) error {
	return ctx.Status(fiber.StatusOK).JSON(NewDataResponse(data))
}

func RenderError(ctx *fiber.Ctx, code int, message string) error {
	return ctx.Status(code).JSON(NewErrorResponse(code, message))
}

func RenderBadRequestError(ctx *fiber.Ctx, message string) error {
	return RenderError(ctx, fiber.StatusBadRequest, message)
}

func RenderNotFoundError(ctx *fiber.Ctx, message string) error {
	return RenderError(ctx, fiber.StatusNotFound, message)
}

func RenderInternalServerError(ctx *fiber.Ctx) error {
	return RenderError(ctx, fiber.StatusInternalServerError, "Internal server error")
}
