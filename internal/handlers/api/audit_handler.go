package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/khanghh/kshelf/internal/audit"
	"github.com/khanghh/kshelf/internal/middlewares"
	"github.com/khanghh/kshelf/internal/render"
	"github.com/khanghh/kshelf/params"
)

const dateLayout = "2006-01-02"

type AuditHandler struct {
	queryService   QueryService
	cleanupService CleanupService
	archives       ArchiveStore
	pruner         ArchivePruner
	recorder       EventRecorder
}

type archiveListResponse struct {
	Directory string                  `json:"directory"`
	Archives  []audit.ArchiveFileInfo `json:"archives"`
}

type pruneResponse struct {
	DeletedCount int `json:"deletedCount"`
	MaxAgeDays   int `json:"maxAgeDays"`
}

// parseTimeParam accepts RFC 3339 or a bare date. A bare date used as an
// upper bound covers the whole day.
func parseTimeParam(value string, upper bool) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		t = t.UTC()
		return &t, nil
	}
	t, err := time.ParseInLocation(dateLayout, value, time.UTC)
	if err != nil {
		return nil, fmt.Errorf("invalid date %q", value)
	}
	if upper {
		t = t.AddDate(0, 0, 1)
	}
	return &t, nil
}

func parseSearchFilter(ctx *fiber.Ctx) (audit.SearchFilter, error) {
	from, err := parseTimeParam(ctx.Query("from"), false)
	if err != nil {
		return audit.SearchFilter{}, err
	}
	to, err := parseTimeParam(ctx.Query("to"), true)
	if err != nil {
		return audit.SearchFilter{}, err
	}
	return audit.SearchFilter{
		Search: ctx.Query("search"),
		Action: ctx.Query("action"),
		UserID: ctx.Query("userId"),
		From:   from,
		To:     to,
	}, nil
}

func (h *AuditHandler) GetLogs(ctx *fiber.Ctx) error {
	result, err := h.queryService.QueryLogs(ctx.UserContext(), ctx.QueryInt("page", 1), ctx.QueryInt("pageSize"))
	if err != nil {
		return err
	}
	return render.RenderData(ctx, result)
}

func (h *AuditHandler) GetSearchLogs(ctx *fiber.Ctx) error {
	filter, err := parseSearchFilter(ctx)
	if err != nil {
		return render.RenderBadRequestError(ctx, err.Error())
	}
	result, err := h.queryService.SearchLogs(ctx.UserContext(), filter, ctx.QueryInt("page", 1), ctx.QueryInt("pageSize"))
	if err != nil {
		return err
	}
	return render.RenderData(ctx, result)
}

func (h *AuditHandler) GetStats(ctx *fiber.Ctx) error {
	stats, err := h.queryService.GetStats(ctx.UserContext())
	if err != nil {
		return err
	}
	return render.RenderData(ctx, stats)
}

func (h *AuditHandler) PostCleanup(ctx *fiber.Ctx) error {
	var req audit.CleanupRequest
	if err := ctx.BodyParser(&req); err != nil {
		return render.RenderBadRequestError(ctx, "Invalid request body")
	}
	report, err := h.cleanupService.PreviewOrExecute(ctx.UserContext(), middlewares.RequestActor(ctx), req)
	switch {
	case errors.Is(err, audit.ErrInvalidRetentionDays):
		return render.RenderBadRequestError(ctx, err.Error())
	case errors.Is(err, audit.ErrCleanupConflict):
		return render.RenderError(ctx, fiber.StatusConflict, err.Error())
	case err != nil:
		return err
	}
	return render.RenderData(ctx, report)
}

func (h *AuditHandler) PostForceCleanup(ctx *fiber.Ctx) error {
	result, err := h.cleanupService.RunCycle(ctx.UserContext())
	if err != nil {
		return err
	}
	return render.RenderData(ctx, result)
}

func (h *AuditHandler) GetExport(ctx *fiber.Ctx) error {
	filter, err := parseSearchFilter(ctx)
	if err != nil {
		return render.RenderBadRequestError(ctx, err.Error())
	}
	format, err := audit.ParseArchiveFormat(ctx.Query("format"))
	if err != nil {
		return render.RenderBadRequestError(ctx, err.Error())
	}
	compress := ctx.QueryBool("compress", false)
	maxRecords := ctx.QueryInt("maxRecords")

	result, err := h.queryService.ExportLogs(ctx.UserContext(), middlewares.RequestActor(ctx), filter, format, compress, maxRecords)
	if err != nil {
		return err
	}
	ctx.Set(fiber.HeaderContentType, result.ContentType)
	ctx.Set(fiber.HeaderContentDisposition, fmt.Sprintf(`attachment; filename="%s"`, result.FileName))
	return ctx.Status(fiber.StatusOK).Send(result.Data)
}

func (h *AuditHandler) GetArchives(ctx *fiber.Ctx) error {
	return render.RenderData(ctx, archiveListResponse{
		Directory: h.archives.Dir(),
		Archives:  h.archives.ListArchives(),
	})
}

func (h *AuditHandler) GetArchive(ctx *fiber.Ctx) error {
	name, err := url.PathUnescape(ctx.Params("name"))
	if err != nil {
		return render.RenderBadRequestError(ctx, "Invalid archive name")
	}
	path, err := h.archives.ResolveArchive(name)
	switch {
	case errors.Is(err, audit.ErrInvalidArchivePath):
		slog.Warn("Rejected archive download", "name", name, "ip", ctx.IP())
		return render.RenderBadRequestError(ctx, "Invalid archive name")
	case errors.Is(err, audit.ErrArchiveNotFound):
		return render.RenderNotFoundError(ctx, "Archive not found")
	case err != nil:
		return err
	}

	fileName := filepath.Base(path)
	h.recorder.Record(ctx.UserContext(), middlewares.RequestActor(ctx), audit.ActionArchiveDownloaded,
		fmt.Sprintf("Downloaded archive %s", fileName))
	return ctx.Download(path, fileName)
}

func (h *AuditHandler) DeleteArchives(ctx *fiber.Ctx) error {
	raw := strings.TrimSpace(ctx.Query("maxAgeDays"))
	maxAgeDays, err := strconv.Atoi(raw)
	if err != nil || maxAgeDays < 0 || maxAgeDays > params.ArchiveMaxAgeMaxDays {
		return render.RenderBadRequestError(ctx, fmt.Sprintf("maxAgeDays must be an integer between 0 and %d", params.ArchiveMaxAgeMaxDays))
	}
	deleted, err := h.pruner.PruneOlderThan(ctx.UserContext(), middlewares.RequestActor(ctx), maxAgeDays)
	if errors.Is(err, audit.ErrInvalidArchiveMaxAge) {
		return render.RenderBadRequestError(ctx, err.Error())
	}
	if err != nil {
		return err
	}
	return render.RenderData(ctx, pruneResponse{
		DeletedCount: deleted,
		MaxAgeDays:   maxAgeDays,
	})
}

// Register mounts the audit administration routes on router.
func (h *AuditHandler) Register(router fiber.Router) {
	router.Get("/logs", h.GetLogs)
	router.Get("/logs/search", h.GetSearchLogs)
	router.Get("/stats", h.GetStats)
	router.Post("/cleanup", h.PostCleanup)
	router.Post("/cleanup/force", h.PostForceCleanup)
	router.Get("/export", h.GetExport)
	router.Get("/archives", h.GetArchives)
	router.Get("/archives/:name", h.GetArchive)
	router.Delete("/archives", h.DeleteArchives)
}

func NewAuditHandler(queryService QueryService, cleanupService CleanupService, archives ArchiveStore, pruner ArchivePruner, recorder EventRecorder) *AuditHandler {
	return &AuditHandler{
		queryService:   queryService,
		cleanupService: cleanupService,
		archives:       archives,
		pruner:         pruner,
		recorder:       recorder,
	}
}
