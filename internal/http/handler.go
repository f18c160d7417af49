package http

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"parking-tracker/internal/archive"
	"parking-tracker/internal/camera"
	"parking-tracker/internal/domain/parking"
	"parking-tracker/internal/service"
	"parking-tracker/internal/utils"
)

const maxImageSize = 10 << 20

// Snapshotter captures and processes one camera frame on demand.
type Snapshotter interface {
	CaptureOnce(ctx context.Context) ([]camera.Outcome, error)
}

type Handler struct {
	ledger    *service.LedgerService
	analytics *service.AnalyticsService
	images    *archive.Archive
	camera    Snapshotter
	log       zerolog.Logger
}

// NewHandler wires the HTTP surface. images and cam may be nil; the routes that need them then
// answer 503.
func NewHandler(
	ledger *service.LedgerService,
	analytics *service.AnalyticsService,
	images *archive.Archive,
	cam Snapshotter,
	log zerolog.Logger,
) *Handler {
	return &Handler{
		ledger:    ledger,
		analytics: analytics,
		images:    images,
		camera:    cam,
		log:       log,
	}
}

func (h *Handler) Register(r *gin.Engine, authMiddleware gin.HandlerFunc) {
	public := r.Group("/")
	{
		public.GET("/healthz", h.health)
		public.GET("/log", h.logSighting)
		public.POST("/log", h.logSighting)
		public.GET("/analytics", h.analyticsSummary)
		public.GET("/vehicle/:plate", h.vehicleHistory)
		public.GET("/visits", h.listVisits)
		public.GET("/images/:name", h.serveImage)
	}

	protected := r.Group("/")
	protected.Use(authMiddleware)
	{
		protected.PUT("/vehicle/:plate", h.updateVehicle)
		protected.GET("/billing", h.listBilling)
		protected.POST("/camera/snapshot", h.cameraSnapshot)
	}
}

func (h *Handler) health(c *gin.Context) {
	if err := h.ledger.Health(c.Request.Context()); err != nil {
		h.log.Warn().Err(err).Msg("health check failed")
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) logSighting(c *gin.Context) {
	raw := strings.TrimSpace(c.Query("plate"))
	if raw == "" {
		raw = strings.TrimSpace(c.PostForm("plate"))
	}
	if raw == "" {
		c.JSON(http.StatusBadRequest, errorResponse("plate parameter is required"))
		return
	}

	plate, err := h.ledger.NormalizePlate(parking.SourceHTTP, raw)
	if err != nil {
		h.handleError(c, err)
		return
	}

	sighting := parking.Sighting{
		RawText:    raw,
		Source:     parking.SourceHTTP,
		ReceivedAt: time.Now().UTC(),
	}

	image, err := h.readImage(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
		return
	}
	if image != nil {
		if h.images == nil {
			c.JSON(http.StatusServiceUnavailable, errorResponse("image archive is not configured"))
			return
		}
		name, err := h.images.Save(plate, sighting.ReceivedAt, image)
		if err != nil {
			h.log.Error().Err(err).Str("plate", plate).Msg("failed to archive uploaded image")
			c.JSON(http.StatusInternalServerError, errorResponse("internal error"))
			return
		}
		sighting.ImageRef = name
	}

	result, err := h.ledger.RecordSighting(c.Request.Context(), sighting)
	if err != nil {
		if sighting.ImageRef != "" {
			if delErr := h.images.Delete(sighting.ImageRef); delErr != nil {
				h.log.Warn().Err(delErr).Str("image", sighting.ImageRef).Msg("failed to remove orphaned image")
			}
		}
		h.handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, sightingResponse(result))
}

// readImage returns the optional multipart "image" upload, or nil when none was sent.
func (h *Handler) readImage(c *gin.Context) ([]byte, error) {
	if !strings.HasPrefix(c.ContentType(), "multipart/form-data") {
		return nil, nil
	}
	header, err := c.FormFile("image")
	if err != nil {
		if errors.Is(err, http.ErrMissingFile) {
			return nil, nil
		}
		return nil, fmt.Errorf("invalid image upload: %v", err)
	}
	if header.Size > maxImageSize {
		return nil, fmt.Errorf("image exceeds %d bytes", maxImageSize)
	}

	f, err := header.Open()
	if err != nil {
		return nil, fmt.Errorf("invalid image upload: %v", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxImageSize+1))
	if err != nil {
		return nil, fmt.Errorf("invalid image upload: %v", err)
	}
	if len(data) > maxImageSize {
		return nil, fmt.Errorf("image exceeds %d bytes", maxImageSize)
	}
	if len(data) == 0 {
		return nil, nil
	}
	return data, nil
}

func (h *Handler) analyticsSummary(c *gin.Context) {
	top := service.DefaultTopVehicles
	if t := c.Query("top"); t != "" {
		parsed, err := parseInt(t)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, errorResponse("top must be a positive integer"))
			return
		}
		top = parsed
	}

	summary, err := h.analytics.Summary(c.Request.Context(), top)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (h *Handler) vehicleHistory(c *gin.Context) {
	history, err := h.analytics.VehicleHistory(c.Request.Context(), c.Param("plate"))
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, history)
}

func (h *Handler) updateVehicle(c *gin.Context) {
	var update parking.VehicleUpdate
	if err := c.ShouldBindJSON(&update); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
		return
	}

	vehicle, err := h.ledger.UpdateVehicle(c.Request.Context(), c.Param("plate"), update)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, successResponse(vehicle))
}

func (h *Handler) listVisits(c *gin.Context) {
	limit, offset := pagination(c)
	openOnly, _ := strconv.ParseBool(c.Query("open"))

	visits, err := h.ledger.ListVisits(c.Request.Context(), strings.TrimSpace(c.Query("plate")), openOnly, limit, offset)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, successResponse(visits))
}

func (h *Handler) listBilling(c *gin.Context) {
	limit, offset := pagination(c)

	records, err := h.ledger.ListBilling(c.Request.Context(), strings.TrimSpace(c.Query("plate")), limit, offset)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, successResponse(records))
}

func (h *Handler) serveImage(c *gin.Context) {
	if h.images == nil {
		c.JSON(http.StatusNotFound, errorResponse("image not found"))
		return
	}
	path, err := h.images.Path(c.Param("name"))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
		return
	}
	if info, err := os.Stat(path); err != nil || info.IsDir() {
		c.JSON(http.StatusNotFound, errorResponse("image not found"))
		return
	}
	c.File(path)
}

func (h *Handler) cameraSnapshot(c *gin.Context) {
	if h.camera == nil {
		c.JSON(http.StatusServiceUnavailable, errorResponse("camera is not enabled"))
		return
	}

	outcomes, err := h.camera.CaptureOnce(c.Request.Context())
	if err != nil {
		if errors.Is(err, camera.ErrDetectorUnavailable) {
			c.JSON(http.StatusServiceUnavailable, errorResponse(err.Error()))
			return
		}
		h.log.Error().Err(err).Msg("manual snapshot failed")
		c.JSON(http.StatusBadGateway, errorResponse("camera capture failed"))
		return
	}
	if len(outcomes) == 0 {
		c.JSON(http.StatusOK, gin.H{"data": outcomes, "message": "No plate detected"})
		return
	}
	c.JSON(http.StatusOK, successResponse(outcomes))
}

func (h *Handler) handleError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
	case errors.Is(err, service.ErrNotFound):
		c.JSON(http.StatusNotFound, errorResponse(err.Error()))
	case errors.Is(err, service.ErrConflict):
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":     "concurrent update, please retry",
			"retryable": true,
		})
	default:
		h.log.Error().Err(err).Msg("handler error")
		c.JSON(http.StatusInternalServerError, errorResponse("internal error"))
	}
}

func sightingResponse(result *parking.SightingResult) gin.H {
	visit := result.Visit
	resp := gin.H{
		"action":     result.Action,
		"plate":      visit.Plate,
		"visit_id":   visit.ID,
		"entry_time": visit.EntryTime,
	}
	if visit.ImageRef != "" {
		resp["image"] = visit.ImageRef
	}

	if result.Action == parking.ActionExit {
		resp["exit_time"] = visit.ExitTime
		resp["duration"] = utils.FormatDuration(visit.Duration())
		if result.Billing != nil && result.Billing.Charge != nil {
			resp["charge"] = *result.Billing.Charge
		}
		resp["message"] = fmt.Sprintf("Exit logged for %s", visit.Plate)
	} else {
		resp["message"] = fmt.Sprintf("Entry logged for %s", visit.Plate)
	}
	return resp
}

func pagination(c *gin.Context) (int, int) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := parseInt(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	offset := 0
	if o := c.Query("offset"); o != "" {
		if parsed, err := parseInt(o); err == nil && parsed >= 0 {
			offset = parsed
		}
	}
	return limit, offset
}

func successResponse(data interface{}) gin.H {
	return gin.H{
		"data": data,
	}
}

func errorResponse(message string) gin.H {
	return gin.H{
		"error": message,
	}
}

func parseInt(s string) (int, error) {
	return strconv.Atoi(s)
}
