package api

import (
	"context"
	"log"
	"net/http"
	"strings"

	"docbatch/models"
	"docbatch/services"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// JobStore is the part of the job store the HTTP surface uses.
type JobStore interface {
	CreateJob(ctx context.Context, jobID uuid.UUID, filenames []string) (*models.Job, []models.JobFile, error)
	GetJob(ctx context.Context, jobID uuid.UUID) (*models.Job, error)
	ListJobFiles(ctx context.Context, jobID uuid.UUID) ([]models.JobFile, error)
	DeleteJob(ctx context.Context, jobID uuid.UUID) error
	Ping(ctx context.Context) error
}

type TaskQueue interface {
	EnqueueAll(ctx context.Context, tasks []models.ConversionTask) error
	Ping(ctx context.Context) error
}

type Handler struct {
	store          JobStore
	queue          TaskQueue
	storage        *services.Storage
	maxUploadBytes int64
	logger         *log.Logger
}

func NewHandler(store JobStore, queue TaskQueue, storage *services.Storage, maxUploadBytes int64, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.Default()
	}
	return &Handler{
		store:          store,
		queue:          queue,
		storage:        storage,
		maxUploadBytes: maxUploadBytes,
		logger:         logger,
	}
}

func (h *Handler) Register(r *gin.Engine) {
	r.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "Service is running successfully"})
	})
	r.GET("/health", h.health)

	jobs := r.Group("/api/v1/jobs")
	{
		jobs.POST("", h.createJob)
		jobs.POST("/", h.createJob)
		jobs.GET("/:id", h.getJob)
		jobs.GET("/:id/download", h.downloadJob)
	}
}

// NewRouter builds the gin engine serving the job API. allowedOrigins is a
// comma separated list, or "*".
func NewRouter(h *Handler, mode string, allowedOrigins string) *gin.Engine {
	gin.SetMode(mode)
	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())
	r.Use(cors.New(corsConfig(allowedOrigins)))
	h.Register(r)
	return r
}

func corsConfig(allowedOrigins string) cors.Config {
	cfg := cors.DefaultConfig()
	if strings.TrimSpace(allowedOrigins) == "*" {
		cfg.AllowAllOrigins = true
	} else {
		for _, origin := range strings.Split(allowedOrigins, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				cfg.AllowOrigins = append(cfg.AllowOrigins, origin)
			}
		}
	}
	cfg.AllowHeaders = []string{"Origin", "Content-Type", "Accept"}
	// Browsers need this to read the archive name of a download.
	cfg.ExposeHeaders = []string{"Content-Disposition"}
	return cfg
}

func (h *Handler) health(c *gin.Context) {
	ctx := c.Request.Context()
	status := gin.H{"database": "ok", "redis": "ok"}
	code := http.StatusOK

	if err := h.store.Ping(ctx); err != nil {
		h.logger.Printf("[API] Health check: database unreachable: %v", err)
		status["database"] = "unreachable"
		code = http.StatusServiceUnavailable
	}
	if err := h.queue.Ping(ctx); err != nil {
		h.logger.Printf("[API] Health check: redis unreachable: %v", err)
		status["redis"] = "unreachable"
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}

func jsonError(c *gin.Context, code int, message string) {
	c.AbortWithStatusJSON(code, gin.H{"error": message})
}
