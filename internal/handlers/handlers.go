package handlers

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/corrosion-check/internal/analysis"
	"github.com/example/corrosion-check/internal/auth"
	"github.com/example/corrosion-check/internal/health"
	"github.com/example/corrosion-check/internal/usecase"
)

// InspectionService is the use case surface served over HTTP.
type InspectionService interface {
	AnalyzeImage(ctx context.Context, inspectorID string, src analysis.Source) (string, *analysis.Result, error)
	AnalyzeBatch(ctx context.Context, inspectorID string, srcs []analysis.Source, policy analysis.BatchPolicy) (*usecase.BatchReport, error)
	GetResult(ctx context.Context, inspectorID, requestID string) (*usecase.StoredAnalysis, error)
	GetBatch(ctx context.Context, inspectorID, batchID string) ([]*usecase.StoredAnalysis, error)
	GetDuplicateReport(ctx context.Context, inspectorID, requestID string) (*usecase.DuplicateReport, error)
	GetMetricsSummary(ctx context.Context) (*usecase.MetricsSummary, error)
}

// Options holds the optional collaborators of the router.
type Options struct {
	// Health backs GET /health. When nil the route always reports ok.
	Health *health.Checker
	// InferenceUpstream is the URL POST /api/proxy/analyze forwards to.
	InferenceUpstream string
	// MaxBatchFiles caps POST /analyze/batch. Zero means DefaultMaxBatchFiles.
	MaxBatchFiles int
	Logger        *zap.Logger
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, svc InspectionService, authMiddleware gin.HandlerFunc, opts Options) error {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("http")
	maxBatch := opts.MaxBatchFiles
	if maxBatch <= 0 {
		maxBatch = DefaultMaxBatchFiles
	}

	router.GET("/health", func(c *gin.Context) {
		if opts.Health == nil {
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
			return
		}
		report := opts.Health.Check(c.Request.Context())
		status := http.StatusOK
		if !report.Healthy() {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, report)
	})

	proxy, err := newInferenceProxy(opts.InferenceUpstream, logger)
	if err != nil {
		return err
	}
	router.POST("/api/proxy/analyze", proxy)

	protected := router.Group("/")
	if authMiddleware != nil {
		protected.Use(authMiddleware)
	}

	protected.POST("/analyze", func(c *gin.Context) {
		inspectorID := inspectorFrom(c)
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxUploadSize+multipartOverhead)

		src, status, err := singleSource(c)
		if err != nil {
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}

		requestID, result, err := svc.AnalyzeImage(c.Request.Context(), inspectorID, src)
		if err != nil {
			logger.Warn("analyze request failed", zap.String("inspector_id", inspectorID), zap.Error(err))
			respondError(c, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"request_id": requestID,
			"result":     result,
		})
	})

	protected.POST("/analyze/batch", func(c *gin.Context) {
		inspectorID := inspectorFrom(c)
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, int64(maxBatch)*MaxUploadSize+multipartOverhead)

		policy, err := analysis.ParseBatchPolicy(c.DefaultPostForm("policy", c.Query("policy")))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		srcs, status, err := batchSources(c, maxBatch)
		if err != nil {
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}

		report, err := svc.AnalyzeBatch(c.Request.Context(), inspectorID, srcs, policy)
		if err != nil {
			logger.Warn("batch request failed", zap.String("inspector_id", inspectorID), zap.Error(err))
			c.JSON(statusFor(err), gin.H{"error": err.Error(), "report": report})
			return
		}
		c.JSON(http.StatusOK, report)
	})

	protected.GET("/result/:id", func(c *gin.Context) {
		requestID := c.Param("id")
		stored, err := svc.GetResult(c.Request.Context(), inspectorFrom(c), requestID)
		if errors.Is(err, usecase.ErrResultPending) {
			c.JSON(http.StatusAccepted, gin.H{"request_id": requestID, "status": "processing"})
			return
		}
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, stored)
	})

	protected.GET("/result/:id/duplicates", func(c *gin.Context) {
		report, err := svc.GetDuplicateReport(c.Request.Context(), inspectorFrom(c), c.Param("id"))
		if err != nil {
			respondError(c, err)
			return
		}

		duplicates := make([]gin.H, 0, len(report.Duplicates))
		for _, record := range report.Duplicates {
			duplicates = append(duplicates, gin.H{
				"request_id":           record.RequestID,
				"filename":             record.Filename,
				"corrosion_percentage": record.CorrosionPercentage,
				"status":               analysis.DeriveStatus(record.CorrosionPercentage),
				"created_at":           record.CreatedAt,
			})
		}

		c.JSON(http.StatusOK, gin.H{
			"request_id":      report.Request.RequestID,
			"sha1_hash":       report.Request.SHA1Hash,
			"is_duplicate":    len(duplicates) > 0,
			"duplicates":      duplicates,
			"duplicate_count": len(duplicates),
		})
	})

	protected.GET("/batch/:id", func(c *gin.Context) {
		items, err := svc.GetBatch(c.Request.Context(), inspectorFrom(c), c.Param("id"))
		if err != nil {
			respondError(c, err)
			return
		}
		if len(items) == 0 {
			c.JSON(http.StatusNotFound, gin.H{"error": "batch not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"batch_id": c.Param("id"), "items": items})
	})

	protected.GET("/metrics", func(c *gin.Context) {
		summary, err := svc.GetMetricsSummary(c.Request.Context())
		if err != nil {
			logger.Error("metrics aggregation failed", zap.Error(err))
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, summary)
	})

	return nil
}

func inspectorFrom(c *gin.Context) string {
	if id, ok := auth.GetInspectorID(c.Request.Context()); ok {
		return id
	}
	return auth.AnonymousInspector
}

func respondError(c *gin.Context, err error) {
	c.JSON(statusFor(err), gin.H{"error": err.Error()})
}

// statusFor maps a failure to the HTTP status reported to the caller.
func statusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, analysis.ErrNoInput):
		return http.StatusBadRequest
	case analysis.IsKind(err, analysis.KindRemoteRejection), analysis.IsKind(err, analysis.KindMalformedResponse):
		return http.StatusBadGateway
	case analysis.IsKind(err, analysis.KindTransport):
		if isTimeout(err) {
			return http.StatusGatewayTimeout
		}
		return http.StatusBadGateway
	case errors.Is(err, gorm.ErrRecordNotFound):
		return http.StatusNotFound
	case errors.Is(err, context.Canceled):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return strings.Contains(err.Error(), "Client.Timeout exceeded")
}
