package repository

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/corrosion-check/internal/logging"
)

// AnalysisRecord represents a persisted corrosion analysis. Overlay images
// are not stored.
type AnalysisRecord struct {
	ID                  uint      `gorm:"primaryKey"`
	RequestID           string    `gorm:"column:request_id;uniqueIndex;size:64"`
	BatchID             string    `gorm:"column:batch_id;index;size:64"`
	InspectorID         string    `gorm:"column:inspector_id;index;size:64"`
	SourceKind          string    `gorm:"column:source_kind;size:16"`
	Filename            string    `gorm:"column:filename;size:255"`
	CorrosionPercentage float64   `gorm:"column:corrosion_percentage"`
	TotalPixels         int64     `gorm:"column:total_pixels"`
	CorrosionPixels     int64     `gorm:"column:corrosion_pixels"`
	Status              string    `gorm:"column:status;index;size:16"`
	ConfidenceScore     *float64  `gorm:"column:confidence_score"`
	SHA1Hash            string    `gorm:"column:sha1_hash;index;size:40"`
	LatencyMs           int64     `gorm:"column:latency_ms"`
	CreatedAt           time.Time `gorm:"column:created_at"`
}

// TableName overrides the default table name.
func (AnalysisRecord) TableName() string {
	return "analysis_records"
}

// MetricsAggregation is the raw aggregate read for the metrics summary.
type MetricsAggregation struct {
	TotalCount                 int64
	ApprovedCount              int64
	InspectionCount            int64
	RejectedCount              int64
	AverageCorrosionPercentage float64
	AverageLatencyMs           float64
}

// AnalysisRepository provides persistence APIs for analysis records.
type AnalysisRepository struct {
	db             *gorm.DB
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewAnalysisRepository creates a new repository instance.
func NewAnalysisRepository(db *gorm.DB, logger *zap.Logger) *AnalysisRepository {
	return &AnalysisRepository{
		db:             db,
		logger:         logger.Named("analysis_repository"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// AutoMigrate ensures the schema is available.
func (r *AnalysisRepository) AutoMigrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&AnalysisRecord{})
}

// Ping checks database connectivity.
func (r *AnalysisRepository) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// SaveRecord persists an analysis record.
func (r *AnalysisRepository) SaveRecord(ctx context.Context, record *AnalysisRecord) error {
	return r.executeWithRetry(ctx, "repository.save_record", record.RequestID, func() error {
		return r.db.WithContext(ctx).Create(record).Error
	})
}

// FindByRequestIDAndInspector retrieves a record matching the request and owner.
func (r *AnalysisRepository) FindByRequestIDAndInspector(ctx context.Context, requestID, inspectorID string) (*AnalysisRecord, error) {
	var record AnalysisRecord
	err := r.executeWithRetry(ctx, "repository.find_record", requestID, func() error {
		return r.db.WithContext(ctx).First(&record, "request_id = ? AND inspector_id = ?", requestID, inspectorID).Error
	})
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// FindDuplicatesByHash lists the inspector's other analyses of the same image bytes.
func (r *AnalysisRepository) FindDuplicatesByHash(ctx context.Context, inspectorID, hash, excludeRequestID string) ([]*AnalysisRecord, error) {
	var records []*AnalysisRecord
	err := r.executeWithRetry(ctx, "repository.find_duplicates", excludeRequestID, func() error {
		return r.db.WithContext(ctx).
			Where("inspector_id = ? AND sha1_hash = ? AND request_id <> ?", inspectorID, hash, excludeRequestID).
			Order("created_at DESC").
			Find(&records).Error
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// ListByBatch returns the records of one batch in insertion order.
func (r *AnalysisRepository) ListByBatch(ctx context.Context, inspectorID, batchID string) ([]*AnalysisRecord, error) {
	var records []*AnalysisRecord
	err := r.executeWithRetry(ctx, "repository.list_batch", batchID, func() error {
		return r.db.WithContext(ctx).
			Where("inspector_id = ? AND batch_id = ?", inspectorID, batchID).
			Order("id ASC").
			Find(&records).Error
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// AggregateMetrics computes counts per status and averages over all records.
func (r *AnalysisRepository) AggregateMetrics(ctx context.Context) (*MetricsAggregation, error) {
	var agg MetricsAggregation
	err := r.executeWithRetry(ctx, "repository.aggregate_metrics", "", func() error {
		return r.db.WithContext(ctx).
			Model(&AnalysisRecord{}).
			Select(`COUNT(*) AS total_count,
				COALESCE(SUM(CASE WHEN status = 'approved' THEN 1 ELSE 0 END), 0) AS approved_count,
				COALESCE(SUM(CASE WHEN status = 'inspection' THEN 1 ELSE 0 END), 0) AS inspection_count,
				COALESCE(SUM(CASE WHEN status = 'rejected' THEN 1 ELSE 0 END), 0) AS rejected_count,
				COALESCE(AVG(corrosion_percentage), 0) AS average_corrosion_percentage,
				COALESCE(AVG(latency_ms), 0) AS average_latency_ms`).
			Scan(&agg).Error
	})
	if err != nil {
		return nil, err
	}
	return &agg, nil
}

func (r *AnalysisRepository) executeWithRetry(ctx context.Context, operation, requestID string, fn func() error) error {
	attempts := r.retryAttempts
	if attempts < 1 {
		attempts = 1
	}

	backoff := r.initialBackoff
	opLogger := logging.WithOperation(r.logger, operation, requestID)
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, requestID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= r.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("database operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if errors.Is(err, gorm.ErrRecordNotFound) {
			return logging.NewOperationError(operation, requestID, err)
		}
		if !isTransientError(err) || attempt == attempts-1 {
			opLogger.Error("database operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, requestID, err)
		}

		opLogger.Warn("transient database error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, requestID, err)
}

func isTransientError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var temporary interface{ Temporary() bool }
	return errors.As(err, &temporary) && temporary.Temporary()
}
