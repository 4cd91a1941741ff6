package usecase

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/corrosion-check/internal/analysis"
	"github.com/example/corrosion-check/internal/logging"
	"github.com/example/corrosion-check/internal/repository"
)

const processingMarker = "processing"

// ErrResultPending is returned by GetResult while the analysis is still in flight.
var ErrResultPending = errors.New("analysis still processing")

// Analyzer is the part of the analysis client the use case needs.
type Analyzer interface {
	AnalyzeImage(ctx context.Context, src analysis.Source) (*analysis.Result, error)
}

// AnalysisRepository defines the persistence operations needed by the use case.
type AnalysisRepository interface {
	SaveRecord(ctx context.Context, record *repository.AnalysisRecord) error
	FindByRequestIDAndInspector(ctx context.Context, requestID, inspectorID string) (*repository.AnalysisRecord, error)
	FindDuplicatesByHash(ctx context.Context, inspectorID, hash, excludeRequestID string) ([]*repository.AnalysisRecord, error)
	ListByBatch(ctx context.Context, inspectorID, batchID string) ([]*repository.AnalysisRecord, error)
	AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error)
}

// InspectionUseCase runs analyses and keeps their records and cached results.
type InspectionUseCase struct {
	repo           AnalysisRepository
	cache          Cache
	analyzer       Analyzer
	logger         *zap.Logger
	resultTTL      time.Duration
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	now            func() time.Time
}

// StoredAnalysis is an analysis as read back by request id. Overlays are only
// present while the result is still cached.
type StoredAnalysis struct {
	RequestID   string          `json:"request_id"`
	BatchID     string          `json:"batch_id,omitempty"`
	InspectorID string          `json:"inspector_id"`
	SourceKind  string          `json:"source_kind"`
	Filename    string          `json:"filename"`
	Result      analysis.Result `json:"result"`
	Hash        string          `json:"sha1_hash"`
	LatencyMs   int64           `json:"latency_ms"`
	CreatedAt   time.Time       `json:"created_at"`
}

// DuplicateReport lists earlier analyses of the same image bytes.
type DuplicateReport struct {
	Request    *repository.AnalysisRecord
	Duplicates []*repository.AnalysisRecord
}

// NewInspectionUseCase constructs a new use case instance.
func NewInspectionUseCase(repo AnalysisRepository, cache Cache, analyzer Analyzer, logger *zap.Logger) *InspectionUseCase {
	return &InspectionUseCase{
		repo:           repo,
		cache:          cache,
		analyzer:       analyzer,
		logger:         logger.Named("inspection_usecase"),
		resultTTL:      5 * time.Minute,
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
		now:            time.Now,
	}
}

// WithResultTTL overrides how long results stay cached.
func (uc *InspectionUseCase) WithResultTTL(ttl time.Duration) *InspectionUseCase {
	if ttl > 0 {
		uc.resultTTL = ttl
	}
	return uc
}

// AnalyzeImage analyzes one image and returns its request id and result.
func (uc *InspectionUseCase) AnalyzeImage(ctx context.Context, inspectorID string, src analysis.Source) (string, *analysis.Result, error) {
	return uc.analyzeOne(ctx, inspectorID, "", src)
}

func (uc *InspectionUseCase) analyzeOne(ctx context.Context, inspectorID, batchID string, src analysis.Source) (string, *analysis.Result, error) {
	payload, err := analysis.Resolve(src, uc.now())
	if err != nil {
		return "", nil, err
	}

	requestID := uuid.NewString()
	opLogger := logging.WithOperation(uc.logger, "usecase.analyze_image", requestID)

	cacheKey := analysisCacheKey(requestID)
	if err := uc.withRedisRetry(ctx, requestID, "cache.set.processing", func() error {
		return uc.cache.Set(ctx, cacheKey, processingMarker, time.Minute)
	}); err != nil {
		opLogger.Error("failed to set processing flag", zap.Error(err))
		return "", nil, err
	}

	start := time.Now()
	result, err := uc.analyzer.AnalyzeImage(ctx, src)
	if err != nil {
		wrapped := logging.NewOperationError("usecase.analyze_image", requestID, err)
		opLogger.Error("analysis failed", zap.Error(wrapped))
		return "", nil, wrapped
	}
	latency := time.Since(start)

	hash := sha1.Sum(payload.Data)
	record := &repository.AnalysisRecord{
		RequestID:           requestID,
		BatchID:             batchID,
		InspectorID:         inspectorID,
		SourceKind:          string(src.Kind()),
		Filename:            payload.Filename,
		CorrosionPercentage: result.CorrosionPercentage,
		TotalPixels:         result.TotalPixels,
		CorrosionPixels:     result.CorrosionPixels,
		Status:              string(result.Status),
		ConfidenceScore:     result.ConfidenceScore,
		SHA1Hash:            hex.EncodeToString(hash[:]),
		LatencyMs:           latency.Milliseconds(),
		CreatedAt:           uc.now().UTC(),
	}
	if err := uc.repo.SaveRecord(ctx, record); err != nil {
		wrapped := logging.NewOperationError("usecase.save_record", requestID, err)
		opLogger.Error("failed to persist analysis record", zap.Error(wrapped))
		return "", nil, wrapped
	}

	serialized, err := json.Marshal(storedFromRecord(record, result))
	if err != nil {
		opLogger.Error("failed to serialize analysis result", zap.Error(err))
		return "", nil, err
	}

	if err := uc.withRedisRetry(ctx, requestID, "cache.set.result", func() error {
		return uc.cache.Set(ctx, cacheKey, string(serialized), uc.resultTTL)
	}); err != nil {
		// The record is persisted, so GetResult still works from the database.
		opLogger.Warn("failed to cache analysis result", zap.Error(err))
	}

	opLogger.Info("analysis stored",
		zap.String("status", record.Status),
		zap.Float64("corrosion_percentage", record.CorrosionPercentage),
		zap.Int64("latency_ms", record.LatencyMs))
	return requestID, result, nil
}

// GetResult retrieves a cached analysis or loads it from persistence.
func (uc *InspectionUseCase) GetResult(ctx context.Context, inspectorID, requestID string) (*StoredAnalysis, error) {
	opLogger := logging.WithOperation(uc.logger, "usecase.get_result", requestID)

	cached, err := uc.withRedisGet(ctx, requestID, "cache.get.result", analysisCacheKey(requestID))
	switch {
	case err == nil && cached == processingMarker:
		return nil, ErrResultPending
	case err == nil:
		var payload StoredAnalysis
		if err := json.Unmarshal([]byte(cached), &payload); err != nil {
			opLogger.Warn("failed to decode cached result", zap.Error(err))
		} else if payload.InspectorID == inspectorID {
			return &payload, nil
		}
	case !errors.Is(err, redis.Nil):
		opLogger.Warn("failed to read cache", zap.Error(err))
	}

	record, err := uc.repo.FindByRequestIDAndInspector(ctx, requestID, inspectorID)
	if err != nil {
		return nil, err
	}
	return storedFromRecord(record, nil), nil
}

// GetBatch returns the stored analyses of a batch in input order.
func (uc *InspectionUseCase) GetBatch(ctx context.Context, inspectorID, batchID string) ([]*StoredAnalysis, error) {
	records, err := uc.repo.ListByBatch(ctx, inspectorID, batchID)
	if err != nil {
		return nil, err
	}
	out := make([]*StoredAnalysis, 0, len(records))
	for _, record := range records {
		out = append(out, storedFromRecord(record, nil))
	}
	return out, nil
}

// GetDuplicateReport builds a duplicate detection report for an analysis.
func (uc *InspectionUseCase) GetDuplicateReport(ctx context.Context, inspectorID, requestID string) (*DuplicateReport, error) {
	record, err := uc.repo.FindByRequestIDAndInspector(ctx, requestID, inspectorID)
	if err != nil {
		return nil, err
	}

	duplicates, err := uc.repo.FindDuplicatesByHash(ctx, inspectorID, record.SHA1Hash, record.RequestID)
	if err != nil {
		return nil, err
	}

	return &DuplicateReport{
		Request:    record,
		Duplicates: duplicates,
	}, nil
}

// storedFromRecord rebuilds the read model. Status is re-derived from the
// percentage so it can never disagree with it.
func storedFromRecord(record *repository.AnalysisRecord, result *analysis.Result) *StoredAnalysis {
	stored := &StoredAnalysis{
		RequestID:   record.RequestID,
		BatchID:     record.BatchID,
		InspectorID: record.InspectorID,
		SourceKind:  record.SourceKind,
		Filename:    record.Filename,
		Hash:        record.SHA1Hash,
		LatencyMs:   record.LatencyMs,
		CreatedAt:   record.CreatedAt,
	}
	if result != nil {
		stored.Result = *result
		return stored
	}
	stored.Result = analysis.Result{
		CorrosionPercentage: record.CorrosionPercentage,
		TotalPixels:         record.TotalPixels,
		CorrosionPixels:     record.CorrosionPixels,
		Status:              analysis.DeriveStatus(record.CorrosionPercentage),
		ConfidenceScore:     record.ConfidenceScore,
	}
	return stored
}

func (uc *InspectionUseCase) withRedisRetry(ctx context.Context, requestID, operation string, fn func() error) error {
	if uc.retryAttempts <= 1 {
		err := fn()
		return logging.NewOperationError(operation, requestID, err)
	}

	backoff := uc.initialBackoff
	opLogger := logging.WithOperation(uc.logger, operation, requestID)
	var err error
	for attempt := 0; attempt < uc.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, requestID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= uc.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("redis operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if errors.Is(err, redis.Nil) {
			return logging.NewOperationError(operation, requestID, err)
		}
		if !isTransientError(err) || attempt == uc.retryAttempts-1 {
			opLogger.Error("redis operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, requestID, err)
		}

		opLogger.Warn("transient redis error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, requestID, err)
}

func (uc *InspectionUseCase) withRedisGet(ctx context.Context, requestID, operation, cacheKey string) (string, error) {
	var result string
	err := uc.withRedisRetry(ctx, requestID, operation, func() error {
		value, err := uc.cache.Get(ctx, cacheKey)
		if err != nil {
			return err
		}
		result = value
		return nil
	})
	if err != nil {
		return "", err
	}
	return result, nil
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
	if errors.As(err, &temporary) && temporary.Temporary() {
		return true
	}

	return false
}
