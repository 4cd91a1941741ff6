package usecase

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/corrosion-check/internal/analysis"
	"github.com/example/corrosion-check/internal/logging"
)

// BatchItem is the per-file outcome reported back to the caller.
type BatchItem struct {
	Index     int              `json:"index"`
	Name      string           `json:"name"`
	RequestID string           `json:"request_id,omitempty"`
	Result    *analysis.Result `json:"result,omitempty"`
	Error     string           `json:"error,omitempty"`
}

// BatchReport summarizes a batch run. Items holds only attempted files;
// Completed is false when a fail-fast stop or cancellation skipped the rest.
type BatchReport struct {
	BatchID   string               `json:"batch_id"`
	Policy    analysis.BatchPolicy `json:"policy"`
	Total     int                  `json:"total"`
	Succeeded int                  `json:"succeeded"`
	Failed    int                  `json:"failed"`
	Completed bool                 `json:"completed"`
	Items     []BatchItem          `json:"items"`
}

// AnalyzeBatch analyzes srcs one after another in input order under policy.
// The report is returned even when err is non-nil.
func (uc *InspectionUseCase) AnalyzeBatch(ctx context.Context, inspectorID string, srcs []analysis.Source, policy analysis.BatchPolicy) (*BatchReport, error) {
	batchID := uuid.NewString()
	opLogger := logging.WithOperation(uc.logger, "usecase.analyze_batch", batchID)

	requestIDs := make([]string, len(srcs))
	result, err := analysis.RunSequential(ctx, srcs, analysis.BatchOptions{
		Policy: policy,
		OnProgress: func(done, total int) {
			opLogger.Debug("batch progress", zap.Int("done", done), zap.Int("total", total))
		},
	}, func(ctx context.Context, index int, src analysis.Source) (*analysis.Result, error) {
		requestID, res, err := uc.analyzeOne(ctx, inspectorID, batchID, src)
		requestIDs[index] = requestID
		return res, err
	})

	report := &BatchReport{
		BatchID:   batchID,
		Policy:    policy,
		Total:     result.Total,
		Completed: result.Completed(),
		Items:     make([]BatchItem, 0, len(result.Outcomes)),
	}
	if report.Policy == "" {
		report.Policy = analysis.FailFast
	}
	for _, outcome := range result.Outcomes {
		item := BatchItem{Index: outcome.Index, Name: outcome.Name, RequestID: requestIDs[outcome.Index]}
		if outcome.OK() {
			item.Result = outcome.Result
			report.Succeeded++
		} else {
			item.Error = errorMessage(outcome.Err)
			report.Failed++
		}
		report.Items = append(report.Items, item)
	}

	if err != nil {
		opLogger.Warn("batch stopped early",
			zap.Error(err),
			zap.Int("attempted", len(result.Outcomes)),
			zap.Int("total", result.Total))
		return report, err
	}
	opLogger.Info("batch finished", zap.Int("succeeded", report.Succeeded), zap.Int("failed", report.Failed))
	return report, nil
}

func errorMessage(err error) string {
	if err == nil {
		return "no result returned"
	}
	return err.Error()
}
