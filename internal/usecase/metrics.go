package usecase

import "context"

// MetricsSummary represents aggregated analysis insights.
type MetricsSummary struct {
	TotalAnalyses              int64   `json:"total_analyses"`
	Approved                   int64   `json:"approved"`
	Inspection                 int64   `json:"inspection"`
	Rejected                   int64   `json:"rejected"`
	ApprovalRate               float64 `json:"approval_rate"`
	AverageCorrosionPercentage float64 `json:"average_corrosion_percentage"`
	AverageProcessingLatencyMs float64 `json:"average_processing_latency_ms"`
}

// GetMetricsSummary aggregates analysis metrics from persisted records.
func (uc *InspectionUseCase) GetMetricsSummary(ctx context.Context) (*MetricsSummary, error) {
	aggregation, err := uc.repo.AggregateMetrics(ctx)
	if err != nil {
		return nil, err
	}

	summary := &MetricsSummary{
		TotalAnalyses:              aggregation.TotalCount,
		Approved:                   aggregation.ApprovedCount,
		Inspection:                 aggregation.InspectionCount,
		Rejected:                   aggregation.RejectedCount,
		AverageCorrosionPercentage: aggregation.AverageCorrosionPercentage,
		AverageProcessingLatencyMs: aggregation.AverageLatencyMs,
	}

	if aggregation.TotalCount > 0 {
		summary.ApprovalRate = float64(aggregation.ApprovedCount) / float64(aggregation.TotalCount)
	}

	return summary, nil
}
