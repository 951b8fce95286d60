package batch

import (
	"github.com/kiranshivaraju/promptbatch/internal/analysis"
	"github.com/kiranshivaraju/promptbatch/pkg/models"
)

// ComputeStatistics summarizes a job's results. It is safe to call at any point
// in the job's lifecycle; a job with no results yields zero averages.
//
// AvgDurationMs averages over every result, failed ones included.
// AvgSuccessDurationMs averages over successful results only.
func ComputeStatistics(job *models.BatchJob) models.JobStatistics {
	stats := models.JobStatistics{
		TotalPrompts:  len(job.Prompts),
		FailureGroups: analysis.GroupFailures(job.Results),
	}

	var successDuration int64
	for _, r := range job.Results {
		stats.TotalDurationMs += r.DurationMs
		stats.TotalTokens += r.Tokens
		if r.Success {
			stats.Completed++
			successDuration += r.DurationMs
		} else {
			stats.Failed++
		}
	}

	if n := len(job.Results); n > 0 {
		stats.AvgDurationMs = float64(stats.TotalDurationMs) / float64(n)
	}
	if stats.Completed > 0 {
		stats.AvgSuccessDurationMs = float64(successDuration) / float64(stats.Completed)
	}
	return stats
}
