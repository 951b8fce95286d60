package models

// JobStatistics is a read-only summary derived from a job's results.
type JobStatistics struct {
	TotalPrompts         int            `json:"total_prompts"`
	Completed            int            `json:"completed"`
	Failed               int            `json:"failed"`
	TotalTokens          int            `json:"total_tokens"`
	AvgDurationMs        float64        `json:"avg_duration_ms"`
	AvgSuccessDurationMs float64        `json:"avg_success_duration_ms"`
	TotalDurationMs      int64          `json:"total_duration_ms"`
	FailureGroups        []FailureGroup `json:"failure_groups"`
}

// FailureGroup collects failed results whose errors normalize to the same fingerprint.
type FailureGroup struct {
	Fingerprint   string `json:"fingerprint"`
	SampleError   string `json:"sample_error"`
	Count         int    `json:"count"`
	PromptIndexes []int  `json:"prompt_indexes"`
}
