// Package export renders batch jobs as downloadable CSV, JSON or XLSX files and
// reads JSON exports back in.
package export

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/kiranshivaraju/promptbatch/pkg/models"
)

// Format is an export encoding.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatJSON Format = "json"
	FormatXLSX Format = "xlsx"
)

var ErrUnknownFormat = errors.New("unknown export format")

// CSVHeader is the first row of every CSV export.
var CSVHeader = []string{"Index", "Prompt", "Response", "Tokens", "Duration (ms)", "Success", "Error"}

// ParseFormat accepts "csv", "json" or "xlsx", case-insensitively. An empty
// string means JSON.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "json":
		return FormatJSON, nil
	case "csv":
		return FormatCSV, nil
	case "xlsx":
		return FormatXLSX, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownFormat, s)
	}
}

// ContentType returns the MIME type for f.
func (f Format) ContentType() string {
	switch f {
	case FormatCSV:
		return "text/csv; charset=utf-8"
	case FormatXLSX:
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	default:
		return "application/json"
	}
}

// Render encodes job in format f.
func Render(job *models.BatchJob, f Format) ([]byte, error) {
	switch f {
	case FormatCSV:
		out, err := CSV(job)
		return []byte(out), err
	case FormatJSON:
		out, err := JSON(job)
		return []byte(out), err
	case FormatXLSX:
		return XLSX(job)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, f)
	}
}

// CSV writes one row per result under CSVHeader. Fields holding commas, quotes
// or newlines are quoted and embedded quotes are doubled.
func CSV(job *models.BatchJob) (string, error) {
	var b strings.Builder
	w := csv.NewWriter(&b)

	if err := w.Write(CSVHeader); err != nil {
		return "", fmt.Errorf("write csv header: %w", err)
	}
	for _, r := range job.Results {
		row := []string{
			strconv.Itoa(r.PromptIndex),
			r.Prompt,
			r.Response,
			strconv.Itoa(r.Tokens),
			strconv.FormatInt(r.DurationMs, 10),
			strconv.FormatBool(r.Success),
			r.Error,
		}
		if err := w.Write(row); err != nil {
			return "", fmt.Errorf("write csv row %d: %w", r.PromptIndex, err)
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return "", fmt.Errorf("flush csv: %w", err)
	}
	return b.String(), nil
}

// JSON returns the full job record indented with two spaces.
func JSON(job *models.BatchJob) (string, error) {
	b, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode job: %w", err)
	}
	return string(b), nil
}

// ParseJSON decodes a JSON export and checks the job's invariants.
func ParseJSON(data []byte) (*models.BatchJob, error) {
	var job models.BatchJob
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	if job.Results == nil {
		job.Results = []models.BatchJobResult{}
	}
	if err := job.Validate(); err != nil {
		return nil, fmt.Errorf("invalid job: %w", err)
	}
	return &job, nil
}

var unsafeFilename = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Filename suggests a download name such as "my-batch-01HZX3Q4.csv".
func Filename(job *models.BatchJob, f Format) string {
	base := strings.Trim(unsafeFilename.ReplaceAllString(job.Name, "-"), "-")
	if base == "" {
		base = "batch"
	}
	if len(base) > 64 {
		base = base[:64]
	}
	id := job.ID
	if len(id) > 8 {
		id = id[:8]
	}
	return fmt.Sprintf("%s-%s.%s", base, id, f)
}
