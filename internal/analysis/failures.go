// Package analysis groups failed batch items by the shape of their error message.
package analysis

import (
	"crypto/sha256"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/kiranshivaraju/promptbatch/pkg/models"
)

// Normalization regexes compiled once at package init.
var (
	reDatetime   = regexp.MustCompile(`\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}(\.\d+)?(Z|[+-]\d{2}:\d{2})?`)
	reHexAddr    = regexp.MustCompile(`0x[0-9a-fA-F]+`)
	reUUID       = regexp.MustCompile(`(?i)[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}`)
	reULID       = regexp.MustCompile(`\b[0-9A-HJKMNP-TV-Z]{26}\b`)
	reDuration   = regexp.MustCompile(`\b\d+(\.\d+)?(ns|us|µs|ms|s|m|h)\b`)
	reBracketNum = regexp.MustCompile(`\[\d+\]`)
	reParenNum   = regexp.MustCompile(`\(\d+\)`)
	reWhitespace = regexp.MustCompile(`\s+`)
)

const (
	maxNormalizedBytes = 500
	maxSampleBytes     = 2000
)

// GroupFailures collects the failed results of a job into FailureGroups keyed by
// error fingerprint. Groups are sorted by Count DESC, then by the first prompt
// index they contain. Returns an empty slice (never nil) when nothing failed.
func GroupFailures(results []models.BatchJobResult) []models.FailureGroup {
	groups := make(map[string]*models.FailureGroup)
	order := make([]string, 0)

	for _, r := range results {
		if r.Success {
			continue
		}
		fp := Fingerprint(r.Error)
		g, ok := groups[fp]
		if !ok {
			g = &models.FailureGroup{
				Fingerprint:   fp,
				SampleError:   truncateString(r.Error, maxSampleBytes),
				PromptIndexes: []int{},
			}
			groups[fp] = g
			order = append(order, fp)
		}
		g.Count++
		g.PromptIndexes = append(g.PromptIndexes, r.PromptIndex)
	}

	out := make([]models.FailureGroup, 0, len(groups))
	for _, fp := range order {
		g := groups[fp]
		sort.Ints(g.PromptIndexes)
		out = append(out, *g)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].PromptIndexes[0] < out[j].PromptIndexes[0]
	})

	return out
}

// Fingerprint computes a stable SHA-256 fingerprint for an error message.
func Fingerprint(message string) string {
	normalized := NormalizeMessage(message)
	hash := sha256.Sum256([]byte(normalized))
	return fmt.Sprintf("%x", hash)
}

// NormalizeMessage strips the volatile parts of an error message (timestamps,
// ids, addresses, durations) so that repeats of the same failure compare equal.
func NormalizeMessage(msg string) string {
	msg = reDatetime.ReplaceAllString(msg, "")
	msg = reHexAddr.ReplaceAllString(msg, "0xADDR")
	msg = reUUID.ReplaceAllString(msg, "UUID")
	msg = reULID.ReplaceAllString(msg, "ULID")
	msg = reDuration.ReplaceAllString(msg, "DUR")
	msg = reBracketNum.ReplaceAllString(msg, "[N]")
	msg = reParenNum.ReplaceAllString(msg, "(N)")
	msg = reWhitespace.ReplaceAllString(msg, " ")
	msg = strings.ToLower(msg)
	msg = strings.TrimSpace(msg)
	msg = truncateString(msg, maxNormalizedBytes)
	return msg
}

// truncateString truncates s to maxBytes without splitting UTF-8 runes.
func truncateString(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	for maxBytes > 0 && !utf8.RuneStart(s[maxBytes]) {
		maxBytes--
	}
	return s[:maxBytes]
}
