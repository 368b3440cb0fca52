// Package normalizer turns the many payload shapes the generation upstream
// sends (webhook bodies, status answers, submission answers) into one
// canonical result. It never performs I/O.
package normalizer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/cuongbtq/genjob/internal/domain"
)

// Outcome is the normalized completion flag of a payload
type Outcome string

const (
	OutcomeProcessing Outcome = "processing"
	OutcomeSuccess    Outcome = "success"
	OutcomeFailure    Outcome = "failure"
)

// Normalized is everything extracted from one raw payload
type Normalized struct {
	JobID       string
	Outcome     Outcome
	Result      *domain.JobResult // set only when Outcome is OutcomeSuccess
	ErrorDetail string            // set only when Outcome is OutcomeFailure
}

// Decode parses a raw body into an untyped JSON value
func Decode(body []byte) (any, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty body", domain.ErrMalformedPayload)
	}

	var raw any
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedPayload, err)
	}

	switch raw.(type) {
	case map[string]any, []any:
		return raw, nil
	default:
		return nil, fmt.Errorf("%w: expected a JSON object", domain.ErrMalformedPayload)
	}
}

// Normalize extracts the job id, the outcome and, on success, the result of raw.
func Normalize(raw any) Normalized {
	resultScopes := collectScopes(raw, resultPaths)
	envelope := collectScopes(raw, envelopePaths)

	n := Normalized{
		JobID:   FindJobID(raw),
		Outcome: OutcomeProcessing,
	}

	stateValue, hasState := findString(resultScopes, stateKeys)
	state := ParseOutcome(stateValue)
	code, hasCode := findInt(envelope, codeKeys)
	result, hasAsset := extractResult(resultScopes)

	switch {
	case hasState && state == OutcomeFailure:
		n.Outcome = OutcomeFailure
	case hasCode && code != 200 && !hasAsset:
		n.Outcome = OutcomeFailure
	case !hasAsset:
		// A success flag without an asset url is not a usable success yet.
		n.Outcome = OutcomeProcessing
	case !hasState || state == OutcomeSuccess:
		n.Outcome = OutcomeSuccess
		n.Result = result
	}

	if n.Outcome == OutcomeFailure {
		n.ErrorDetail = failureDetail(envelope, resultScopes, stateValue, code, hasCode)
	}

	return n
}

// NormalizeResult returns the canonical result of raw, or false when no asset
// url is present, which is the normal shape of an in-progress job.
func NormalizeResult(raw any) (*domain.JobResult, bool) {
	return extractResult(collectScopes(raw, resultPaths))
}

// FindJobID locates the upstream task identifier in raw
func FindJobID(raw any) string {
	id, _ := findString(collectScopes(raw, envelopePaths), jobIDKeys)
	return id
}

// ParseOutcome maps an upstream status string onto an Outcome
func ParseOutcome(s string) Outcome {
	s = strings.ToLower(strings.TrimSpace(s))
	if _, ok := successStates[s]; ok {
		return OutcomeSuccess
	}
	if _, ok := failureStates[s]; ok {
		return OutcomeFailure
	}
	// Compound upstream codes such as CREATE_TASK_FAILED or SENSITIVE_WORD_ERROR.
	if i := strings.LastIndexAny(s, "_- "); i >= 0 {
		if _, ok := failureStates[s[i+1:]]; ok {
			return OutcomeFailure
		}
	}
	return OutcomeProcessing
}

func extractResult(scopes []map[string]any) (*domain.JobResult, bool) {
	assetURL, item := findStringWithScope(scopes, assetURLKeys)
	if assetURL == "" {
		return nil, false
	}

	// Metadata comes from the object that carried the asset url first, then
	// from any enclosing scope.
	ordered := make([]map[string]any, 0, len(scopes)+1)
	ordered = append(ordered, item)
	ordered = append(ordered, scopes...)

	result := &domain.JobResult{RemoteAssetURL: assetURL}
	result.StreamAssetURL, _ = findString(ordered, streamURLKeys)
	result.Title, _ = findString(ordered, titleKeys)
	result.CoverImageURL, _ = findString(ordered, coverKeys)
	result.LyricsOrPrompt, _ = findString(ordered, lyricsKeys)
	result.Tags, _ = findString(ordered, tagsKeys)
	result.DurationSeconds, _ = findFloat(ordered, durationKeys)
	return result, true
}

func failureDetail(envelope, scopes []map[string]any, state string, code int, hasCode bool) string {
	if msg, ok := findString(append(scopes, envelope...), errorDetailKeys); ok {
		return msg
	}
	if hasCode && code != 200 {
		return fmt.Sprintf("upstream reported code %d", code)
	}
	if state != "" {
		return "upstream reported status " + state
	}
	return "upstream reported failure"
}

// collectScopes resolves each path against raw and returns the objects found,
// in path order.
func collectScopes(raw any, paths [][]string) []map[string]any {
	var scopes []map[string]any
	for _, path := range paths {
		collect(raw, path, &scopes)
	}
	return scopes
}

func collect(v any, path []string, out *[]map[string]any) {
	switch t := v.(type) {
	case map[string]any:
		if len(path) == 0 {
			*out = append(*out, t)
			return
		}
		if child, ok := t[path[0]]; ok {
			collect(child, path[1:], out)
		}
	case []any:
		for _, elem := range t {
			collect(elem, path, out)
		}
	}
}

func findString(scopes []map[string]any, keys []string) (string, bool) {
	s, _ := findStringWithScope(scopes, keys)
	return s, s != ""
}

// findStringWithScope tries each key in priority order across all scopes and
// returns the first non-empty string together with the object holding it.
func findStringWithScope(scopes []map[string]any, keys []string) (string, map[string]any) {
	for _, key := range keys {
		for _, scope := range scopes {
			if s, ok := scope[key].(string); ok {
				if s = strings.TrimSpace(s); s != "" {
					return s, scope
				}
			}
		}
	}
	return "", nil
}

func findFloat(scopes []map[string]any, keys []string) (float64, bool) {
	for _, key := range keys {
		for _, scope := range scopes {
			switch v := scope[key].(type) {
			case float64:
				return v, true
			case json.Number:
				if f, err := v.Float64(); err == nil {
					return f, true
				}
			case string:
				if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
					return f, true
				}
			}
		}
	}
	return 0, false
}

func findInt(scopes []map[string]any, keys []string) (int, bool) {
	f, ok := findFloat(scopes, keys)
	return int(f), ok
}

// Envelope returns the API envelope code and message of raw, if present.
func Envelope(raw any) (code int, hasCode bool, msg string) {
	scopes := collectScopes(raw, envelopePaths)
	code, hasCode = findInt(scopes, codeKeys)
	msg, _ = findString(scopes, errorDetailKeys)
	return code, hasCode, msg
}
