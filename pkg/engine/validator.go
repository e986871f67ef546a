// Copyright 2025 The Kestrel Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package engine

import (
	"fmt"
	"regexp"

	"github.com/kestrel-ai/kestrel/pkg/catalog"
)

// Validation issue severity.
const (
	LevelCritical = "critical"
	LevelHigh     = "high"
	LevelMedium   = "medium"
	LevelLow      = "low"
)

// Aggregate validation status.
const (
	ValidationPassed  = "passed"
	ValidationWarning = "warning"
	ValidationFailed  = "failed"
)

// ValidationIssue is a single finding from the result scan.
type ValidationIssue struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Level   string `json:"level"`
	Field   string `json:"field,omitempty"`
}

// ValidationResult aggregates the findings of one validate pass. It is
// advisory: the loop records it but never branches on it.
type ValidationResult struct {
	Status string            `json:"status"`
	Issues []ValidationIssue `json:"issues,omitempty"`
}

var sensitivePatterns = []struct {
	code    string
	pattern *regexp.Regexp
}{
	{"CARD_NUMBER", regexp.MustCompile(`\b\d{15,19}\b`)},
	{"ID_NUMBER", regexp.MustCompile(`\b\d{18}[\dXx]\b`)},
	{"EMAIL", regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)},
}

var maskPatterns = []struct {
	pattern     *regexp.Regexp
	replacement string
}{
	{regexp.MustCompile(`\b(\d{4})\d{8,12}(\d{4})\b`), "$1****$2"},
	{regexp.MustCompile(`\b(\d{6})\d{8}([\dXx]{4})\b`), "$1********$2"},
}

// Validate checks each successful result against its tool's declared
// output keys and scans string leaves for sensitive data, then replaces
// the payload with a sanitized copy. Callers must propagate the mutated
// results so downstream messages carry the masked copies.
func Validate(results []ToolResult, expected map[string][]string) ValidationResult {
	out := ValidationResult{Status: ValidationPassed}

	for i := range results {
		if !results[i].Success {
			continue
		}
		if keys, ok := expected[results[i].ToolName]; ok {
			checkShape(results[i], keys, &out.Issues)
		}
		scanValue(results[i].Result, results[i].ToolName, &out.Issues)
		results[i].Result = Sanitize(results[i].Result)
	}

	for _, issue := range out.Issues {
		switch issue.Level {
		case LevelCritical, LevelHigh:
			return ValidationResult{Status: ValidationFailed, Issues: out.Issues}
		}
	}
	if len(out.Issues) > 0 {
		out.Status = ValidationWarning
	}
	return out
}

// checkShape verifies a result carries every key its tool declares.
func checkShape(result ToolResult, keys []string, issues *[]ValidationIssue) {
	payload, ok := result.Result.(map[string]interface{})
	if !ok {
		*issues = append(*issues, ValidationIssue{
			Code:    "SHAPE_MISMATCH",
			Message: fmt.Sprintf("result of %s is not an object", result.ToolName),
			Level:   LevelHigh,
		})
		return
	}
	for _, key := range keys {
		if _, present := payload[key]; !present {
			*issues = append(*issues, ValidationIssue{
				Code:    "MISSING_KEY",
				Message: fmt.Sprintf("result of %s is missing declared key %q", result.ToolName, key),
				Level:   LevelHigh,
				Field:   key,
			})
		}
	}
}

// expectedOutputKeys collects the required output keys each tool
// declares in its output schema.
func expectedOutputKeys(tools map[string]*catalog.Tool) map[string][]string {
	expected := make(map[string][]string)
	for name, t := range tools {
		if keys := requiredKeys(t.OutputSchema); len(keys) > 0 {
			expected[name] = keys
		}
	}
	return expected
}

func requiredKeys(schema map[string]interface{}) []string {
	if schema == nil {
		return nil
	}
	switch raw := schema["required"].(type) {
	case []string:
		return raw
	case []interface{}:
		keys := make([]string, 0, len(raw))
		for _, r := range raw {
			if s, ok := r.(string); ok {
				keys = append(keys, s)
			}
		}
		return keys
	default:
		return nil
	}
}

// scanValue walks string leaves looking for sensitive patterns.
func scanValue(value interface{}, path string, issues *[]ValidationIssue) {
	switch v := value.(type) {
	case string:
		for _, p := range sensitivePatterns {
			if p.pattern.MatchString(v) {
				*issues = append(*issues, ValidationIssue{
					Code:    "SENSITIVE_DATA",
					Message: fmt.Sprintf("potential sensitive data (%s) at %s", p.code, path),
					Level:   LevelHigh,
					Field:   path,
				})
				break
			}
		}
	case map[string]interface{}:
		for key, inner := range v {
			scanValue(inner, path+"."+key, issues)
		}
	case []interface{}:
		for i, inner := range v {
			scanValue(inner, fmt.Sprintf("%s[%d]", path, i), issues)
		}
	}
}

// Sanitize returns a copy of the value with sensitive digit runs masked.
func Sanitize(value interface{}) interface{} {
	switch v := value.(type) {
	case string:
		masked := v
		for _, m := range maskPatterns {
			masked = m.pattern.ReplaceAllString(masked, m.replacement)
		}
		return masked
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for key, inner := range v {
			out[key] = Sanitize(inner)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, inner := range v {
			out[i] = Sanitize(inner)
		}
		return out
	default:
		return value
	}
}
