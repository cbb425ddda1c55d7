package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const maxSamplesPerRequest = 1000

// Equivalent input keys accepted for each sample field, in priority order.
var (
	regionKeys    = []string{"region", "zone"}
	timestampKeys = []string{"timestamp", "datetime", "time"}
	intensityKeys = []string{"intensity", "carbonIntensity", "carbon_intensity"}
)

type sampleInput struct {
	Region    string
	Timestamp time.Time
	Intensity float64
}

// parseSamples accepts either a JSON array of samples or {"samples": [...]}.
func parseSamples(raw json.RawMessage) ([]sampleInput, []fieldError) {
	var items []map[string]any
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, []fieldError{{Field: "body", Message: err.Error()}}
		}
	} else {
		var wrapper struct {
			Samples []map[string]any `json:"samples"`
		}
		if err := json.Unmarshal(trimmed, &wrapper); err != nil {
			return nil, []fieldError{{Field: "body", Message: err.Error()}}
		}
		items = wrapper.Samples
	}

	if len(items) == 0 {
		return nil, []fieldError{{Field: "samples", Message: "must contain at least one sample"}}
	}
	if len(items) > maxSamplesPerRequest {
		return nil, []fieldError{{Field: "samples", Message: fmt.Sprintf("at most %d samples per request", maxSamplesPerRequest)}}
	}

	out := make([]sampleInput, 0, len(items))
	var details []fieldError
	for i, item := range items {
		smp, errs := normalizeSample(item)
		for _, e := range errs {
			details = append(details, fieldError{Field: fmt.Sprintf("samples[%d].%s", i, e.Field), Message: e.Message})
		}
		if len(errs) == 0 {
			out = append(out, smp)
		}
	}
	return out, details
}

func normalizeSample(item map[string]any) (sampleInput, []fieldError) {
	var smp sampleInput
	var errs []fieldError

	region, _ := firstValue(item, regionKeys).(string)
	smp.Region = strings.TrimSpace(region)
	if smp.Region == "" {
		errs = append(errs, fieldError{Field: "region", Message: "is required"})
	}

	switch v := firstValue(item, timestampKeys).(type) {
	case string:
		ts, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			errs = append(errs, fieldError{Field: "timestamp", Message: "must be an RFC3339 timestamp"})
		}
		smp.Timestamp = ts.UTC()
	case nil:
		errs = append(errs, fieldError{Field: "timestamp", Message: "is required"})
	default:
		errs = append(errs, fieldError{Field: "timestamp", Message: "must be an RFC3339 timestamp"})
	}

	switch v := firstValue(item, intensityKeys).(type) {
	case float64:
		smp.Intensity = v
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fieldError{Field: "intensity", Message: "must be a number"})
		}
		smp.Intensity = f
	case nil:
		errs = append(errs, fieldError{Field: "intensity", Message: "is required"})
	default:
		errs = append(errs, fieldError{Field: "intensity", Message: "must be a number"})
	}
	if smp.Intensity < 0 {
		errs = append(errs, fieldError{Field: "intensity", Message: "must be non-negative"})
	}

	return smp, errs
}

func firstValue(item map[string]any, keys []string) any {
	for _, k := range keys {
		if v, ok := item[k]; ok && v != nil {
			return v
		}
	}
	return nil
}
