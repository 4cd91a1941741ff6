package analysis

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
)

const dataURIPrefix = "data:"

// DefaultImageMediaType is assumed for bare base64 overlays.
const DefaultImageMediaType = "image/png"

// RawResult is the wire shape returned by the inference service.
// The three metrics are pointers so a missing key can be told apart from zero.
type RawResult struct {
	Percent         *float64 `json:"percent"`
	TotalPixels     *int64   `json:"total_pixels"`
	CorrosionPixels *int64   `json:"corrosion_pixels"`
	IsolatedImage   string   `json:"isolated_image,omitempty"`
	CorrosionImage  string   `json:"corrosion_image,omitempty"`
	Confidence      *float64 `json:"confidence,omitempty"`
}

// Result is the normalized analysis outcome handed to callers.
type Result struct {
	CorrosionPercentage float64  `json:"corrosionPercentage"`
	TotalPixels         int64    `json:"totalPixels"`
	CorrosionPixels     int64    `json:"corrosionPixels"`
	IsolatedImage       string   `json:"isolatedImage,omitempty"`
	CorrosionImage      string   `json:"corrosionImage,omitempty"`
	Status              Status   `json:"status"`
	ConfidenceScore     *float64 `json:"confidenceScore,omitempty"`
}

// PixelsConsistent reports whether corrosion pixels do not exceed total pixels.
// Inconsistent results are passed through as returned by the service.
func (r *Result) PixelsConsistent() bool {
	return r.CorrosionPixels <= r.TotalPixels
}

// ParseRawResult decodes a success body. Bodies that are not a JSON object or
// lack any of the three metrics are rejected.
func ParseRawResult(body []byte) (*RawResult, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, errors.New("empty response body")
	}

	var raw RawResult
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		return nil, err
	}

	var missing []string
	if raw.Percent == nil {
		missing = append(missing, "percent")
	}
	if raw.TotalPixels == nil {
		missing = append(missing, "total_pixels")
	}
	if raw.CorrosionPixels == nil {
		missing = append(missing, "corrosion_pixels")
	}
	if len(missing) > 0 {
		return nil, errors.New("missing fields: " + strings.Join(missing, ", "))
	}
	return &raw, nil
}

// Normalize maps the wire shape to a Result. raw must have passed ParseRawResult.
func Normalize(raw *RawResult) *Result {
	res := &Result{
		CorrosionPercentage: *raw.Percent,
		TotalPixels:         *raw.TotalPixels,
		CorrosionPixels:     *raw.CorrosionPixels,
		IsolatedImage:       NormalizeImage(raw.IsolatedImage),
		CorrosionImage:      NormalizeImage(raw.CorrosionImage),
		ConfidenceScore:     raw.Confidence,
	}
	res.Status = DeriveStatus(res.CorrosionPercentage)
	return res
}

// NormalizeImage canonicalizes an overlay to a data URI. Values already
// carrying the data: scheme are returned unchanged; anything else is treated
// as bare base64 PNG. Empty input stays empty.
func NormalizeImage(value string) string {
	if value == "" {
		return ""
	}
	if strings.HasPrefix(value, dataURIPrefix) {
		return value
	}
	return dataURIPrefix + DefaultImageMediaType + ";base64," + value
}
