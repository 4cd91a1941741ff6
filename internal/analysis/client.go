package analysis

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// FileField is the multipart field the inference service reads the image from.
const FileField = "file"

const (
	defaultTimeout   = 60 * time.Second
	maxResponseBytes = 64 << 20
)

// ClientConfig configures a Client.
type ClientConfig struct {
	// Endpoint is the absolute URL images are posted to.
	Endpoint string
	// Timeout bounds a single request. Zero means 60s. Ignored when HTTPClient is set.
	Timeout time.Duration
	// MaxInFlight bounds outstanding requests from this client. Zero means 1.
	MaxInFlight int64
	HTTPClient  *http.Client
}

// Client submits images to the inference service and normalizes its answers.
type Client struct {
	endpoint string
	http     *http.Client
	inflight *semaphore.Weighted
	logger   *zap.Logger
	now      func() time.Time
}

// NewClient validates cfg and builds a Client.
func NewClient(cfg ClientConfig, logger *zap.Logger) (*Client, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	u, err := url.Parse(endpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("analysis endpoint must be an absolute URL, got %q", cfg.Endpoint)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	maxInFlight := cfg.MaxInFlight
	if maxInFlight <= 0 {
		maxInFlight = 1
	}

	return &Client{
		endpoint: endpoint,
		http:     httpClient,
		inflight: semaphore.NewWeighted(maxInFlight),
		logger:   logger.Named("analysis_client"),
		now:      time.Now,
	}, nil
}

// Endpoint returns the URL images are posted to.
func (c *Client) Endpoint() string {
	return c.endpoint
}

// AnalyzeImage sends one image and returns the normalized result.
func (c *Client) AnalyzeImage(ctx context.Context, src Source) (*Result, error) {
	const op = "analysis.analyze_image"

	payload, err := Resolve(src, c.now())
	if err != nil {
		return nil, err
	}

	if err := c.inflight.Acquire(ctx, 1); err != nil {
		return nil, transportError(op, err)
	}
	defer c.inflight.Release(1)

	body, contentType, err := encodeMultipart(payload)
	if err != nil {
		return nil, fmt.Errorf("%s: build request body: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")

	logger := c.logger.With(
		zap.String("source", string(src.Kind())),
		zap.String("filename", payload.Filename),
		zap.Int("bytes", len(payload.Data)),
	)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		logger.Warn("analysis request failed", zap.Error(err))
		return nil, transportError(op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		logger.Warn("failed to read analysis response", zap.Error(err), zap.Int("status", resp.StatusCode))
		return nil, transportError(op, err)
	}
	latency := time.Since(start)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		rejected := rejectionError(op, resp.StatusCode, strings.TrimSpace(string(raw)))
		logger.Warn("analysis service rejected image", zap.Int("status", resp.StatusCode), zap.Duration("latency", latency))
		return nil, rejected
	}

	parsed, err := ParseRawResult(raw)
	if err != nil {
		logger.Warn("malformed analysis response", zap.Error(err), zap.Int("status", resp.StatusCode))
		return nil, malformedError(op, resp.StatusCode, err)
	}

	result := Normalize(parsed)
	if !result.PixelsConsistent() {
		logger.Warn("corrosion pixels exceed total pixels",
			zap.Int64("total_pixels", result.TotalPixels),
			zap.Int64("corrosion_pixels", result.CorrosionPixels))
	}
	logger.Info("image analyzed",
		zap.Float64("corrosion_percentage", result.CorrosionPercentage),
		zap.String("status", string(result.Status)),
		zap.Duration("latency", latency))
	return result, nil
}

// AnalyzeBatch analyzes srcs one at a time in input order.
func (c *Client) AnalyzeBatch(ctx context.Context, srcs []Source, opts BatchOptions) (*BatchResult, error) {
	return RunSequential(ctx, srcs, opts, func(ctx context.Context, _ int, src Source) (*Result, error) {
		return c.AnalyzeImage(ctx, src)
	})
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func encodeMultipart(p *Payload) (io.Reader, string, error) {
	if p == nil {
		return nil, "", errors.New("nil payload")
	}
	buf := &bytes.Buffer{}
	writer := multipart.NewWriter(buf)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`, FileField, quoteEscaper.Replace(p.Filename)))
	header.Set("Content-Type", p.ContentType)

	part, err := writer.CreatePart(header)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(p.Data); err != nil {
		return nil, "", err
	}
	if err := writer.Close(); err != nil {
		return nil, "", err
	}
	return buf, writer.FormDataContentType(), nil
}
