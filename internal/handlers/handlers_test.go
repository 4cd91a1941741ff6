package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/corrosion-check/internal/analysis"
	"github.com/example/corrosion-check/internal/auth"
	"github.com/example/corrosion-check/internal/health"
	"github.com/example/corrosion-check/internal/logging"
	"github.com/example/corrosion-check/internal/repository"
	"github.com/example/corrosion-check/internal/usecase"
)

const testJWTSecret = "test-secret"

var pngHeader = []byte("\x89PNG\r\n\x1a\n0000")

type stubService struct {
	mu          sync.Mutex
	analyzed    []analysis.Source
	analyzeErr  error
	result      *analysis.Result
	batchReport *usecase.BatchReport
	batchErr    error
	batchSrcs   []analysis.Source
	batchPolicy analysis.BatchPolicy
	stored      *usecase.StoredAnalysis
	storedErr   error
	inspector   string
}

func (s *stubService) AnalyzeImage(_ context.Context, inspectorID string, src analysis.Source) (string, *analysis.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inspector = inspectorID
	if src == nil {
		return "", nil, analysis.ErrNoInput
	}
	s.analyzed = append(s.analyzed, src)
	if s.analyzeErr != nil {
		return "", nil, s.analyzeErr
	}
	return "req-1", s.result, nil
}

func (s *stubService) AnalyzeBatch(_ context.Context, inspectorID string, srcs []analysis.Source, policy analysis.BatchPolicy) (*usecase.BatchReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inspector = inspectorID
	s.batchSrcs = srcs
	s.batchPolicy = policy
	return s.batchReport, s.batchErr
}

func (s *stubService) GetResult(_ context.Context, inspectorID, _ string) (*usecase.StoredAnalysis, error) {
	s.inspector = inspectorID
	return s.stored, s.storedErr
}

func (s *stubService) GetBatch(context.Context, string, string) ([]*usecase.StoredAnalysis, error) {
	return nil, nil
}

func (s *stubService) GetDuplicateReport(context.Context, string, string) (*usecase.DuplicateReport, error) {
	return &usecase.DuplicateReport{
		Request:    &repository.AnalysisRecord{RequestID: "req-1", SHA1Hash: "abc"},
		Duplicates: []*repository.AnalysisRecord{{RequestID: "req-0", CorrosionPercentage: 20}},
	}, nil
}

func (s *stubService) GetMetricsSummary(context.Context) (*usecase.MetricsSummary, error) {
	return &usecase.MetricsSummary{TotalAnalyses: 3, Approved: 1}, nil
}

type part struct {
	field       string
	filename    string
	contentType string
	data        []byte
}

func newTestRouter(t *testing.T, svc InspectionService, opts Options) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.MaxMultipartMemory = MaxUploadSize
	if err := RegisterRoutes(router, svc, auth.JWTMiddleware(auth.Config{Secret: testJWTSecret}), opts); err != nil {
		t.Fatalf("failed to register routes: %v", err)
	}
	return router
}

func doMultipart(t *testing.T, router *gin.Engine, path string, fields map[string]string, parts ...part) *httptest.ResponseRecorder {
	t.Helper()
	body, contentType := buildMultipartBody(t, fields, parts...)

	req := httptest.NewRequest(http.MethodPost, path, body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+buildTestToken(t, "inspector-1"))

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	return resp
}

func TestAnalyzeRejectsLargeUpload(t *testing.T) {
	svc := &stubService{}
	router := newTestRouter(t, svc, Options{})

	resp := doMultipart(t, router, "/analyze", nil, part{"file", "big.png", "image/png", bytes.Repeat([]byte("a"), MaxUploadSize+1)})

	if resp.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected status %d, got %d", http.StatusRequestEntityTooLarge, resp.Code)
	}
	if len(svc.analyzed) != 0 {
		t.Fatalf("oversized upload must not be analyzed")
	}
}

func TestAnalyzeRejectsUnsupportedContentType(t *testing.T) {
	svc := &stubService{}
	router := newTestRouter(t, svc, Options{})

	resp := doMultipart(t, router, "/analyze", nil, part{"file", "notes.txt", "text/plain", []byte("hello")})

	if resp.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("expected status %d, got %d", http.StatusUnsupportedMediaType, resp.Code)
	}
}

func TestAnalyzeWithoutImageIsBadRequest(t *testing.T) {
	router := newTestRouter(t, &stubService{}, Options{})

	resp := doMultipart(t, router, "/analyze", map[string]string{"note": "empty"})

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, resp.Code)
	}
	if !strings.Contains(resp.Body.String(), "no image") {
		t.Fatalf("expected readable message, got %s", resp.Body.String())
	}
}

func TestAnalyzeUploadReturnsResult(t *testing.T) {
	svc := &stubService{result: &analysis.Result{
		CorrosionPercentage: 12.3,
		TotalPixels:         1000,
		CorrosionPixels:     123,
		Status:              analysis.StatusInspection,
	}}
	router := newTestRouter(t, svc, Options{})

	resp := doMultipart(t, router, "/analyze", nil, part{"file", "plate.png", "application/octet-stream", pngHeader})

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}
	var body struct {
		RequestID string          `json:"request_id"`
		Result    analysis.Result `json:"result"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid body: %v", err)
	}
	if body.RequestID != "req-1" || body.Result.Status != analysis.StatusInspection {
		t.Fatalf("unexpected body: %+v", body)
	}

	uploaded, ok := svc.analyzed[0].(analysis.Uploaded)
	if !ok {
		t.Fatalf("expected uploaded source, got %T", svc.analyzed[0])
	}
	if uploaded.ContentType != "image/png" || uploaded.Filename != "plate.png" {
		t.Fatalf("unexpected upload: %+v", uploaded)
	}
	if svc.inspector != "inspector-1" {
		t.Fatalf("expected inspector from token, got %q", svc.inspector)
	}
}

func TestAnalyzeCapturedFrame(t *testing.T) {
	svc := &stubService{result: &analysis.Result{Status: analysis.StatusApproved}}
	router := newTestRouter(t, svc, Options{})

	resp := doMultipart(t, router, "/analyze", map[string]string{"captured": "data:image/jpeg;base64,/9j/4AAQ"})

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}
	if _, ok := svc.analyzed[0].(analysis.Captured); !ok {
		t.Fatalf("expected captured source, got %T", svc.analyzed[0])
	}
}

func TestAnalyzeMapsAnalysisErrors(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"rejection", &analysis.Error{Kind: analysis.KindRemoteRejection, Message: "analysis service rejected image", StatusCode: 500, Body: "internal error"}, http.StatusBadGateway},
		{"malformed", &analysis.Error{Kind: analysis.KindMalformedResponse, Message: "malformed"}, http.StatusBadGateway},
		{"timeout", &analysis.Error{Kind: analysis.KindTransport, Message: "request failed", Err: context.DeadlineExceeded}, http.StatusGatewayTimeout},
		{"refused", &analysis.Error{Kind: analysis.KindTransport, Message: "request failed", Err: errors.New("connection refused")}, http.StatusBadGateway},
		{"wrapped", logging.NewOperationError("usecase.analyze_image", "req", &analysis.Error{Kind: analysis.KindRemoteRejection, StatusCode: 503}), http.StatusBadGateway},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tc := range cases {
		svc := &stubService{analyzeErr: tc.err}
		router := newTestRouter(t, svc, Options{})
		resp := doMultipart(t, router, "/analyze", nil, part{"file", "a.png", "image/png", pngHeader})
		if resp.Code != tc.want {
			t.Fatalf("%s: expected %d, got %d", tc.name, tc.want, resp.Code)
		}
	}
}

func TestAnalyzeRequiresToken(t *testing.T) {
	router := newTestRouter(t, &stubService{}, Options{})

	req := httptest.NewRequest(http.MethodPost, "/analyze", nil)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.Code)
	}
}

func TestBatchRejectsTooManyFiles(t *testing.T) {
	svc := &stubService{}
	router := newTestRouter(t, svc, Options{MaxBatchFiles: 2})

	files := []part{
		{"files", "a.png", "image/png", pngHeader},
		{"files", "b.png", "image/png", pngHeader},
		{"files", "c.png", "image/png", pngHeader},
	}
	resp := doMultipart(t, router, "/analyze/batch", nil, files...)

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
	if svc.batchSrcs != nil {
		t.Fatalf("batch must not start")
	}
}

func TestBatchRejectsUnknownPolicy(t *testing.T) {
	router := newTestRouter(t, &stubService{}, Options{})

	resp := doMultipart(t, router, "/analyze/batch", map[string]string{"policy": "parallel"}, part{"files", "a.png", "image/png", pngHeader})

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
}

func TestBatchPassesFilesInOrder(t *testing.T) {
	svc := &stubService{batchReport: &usecase.BatchReport{BatchID: "batch-1", Total: 2, Succeeded: 2, Completed: true}}
	router := newTestRouter(t, svc, Options{})

	resp := doMultipart(t, router, "/analyze/batch", map[string]string{"policy": "continue"},
		part{"files", "first.png", "image/png", pngHeader},
		part{"files", "second.png", "image/png", pngHeader},
	)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}
	if svc.batchPolicy != analysis.ContinueOnError {
		t.Fatalf("unexpected policy %q", svc.batchPolicy)
	}
	if len(svc.batchSrcs) != 2 || svc.batchSrcs[0].Name() != "first.png" || svc.batchSrcs[1].Name() != "second.png" {
		t.Fatalf("unexpected sources: %+v", svc.batchSrcs)
	}
}

func TestBatchFailFastReturnsPartialReport(t *testing.T) {
	itemErr := &analysis.Error{Kind: analysis.KindRemoteRejection, Message: "analysis service rejected image", StatusCode: 500}
	svc := &stubService{
		batchReport: &usecase.BatchReport{BatchID: "batch-1", Total: 3, Succeeded: 1, Failed: 1},
		batchErr:    &analysis.BatchError{Index: 1, Name: "b.png", Err: itemErr},
	}
	router := newTestRouter(t, svc, Options{})

	resp := doMultipart(t, router, "/analyze/batch", nil,
		part{"files", "a.png", "image/png", pngHeader},
		part{"files", "b.png", "image/png", pngHeader},
		part{"files", "c.png", "image/png", pngHeader},
	)

	if resp.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", resp.Code)
	}
	var body struct {
		Error  string              `json:"error"`
		Report usecase.BatchReport `json:"report"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid body: %v", err)
	}
	if body.Report.Succeeded != 1 || body.Error == "" {
		t.Fatalf("unexpected body: %+v", body)
	}
}

func TestResultRoutes(t *testing.T) {
	svc := &stubService{storedErr: usecase.ErrResultPending}
	router := newTestRouter(t, svc, Options{})
	token := buildTestToken(t, "inspector-1")

	get := func(path string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.Header.Set("Authorization", "Bearer "+token)
		resp := httptest.NewRecorder()
		router.ServeHTTP(resp, req)
		return resp
	}

	if resp := get("/result/req-1"); resp.Code != http.StatusAccepted {
		t.Fatalf("expected 202 while pending, got %d", resp.Code)
	}

	svc.storedErr = logging.NewOperationError("repository.find_record", "req-1", gorm.ErrRecordNotFound)
	if resp := get("/result/req-1"); resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}

	resp := get("/result/req-1/duplicates")
	if resp.Code != http.StatusOK || !strings.Contains(resp.Body.String(), `"is_duplicate":true`) {
		t.Fatalf("unexpected duplicates response %d: %s", resp.Code, resp.Body.String())
	}
	if !strings.Contains(resp.Body.String(), `"status":"rejected"`) {
		t.Fatalf("expected derived status in duplicates: %s", resp.Body.String())
	}

	if resp := get("/batch/missing"); resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown batch, got %d", resp.Code)
	}

	if resp := get("/metrics"); resp.Code != http.StatusOK || !strings.Contains(resp.Body.String(), `"total_analyses":3`) {
		t.Fatalf("unexpected metrics response %d: %s", resp.Code, resp.Body.String())
	}
}

func TestHealthReportsDegradedDependencies(t *testing.T) {
	checker := health.NewChecker(time.Second, zap.NewNop()).
		Register("database", health.PingFunc(func(context.Context) error { return errors.New("down") }))
	router := newTestRouter(t, &stubService{}, Options{Health: checker})

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/health", nil))

	if resp.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.Code)
	}
}

func TestProxyForwardsToUpstream(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody []byte
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"percent":1,"total_pixels":10,"corrosion_pixels":0}`))
	}))
	defer upstream.Close()

	router := newTestRouter(t, &stubService{}, Options{InferenceUpstream: upstream.URL + "/analyze"})

	req := httptest.NewRequest(http.MethodPost, "/api/proxy/analyze", strings.NewReader("payload"))
	req.Header.Set("Authorization", "Bearer secret")
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}
	if gotPath != "/analyze" || string(gotBody) != "payload" || gotAuth != "" {
		t.Fatalf("unexpected upstream request path=%q body=%q auth=%q", gotPath, gotBody, gotAuth)
	}
	if !strings.Contains(resp.Body.String(), `"percent":1`) {
		t.Fatalf("unexpected proxied body: %s", resp.Body.String())
	}
}

func TestProxyWithoutUpstream(t *testing.T) {
	router := newTestRouter(t, &stubService{}, Options{})

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, httptest.NewRequest(http.MethodPost, "/api/proxy/analyze", strings.NewReader("x")))

	if resp.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.Code)
	}
}

func buildMultipartBody(t *testing.T, fields map[string]string, parts ...part) (*bytes.Buffer, string) {
	t.Helper()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	for key, value := range fields {
		if err := writer.WriteField(key, value); err != nil {
			t.Fatalf("failed to write field: %v", err)
		}
	}

	for _, p := range parts {
		header := make(textproto.MIMEHeader)
		header.Set("Content-Disposition", `form-data; name="`+p.field+`"; filename="`+p.filename+`"`)
		header.Set("Content-Type", p.contentType)

		w, err := writer.CreatePart(header)
		if err != nil {
			t.Fatalf("failed to create multipart part: %v", err)
		}
		if _, err := w.Write(p.data); err != nil {
			t.Fatalf("failed to write payload: %v", err)
		}
	}

	if err := writer.Close(); err != nil {
		t.Fatalf("failed to close writer: %v", err)
	}

	return body, writer.FormDataContentType()
}

func buildTestToken(t *testing.T, subject string) string {
	t.Helper()

	claims := jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}
