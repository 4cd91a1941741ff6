package handlers

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/example/corrosion-check/internal/analysis"
)

const (
	// MaxUploadSize is the largest accepted image.
	MaxUploadSize = 10 << 20
	// DefaultMaxBatchFiles caps the number of files in one batch request.
	DefaultMaxBatchFiles = 10

	multipartOverhead = 1 << 20

	capturedField = "captured"
	batchField    = "files"
)

var allowedContentTypes = map[string]struct{}{
	"image/jpeg": {},
	"image/png":  {},
	"image/bmp":  {},
	"image/tiff": {},
	"image/webp": {},
}

var (
	errUploadTooLarge   = fmt.Errorf("image exceeds %d MiB", MaxUploadSize>>20)
	errUnsupportedImage = errors.New("unsupported image type, expected jpeg, png, bmp, tiff or webp")
)

// singleSource reads either the uploaded file or the captured frame. A nil
// source with a nil error means the request carried neither.
func singleSource(c *gin.Context) (analysis.Source, int, error) {
	file, err := c.FormFile(analysis.FileField)
	switch {
	case err == nil:
		src, err := readUpload(file)
		if err != nil {
			return nil, uploadStatus(err), err
		}
		return src, http.StatusOK, nil
	case isBodyTooLarge(err):
		return nil, http.StatusRequestEntityTooLarge, errUploadTooLarge
	case !errors.Is(err, http.ErrMissingFile) && !errors.Is(err, http.ErrNotMultipart):
		return nil, http.StatusBadRequest, fmt.Errorf("invalid upload: %w", err)
	}

	if captured := strings.TrimSpace(c.PostForm(capturedField)); captured != "" {
		return analysis.Captured{DataURL: captured}, http.StatusOK, nil
	}
	return nil, http.StatusOK, nil
}

func batchSources(c *gin.Context, maxFiles int) ([]analysis.Source, int, error) {
	form, err := c.MultipartForm()
	if err != nil {
		if isBodyTooLarge(err) {
			return nil, http.StatusRequestEntityTooLarge, errUploadTooLarge
		}
		return nil, http.StatusBadRequest, errors.New("multipart form with files is required")
	}

	files := form.File[batchField]
	if len(files) == 0 {
		return nil, http.StatusBadRequest, analysis.ErrNoInput
	}
	if len(files) > maxFiles {
		return nil, http.StatusBadRequest, fmt.Errorf("at most %d files per batch, got %d", maxFiles, len(files))
	}

	srcs := make([]analysis.Source, 0, len(files))
	for _, file := range files {
		src, err := readUpload(file)
		if err != nil {
			return nil, uploadStatus(err), fmt.Errorf("%s: %w", file.Filename, err)
		}
		srcs = append(srcs, src)
	}
	return srcs, http.StatusOK, nil
}

func readUpload(file *multipart.FileHeader) (analysis.Source, error) {
	if file.Size > MaxUploadSize {
		return nil, errUploadTooLarge
	}

	f, err := file.Open()
	if err != nil {
		return nil, fmt.Errorf("unable to open image: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, MaxUploadSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read image: %w", err)
	}
	if len(data) > MaxUploadSize {
		return nil, errUploadTooLarge
	}

	contentType := uploadContentType(file.Header.Get("Content-Type"), data)
	if _, ok := allowedContentTypes[contentType]; !ok {
		return nil, errUnsupportedImage
	}

	return analysis.Uploaded{
		Filename:    file.Filename,
		ContentType: contentType,
		Data:        data,
	}, nil
}

// uploadContentType trusts a declared image type and sniffs anything generic.
func uploadContentType(declared string, data []byte) string {
	mediaType, _, err := mime.ParseMediaType(declared)
	if err == nil && mediaType != "application/octet-stream" {
		return strings.ToLower(mediaType)
	}
	sniffed, _, _ := mime.ParseMediaType(http.DetectContentType(data))
	return sniffed
}

func uploadStatus(err error) int {
	switch {
	case errors.Is(err, errUploadTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, errUnsupportedImage):
		return http.StatusUnsupportedMediaType
	default:
		return http.StatusBadRequest
	}
}

func isBodyTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr) || strings.Contains(err.Error(), "request body too large")
}
