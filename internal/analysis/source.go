package analysis

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// SourceKind tells where an image came from.
type SourceKind string

const (
	SourceCaptured SourceKind = "captured"
	SourceUploaded SourceKind = "uploaded"
)

// Source is the image handed to the orchestrator: either a Captured frame or
// an Uploaded file. The set is closed.
type Source interface {
	Kind() SourceKind
	Name() string
	resolve(now time.Time) (*Payload, error)
}

// Payload is the resolved form of a Source, ready to be sent.
type Payload struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Captured is a camera frame encoded as a data URL.
type Captured struct {
	DataURL string
}

// Uploaded is a file picked by the user.
type Uploaded struct {
	Filename    string
	ContentType string
	Data        []byte
}

func (Captured) Kind() SourceKind { return SourceCaptured }
func (Uploaded) Kind() SourceKind { return SourceUploaded }

func (Captured) Name() string { return "capture" }

func (u Uploaded) Name() string {
	if u.Filename == "" {
		return "upload"
	}
	return u.Filename
}

func (c Captured) resolve(now time.Time) (*Payload, error) {
	if strings.TrimSpace(c.DataURL) == "" {
		return nil, ErrNoInput
	}
	mediaType, data, err := decodeDataURL(c.DataURL)
	if err != nil {
		return nil, &Error{Kind: KindNoInput, Op: "analysis.resolve_source", Message: "captured image is not a valid data URL", Err: err}
	}
	if len(data) == 0 {
		return nil, ErrNoInput
	}
	if mediaType == "" {
		mediaType = "image/jpeg"
	}
	return &Payload{
		Filename:    fmt.Sprintf("capture_%d%s", now.UnixMilli(), extensionFor(mediaType)),
		ContentType: mediaType,
		Data:        data,
	}, nil
}

func (u Uploaded) resolve(time.Time) (*Payload, error) {
	if len(u.Data) == 0 {
		return nil, ErrNoInput
	}
	contentType := strings.TrimSpace(u.ContentType)
	if contentType == "" {
		contentType = http.DetectContentType(u.Data)
	}
	return &Payload{Filename: u.Name(), ContentType: contentType, Data: u.Data}, nil
}

// Resolve turns a Source into its payload. A nil source yields ErrNoInput.
func Resolve(src Source, now time.Time) (*Payload, error) {
	if src == nil {
		return nil, ErrNoInput
	}
	return src.resolve(now)
}

// decodeDataURL parses data:[<mediatype>][;base64],<data>.
func decodeDataURL(raw string) (string, []byte, error) {
	if !strings.HasPrefix(raw, dataURIPrefix) {
		return "", nil, errors.New("missing data: scheme")
	}
	header, payload, ok := strings.Cut(raw[len(dataURIPrefix):], ",")
	if !ok {
		return "", nil, errors.New("missing comma separator")
	}

	isBase64 := false
	mediaType := header
	if strings.HasSuffix(header, ";base64") {
		isBase64 = true
		mediaType = strings.TrimSuffix(header, ";base64")
	}
	if i := strings.IndexByte(mediaType, ';'); i >= 0 {
		mediaType = mediaType[:i]
	}

	if isBase64 {
		data, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return "", nil, err
		}
		return mediaType, data, nil
	}
	decoded, err := url.PathUnescape(payload)
	if err != nil {
		return "", nil, err
	}
	return mediaType, []byte(decoded), nil
}

func extensionFor(mediaType string) string {
	switch mediaType {
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	case "image/bmp":
		return ".bmp"
	case "image/tiff":
		return ".tiff"
	default:
		return ".jpg"
	}
}
