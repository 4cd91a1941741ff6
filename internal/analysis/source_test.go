package analysis

import (
	"errors"
	"testing"
	"time"
)

func TestResolveNilSource(t *testing.T) {
	if _, err := Resolve(nil, time.Now()); !errors.Is(err, ErrNoInput) {
		t.Fatalf("expected ErrNoInput, got %v", err)
	}
}

func TestResolveEmptySources(t *testing.T) {
	for _, src := range []Source{Captured{}, Uploaded{Filename: "a.png"}} {
		_, err := Resolve(src, time.Now())
		if !errors.Is(err, ErrNoInput) {
			t.Fatalf("expected ErrNoInput for %T, got %v", src, err)
		}
		if !IsKind(err, KindNoInput) {
			t.Fatalf("expected no_input kind for %T", src)
		}
	}
}

func TestResolveCaptured(t *testing.T) {
	now := time.UnixMilli(1700000000123)
	payload, err := Resolve(Captured{DataURL: "data:image/jpeg;base64,aGVsbG8="}, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if payload.Filename != "capture_1700000000123.jpg" {
		t.Fatalf("unexpected filename: %s", payload.Filename)
	}
	if payload.ContentType != "image/jpeg" {
		t.Fatalf("unexpected content type: %s", payload.ContentType)
	}
	if string(payload.Data) != "hello" {
		t.Fatalf("unexpected data: %q", payload.Data)
	}
}

func TestResolveCapturedInvalid(t *testing.T) {
	_, err := Resolve(Captured{DataURL: "data:image/jpeg;base64,@@@"}, time.Now())
	if !IsKind(err, KindNoInput) {
		t.Fatalf("expected no_input kind, got %v", err)
	}

	_, err = Resolve(Captured{DataURL: "image/jpeg;base64,aGVsbG8="}, time.Now())
	if !IsKind(err, KindNoInput) {
		t.Fatalf("expected no_input kind for missing scheme, got %v", err)
	}
}

func TestResolveUploadedSniffsContentType(t *testing.T) {
	png := []byte("\x89PNG\r\n\x1a\n0000")
	payload, err := Resolve(Uploaded{Data: png}, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if payload.ContentType != "image/png" {
		t.Fatalf("expected sniffed image/png, got %s", payload.ContentType)
	}
	if payload.Filename != "upload" {
		t.Fatalf("expected default filename, got %s", payload.Filename)
	}
}
