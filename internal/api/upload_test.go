package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/fedquery/fedquery/internal/storage"
)

// recordingStore captures the Put call the upload handler makes.
type recordingStore struct {
	putKey         string
	putContentType string
	putBody        []byte
	putErr         error
}

func (s *recordingStore) Put(_ context.Context, key string, body io.Reader, _ int64, opts storage.PutOptions) (storage.ObjectInfo, error) {
	if s.putErr != nil {
		return storage.ObjectInfo{}, s.putErr
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return storage.ObjectInfo{}, err
	}
	s.putKey = key
	s.putContentType = opts.ContentType
	s.putBody = data
	return storage.ObjectInfo{Key: key, Size: int64(len(data))}, nil
}

func (s *recordingStore) Get(_ context.Context, key string) (io.ReadCloser, error) {
	if key != s.putKey {
		return nil, storage.ErrObjectNotFound
	}
	return io.NopCloser(bytes.NewReader(s.putBody)), nil
}

func multipartUpload(t *testing.T, fields map[string]string, filename string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	for name, value := range fields {
		if err := writer.WriteField(name, value); err != nil {
			t.Fatalf("WriteField(%q) error = %v", name, err)
		}
	}
	if filename != "" {
		part, err := writer.CreateFormFile("file", filename)
		if err != nil {
			t.Fatalf("CreateFormFile() error = %v", err)
		}
		if _, err := part.Write(content); err != nil {
			t.Fatalf("part.Write() error = %v", err)
		}
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("writer.Close() error = %v", err)
	}
	return &buf, writer.FormDataContentType()
}

func TestUploadSourceFileStoresObject(t *testing.T) {
	cfg := loadTestConfig(t, nil)
	store := &recordingStore{}
	h := NewHandler(cfg, Dependencies{Engine: &stubEngine{initialized: true}, Store: store})

	body, contentType := multipartUpload(t,
		map[string]string{"project_id": "p1", "alias": "sales"},
		"sales-2026.parquet", []byte("PAR1fake"))
	req := httptest.NewRequest(http.MethodPost, "/v1/sources/upload", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("X-Tenant-ID", "t1")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}

	var response struct {
		ObjectKey string `json:"object_key"`
		Size      int64  `json:"size"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
		t.Fatalf("json decode failed: %v", err)
	}
	if response.ObjectKey != store.putKey {
		t.Fatalf("object_key = %q, store saw %q", response.ObjectKey, store.putKey)
	}
	if !strings.Contains(store.putKey, "t1/p1/sources/sales/") {
		t.Fatalf("stored key = %q, want tenant scoped path", store.putKey)
	}
	if response.Size != int64(len("PAR1fake")) {
		t.Fatalf("size = %d", response.Size)
	}
	if store.putContentType == "" {
		t.Fatal("expected a content type on the stored object")
	}
}

func TestUploadSourceFileRequiresFilePart(t *testing.T) {
	cfg := loadTestConfig(t, nil)
	h := NewHandler(cfg, Dependencies{Engine: &stubEngine{initialized: true}, Store: &recordingStore{}})

	body, contentType := multipartUpload(t,
		map[string]string{"project_id": "p1", "alias": "sales"}, "", nil)
	req := httptest.NewRequest(http.MethodPost, "/v1/sources/upload", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("X-Tenant-ID", "t1")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 when file part is absent", rr.Code)
	}
}

func TestUploadSourceFileRejectsMissingScope(t *testing.T) {
	cfg := loadTestConfig(t, nil)
	h := NewHandler(cfg, Dependencies{Engine: &stubEngine{initialized: true}, Store: &recordingStore{}})

	body, contentType := multipartUpload(t,
		map[string]string{"project_id": "p1"},
		"rows.parquet", []byte("x"))
	req := httptest.NewRequest(http.MethodPost, "/v1/sources/upload", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("X-Tenant-ID", "t1")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 when alias is absent", rr.Code)
	}
}

func TestUploadSourceFileWithoutStoreConfigured(t *testing.T) {
	cfg := loadTestConfig(t, nil)
	h := NewHandler(cfg, Dependencies{Engine: &stubEngine{initialized: true}})

	body, contentType := multipartUpload(t,
		map[string]string{"project_id": "p1", "alias": "sales"},
		"rows.parquet", []byte("x"))
	req := httptest.NewRequest(http.MethodPost, "/v1/sources/upload", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("X-Tenant-ID", "t1")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotImplemented {
		t.Fatalf("status = %d, want 501 without an object store", rr.Code)
	}
}

func TestUploadSourceFileStoreFailureIsRetryable(t *testing.T) {
	cfg := loadTestConfig(t, nil)
	store := &recordingStore{putErr: errors.New("connection refused")}
	h := NewHandler(cfg, Dependencies{Engine: &stubEngine{initialized: true}, Store: store})

	body, contentType := multipartUpload(t,
		map[string]string{"project_id": "p1", "alias": "sales"},
		"rows.parquet", []byte("x"))
	req := httptest.NewRequest(http.MethodPost, "/v1/sources/upload", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("X-Tenant-ID", "t1")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502 on store failure", rr.Code)
	}
	var response struct {
		ErrorCode string `json:"error_code"`
		Retryable bool   `json:"retryable"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
		t.Fatalf("json decode failed: %v", err)
	}
	if response.ErrorCode != "UPLOAD_FAILED" || !response.Retryable {
		t.Fatalf("error envelope = %+v", response)
	}
}
