package api

import (
	"errors"
	"mime"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/fedquery/fedquery/internal/auth"
	"github.com/fedquery/fedquery/internal/storage"
)

// maxUploadBytes bounds one source file upload. Spreadsheets and parquet
// extracts are small; anything larger belongs in a proper database source.
const maxUploadBytes = 256 << 20

// handleUploadSourceFile stores the file backing an excel or parquet data
// source. The returned object key is what the source's connection config
// carries as object_key.
func handleUploadSourceFile(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Store == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "STORAGE_NOT_CONFIGURED", "object store is not configured", false, nil)
		return
	}
	tenantID, err := tenantFromRequest(r)
	if err != nil {
		writeError(r.Context(), w, http.StatusUnauthorized, "TENANT_REQUIRED", err.Error(), false, nil)
		return
	}
	if err := requireRole(r, auth.RoleAdmin); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(r.Context(), w, http.StatusRequestEntityTooLarge, "UPLOAD_TOO_LARGE", "source file exceeds the upload limit", false, nil)
			return
		}
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_UPLOAD", "invalid multipart upload", false, map[string]any{"details": err.Error()})
		return
	}

	projectID := strings.TrimSpace(r.FormValue("project_id"))
	alias := strings.TrimSpace(r.FormValue("alias"))
	if projectID == "" || alias == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "UPLOAD_SCOPE_REQUIRED", "project_id and alias form fields are required", false, nil)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "FILE_REQUIRED", "a 'file' form part is required", false, nil)
		return
	}
	defer func() { _ = file.Close() }()

	filename := filepath.Base(strings.TrimSpace(header.Filename))
	objectKey, err := storage.BuildSourceObjectKey(tenantID, projectID, alias, filename)
	if err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_UPLOAD", err.Error(), false, nil)
		return
	}

	info, err := deps.Store.Put(r.Context(), objectKey, file, header.Size, storage.PutOptions{
		ContentType: uploadContentType(header.Header.Get("Content-Type"), filename),
	})
	if err != nil {
		writeError(r.Context(), w, http.StatusBadGateway, "UPLOAD_FAILED", "failed to store source file", true, map[string]any{"details": err.Error()})
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"object_key": objectKey,
		"size":       info.Size,
	})
}

func uploadContentType(declared, filename string) string {
	declared = strings.TrimSpace(declared)
	if declared != "" {
		return declared
	}
	if byExt := mime.TypeByExtension(filepath.Ext(filename)); byExt != "" {
		return byExt
	}
	return "application/octet-stream"
}
