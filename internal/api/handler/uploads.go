package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/tabprep/internal/api/middleware"
	"github.com/kiranshivaraju/tabprep/internal/api/response"
	"github.com/kiranshivaraju/tabprep/internal/storage"
)

// Uploader stores raw dataset bytes.
type Uploader interface {
	Upload(ctx context.Context, p string, body io.Reader, size int64) error
}

type uploadResult struct {
	InputPath string `json:"input_path"`
	Filename  string `json:"filename"`
	SizeBytes int64  `json:"size_bytes"`
}

// NewUploadHandler returns an http.HandlerFunc for POST /api/v1/uploads.
// The multipart field "file" is stored under the tenant's raw prefix.
func NewUploadHandler(files Uploader, maxBytes int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := mw.GetTenantID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing tenant", nil)
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
		file, header, err := r.FormFile("file")
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				response.Error(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE",
					"Upload exceeds the size limit", map[string]any{"limit_bytes": tooLarge.Limit})
				return
			}
			badRequest(w, "multipart field \"file\" is required")
			return
		}
		defer file.Close()

		key := storage.RawPath(tenantID, uuid.New(), header.Filename)
		if err := files.Upload(r.Context(), key, file, header.Size); err != nil {
			writeError(w, r, err)
			return
		}
		slog.Info("dataset uploaded", "client_id", tenantID, "input_path", key, "size_bytes", header.Size)

		response.Created(w, uploadResult{
			InputPath: key,
			Filename:  header.Filename,
			SizeBytes: header.Size,
		})
	}
}
