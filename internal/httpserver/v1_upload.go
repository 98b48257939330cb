package httpserver

import (
	"errors"
	"net/http"

	"chatcore-backend/internal/blob"
)

const defaultMaxUploadSize = 50 << 20

type uploadResponse struct {
	URL         string `json:"url"`
	Name        string `json:"name"`
	SizeBytes   int64  `json:"sizeBytes"`
	ContentType string `json:"contentType"`
	MediaKind   string `json:"mediaKind,omitempty"`
}

// handleUpload stores a multipart "file" part. The URL is returned only
// after the blob is durable, so it can be referenced by a message at once.
func (api *v1API) handleUpload(w http.ResponseWriter, r *http.Request) {
	if api.blobs == nil {
		writeAPIError(w, ErrCodeNotFound, "uploads are disabled")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, api.maxUploadSize+(1<<20))
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeAPIError(w, ErrCodePayloadTooLarge, "file too large")
			return
		}
		writeAPIError(w, ErrCodeValidation, "invalid multipart form")
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeAPIError(w, ErrCodeValidation, "file is required")
		return
	}
	defer file.Close()

	obj, err := api.blobs.Put(r.Context(), header.Filename, file)
	if err != nil {
		if errors.Is(err, blob.ErrTooLarge) {
			writeAPIError(w, ErrCodePayloadTooLarge, "file too large")
			return
		}
		api.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, uploadResponse{
		URL:         obj.URL,
		Name:        obj.Name,
		SizeBytes:   obj.SizeBytes,
		ContentType: obj.ContentType,
		MediaKind:   blob.MediaKind(obj.ContentType),
	})
}
