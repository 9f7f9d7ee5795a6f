// files.go — HTTP handlers файловых операций: загрузка, выдача,
// метаданные, удаление.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	openapi_types "github.com/oapi-codegen/runtime/types"

	apierrors "github.com/bigkaa/imagedrop/internal/api/errors"
	"github.com/bigkaa/imagedrop/internal/domain/model"
	"github.com/bigkaa/imagedrop/internal/service"
)

// Uploader — конвейер загрузки.
type Uploader interface {
	Upload(ctx context.Context, params service.UploadParams) (*service.UploadResult, *service.UploadError)
}

// FileProvider — доступ к сохранённым файлам по id.
type FileProvider interface {
	Open(ctx context.Context, id string) (*model.FileRecord, io.ReadCloser, *service.ServiceError)
	Metadata(ctx context.Context, id string) (*model.FileRecord, *service.ServiceError)
	Delete(ctx context.Context, id string) *service.ServiceError
}

// fileCacheControl — кэширование выдачи. Содержимое по id не меняется,
// но запись живёт ограниченное время.
const fileCacheControl = "public, max-age=3600"

// UploadResponse — ответ на загрузку.
type UploadResponse struct {
	FileID       openapi_types.UUID `json:"file_id"`
	URL          string             `json:"url"`
	Size         int64              `json:"size"`
	MimeType     string             `json:"mime_type"`
	ExpiresAt    time.Time          `json:"expires_at"`
	Deduplicated bool               `json:"deduplicated"`
}

// FileMetadata — метаданные файла. Отпечаток и имя blob-а наружу не отдаются.
type FileMetadata struct {
	FileID         openapi_types.UUID `json:"file_id"`
	OriginalName   string             `json:"original_name"`
	Size           int64              `json:"size"`
	MimeType       string             `json:"mime_type"`
	CreatedAt      time.Time          `json:"created_at"`
	ExpiresAt      time.Time          `json:"expires_at"`
	ReferenceCount int64              `json:"reference_count"`
}

// FilesHandler — обработчик файловых endpoints.
type FilesHandler struct {
	uploads   Uploader
	files     FileProvider
	publicURL string
	logger    *slog.Logger
}

// NewFilesHandler создаёт обработчик. publicURL — внешний адрес сервиса
// для ссылок в ответе на загрузку, пусто — относительные ссылки.
func NewFilesHandler(uploads Uploader, files FileProvider, publicURL string, logger *slog.Logger) *FilesHandler {
	return &FilesHandler{
		uploads:   uploads,
		files:     files,
		publicURL: publicURL,
		logger:    logger.With(slog.String("component", "files_handler")),
	}
}

// UploadFile обрабатывает POST /api/v1/files/upload.
// Файл — первая часть multipart с filename. Тело читается потоком,
// остальные части пропускаются.
func (h *FilesHandler) UploadFile(w http.ResponseWriter, r *http.Request) {
	mr, err := r.MultipartReader()
	if err != nil {
		apierrors.ValidationError(w, "Ожидается multipart/form-data")
		return
	}

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			apierrors.ValidationError(w, "В запросе нет части с файлом")
			return
		}
		if err != nil {
			apierrors.ValidationError(w, fmt.Sprintf("Ошибка разбора multipart: %s", err.Error()))
			return
		}

		if part.FileName() == "" {
			_, _ = io.Copy(io.Discard, part)
			_ = part.Close()
			continue
		}

		result, uerr := h.uploads.Upload(r.Context(), service.UploadParams{
			Reader:           part,
			OriginalFilename: part.FileName(),
		})
		_ = part.Close()
		if uerr != nil {
			apierrors.WriteError(w, uerr.StatusCode, uerr.Code, uerr.Message)
			return
		}

		status := http.StatusCreated
		if result.Deduplicated {
			status = http.StatusOK
		}
		writeJSON(w, status, h.uploadResponse(result))
		return
	}
}

// DownloadFile обрабатывает GET /api/v1/files/{file_id}.
// ETag — id записи: содержимое под id не меняется, а отпечаток
// наружу не выдаётся. If-None-Match с ним отвечает 304.
func (h *FilesHandler) DownloadFile(w http.ResponseWriter, r *http.Request) {
	rec, rc, serr := h.files.Open(r.Context(), chi.URLParam(r, "file_id"))
	if serr != nil {
		apierrors.WriteError(w, serr.StatusCode, serr.Code, serr.Message)
		return
	}
	defer rc.Close()

	etag := `"` + rec.ID + `"`
	hdr := w.Header()
	hdr.Set("ETag", etag)
	hdr.Set("Cache-Control", fileCacheControl)

	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	hdr.Set("Content-Type", rec.MimeType)
	hdr.Set("Content-Length", strconv.FormatInt(rec.Size, 10))
	hdr.Set("X-Content-Type-Options", "nosniff")
	// OriginalName уже очищен до [A-Za-z0-9._-]
	hdr.Set("Content-Disposition", fmt.Sprintf(`inline; filename="%s"`, rec.OriginalName))
	w.WriteHeader(http.StatusOK)

	if r.Method == http.MethodHead {
		return
	}
	if _, err := io.Copy(w, rc); err != nil {
		// Заголовки уже отправлены, остаётся только лог
		h.logger.Warn("Выдача файла прервана",
			slog.String("file_id", rec.ID),
			slog.String("error", err.Error()),
		)
	}
}

// GetFileMetadata обрабатывает GET /api/v1/files/{file_id}/metadata.
func (h *FilesHandler) GetFileMetadata(w http.ResponseWriter, r *http.Request) {
	rec, serr := h.files.Metadata(r.Context(), chi.URLParam(r, "file_id"))
	if serr != nil {
		apierrors.WriteError(w, serr.StatusCode, serr.Code, serr.Message)
		return
	}
	writeJSON(w, http.StatusOK, toFileMetadata(rec))
}

// DeleteFile обрабатывает DELETE /api/v1/files/{file_id}.
// Удаление безусловное: счётчик ссылок не учитывается.
func (h *FilesHandler) DeleteFile(w http.ResponseWriter, r *http.Request) {
	if serr := h.files.Delete(r.Context(), chi.URLParam(r, "file_id")); serr != nil {
		apierrors.WriteError(w, serr.StatusCode, serr.Code, serr.Message)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *FilesHandler) uploadResponse(result *service.UploadResult) UploadResponse {
	rec := result.Record
	return UploadResponse{
		FileID:       parseUUID(rec.ID),
		URL:          h.publicURL + "/api/v1/files/" + rec.ID,
		Size:         rec.Size,
		MimeType:     rec.MimeType,
		ExpiresAt:    rec.ExpiresAt,
		Deduplicated: result.Deduplicated,
	}
}

func toFileMetadata(rec *model.FileRecord) FileMetadata {
	return FileMetadata{
		FileID:         parseUUID(rec.ID),
		OriginalName:   rec.OriginalName,
		Size:           rec.Size,
		MimeType:       rec.MimeType,
		CreatedAt:      rec.CreatedAt,
		ExpiresAt:      rec.ExpiresAt,
		ReferenceCount: rec.ReferenceCount,
	}
}

// parseUUID — id записей всегда UUID, ошибка разбора невозможна.
func parseUUID(id string) openapi_types.UUID {
	var u openapi_types.UUID
	_ = u.UnmarshalText([]byte(id))
	return u
}
