// Пакет model — доменные модели imagedrop.
// FileRecord — единая запись о сохранённом содержимом: используется
// и для дедупликации (по отпечатку), и для очистки по сроку хранения.
package model

import (
	"strings"
	"time"
)

// maxOriginalNameLen — максимальная длина отображаемого имени в байтах.
const maxOriginalNameLen = 255

// FileRecord — метаданные сохранённого содержимого.
// Формат совпадает с содержимым attr.json (файловый индекс)
// и со строкой таблицы files (PostgreSQL).
type FileRecord struct {
	// ID — внешний идентификатор (UUID v4)
	ID string `json:"id"`

	// Fingerprint — SHA-256 содержимого (64 hex-символа, нижний регистр).
	// Ключ дедупликации, наружу не отдаётся.
	Fingerprint string `json:"fingerprint"`

	// StorageLocation — имя blob-а в хранилище: {fingerprint}.{ext}
	StorageLocation string `json:"storage_location"`

	// OriginalName — очищенное имя файла из запроса
	OriginalName string `json:"original_name"`

	// Size — точный размер содержимого в байтах
	Size int64 `json:"size"`

	// MimeType — тип, определённый по сигнатуре содержимого
	MimeType string `json:"mime_type"`

	// CreatedAt — время первой загрузки (UTC)
	CreatedAt time.Time `json:"created_at"`

	// ExpiresAt — CreatedAt + срок хранения. Не меняется после создания.
	ExpiresAt time.Time `json:"expires_at"`

	// ReferenceCount — число загрузок этого содержимого.
	// Информационное поле: удаление его не учитывает.
	ReferenceCount int64 `json:"reference_count"`
}

// IsExpired проверяет, истёк ли срок хранения записи.
// Запись с ExpiresAt == now ещё считается живой.
func (r *FileRecord) IsExpired(now time.Time) bool {
	return r.ExpiresAt.Before(now)
}

// Kind возвращает тип изображения по MIME-типу записи.
func (r *FileRecord) Kind() ImageKind {
	return KindFromMimeType(r.MimeType)
}

// SanitizeName приводит имя файла из запроса к безопасному виду:
// всё кроме [A-Za-z0-9._-] заменяется на '_', длина ограничена 255 байтами.
// Пустое имя заменяется на "file".
func SanitizeName(name string) string {
	// Отбрасываем путь, который некоторые клиенты передают в filename
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}

	var b strings.Builder
	b.Grow(len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') ||
			(c >= '0' && c <= '9') || c == '.' || c == '_' || c == '-' {
			b.WriteByte(c)
		} else {
			b.WriteByte('_')
		}
	}

	result := b.String()
	if len(result) > maxOriginalNameLen {
		result = result[:maxOriginalNameLen]
	}
	if result == "" {
		return "file"
	}
	return result
}
