package model

import (
	"fmt"
	"strings"
)

// ImageKind — поддерживаемый формат изображения.
type ImageKind string

const (
	// KindUnknown — сигнатура не распознана
	KindUnknown ImageKind = ""
	KindJPEG    ImageKind = "jpeg"
	KindPNG     ImageKind = "png"
	KindGIF     ImageKind = "gif"
	KindWEBP    ImageKind = "webp"
)

// MimeType возвращает MIME-тип формата.
func (k ImageKind) MimeType() string {
	switch k {
	case KindJPEG:
		return "image/jpeg"
	case KindPNG:
		return "image/png"
	case KindGIF:
		return "image/gif"
	case KindWEBP:
		return "image/webp"
	default:
		return ""
	}
}

// Extension возвращает расширение blob-а без точки.
func (k ImageKind) Extension() string {
	switch k {
	case KindJPEG:
		return "jpg"
	case KindPNG:
		return "png"
	case KindGIF:
		return "gif"
	case KindWEBP:
		return "webp"
	default:
		return ""
	}
}

// KindFromMimeType — обратное преобразование MimeType.
func KindFromMimeType(mime string) ImageKind {
	switch mime {
	case "image/jpeg":
		return KindJPEG
	case "image/png":
		return KindPNG
	case "image/gif":
		return KindGIF
	case "image/webp":
		return KindWEBP
	default:
		return KindUnknown
	}
}

// kindFromExtension — по расширению blob-а.
func kindFromExtension(ext string) ImageKind {
	switch ext {
	case "jpg":
		return KindJPEG
	case "png":
		return KindPNG
	case "gif":
		return KindGIF
	case "webp":
		return KindWEBP
	default:
		return KindUnknown
	}
}

// BlobName возвращает детерминированное имя blob-а: {fingerprint}.{ext}.
// Одинаковое содержимое всегда получает одно и то же имя.
func BlobName(fingerprint string, kind ImageKind) string {
	return fingerprint + "." + kind.Extension()
}

// ParseBlobName разбирает имя blob-а на отпечаток и формат.
// Используется при сверке содержимого хранилища с индексом.
func ParseBlobName(name string) (string, ImageKind, error) {
	fp, ext, ok := strings.Cut(name, ".")
	if !ok || !IsFingerprint(fp) {
		return "", KindUnknown, fmt.Errorf("некорректное имя blob: %q", name)
	}
	kind := kindFromExtension(ext)
	if kind == KindUnknown {
		return "", KindUnknown, fmt.Errorf("неизвестное расширение blob: %q", name)
	}
	return fp, kind, nil
}

// IsFingerprint проверяет формат отпечатка: 64 hex-символа в нижнем регистре.
func IsFingerprint(s string) bool {
	if len(s) != 64 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
