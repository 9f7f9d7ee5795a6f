package model

import "time"

// BlobInfo — сведения о blob-е в хранилище содержимого.
type BlobInfo struct {
	// Location — имя blob-а ({fingerprint}.{ext})
	Location string
	Size     int64
	ModTime  time.Time
}
