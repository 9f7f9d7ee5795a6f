// Пакет wal — файловый журнал намерений для операций, которые
// затрагивают и хранилище содержимого, и индекс метаданных.
// Каждая транзакция — отдельный файл {tx_id}.wal.json в IMG_WAL_DIR.
// Незавершённые транзакции разбираются при старте сервиса.
package wal

import (
	"time"
)

// OperationType — тип операции, записываемой в WAL.
type OperationType string

const (
	// OpFileCreate — публикация нового blob-а и вставка записи
	OpFileCreate OperationType = "file_create"
	// OpFileDelete — удаление blob-а и записи по id
	OpFileDelete OperationType = "file_delete"
)

// TransactionStatus — статус транзакции WAL.
type TransactionStatus string

const (
	StatusPending    TransactionStatus = "pending"
	StatusCommitted  TransactionStatus = "committed"
	StatusRolledBack TransactionStatus = "rolled_back"
)

// FileRef — на что направлена операция. Заполняется тем, что
// известно на момент начала транзакции.
type FileRef struct {
	// FileID — id записи (для create — сгенерированный заранее)
	FileID string `json:"file_id,omitempty"`

	// Fingerprint — SHA-256 содержимого
	Fingerprint string `json:"fingerprint,omitempty"`

	// StorageLocation — имя blob-а в хранилище
	StorageLocation string `json:"storage_location,omitempty"`

	// StagingPath — staging-файл загрузки (только для create)
	StagingPath string `json:"staging_path,omitempty"`
}

// Entry — запись WAL. Хранится как JSON-файл {tx_id}.wal.json.
type Entry struct {
	TransactionID string            `json:"transaction_id"`
	Operation     OperationType     `json:"operation"`
	Status        TransactionStatus `json:"status"`

	FileRef

	StartedAt time.Time `json:"started_at"`

	// CompletedAt — nil для pending транзакций
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

const walSuffix = ".wal.json"

// walFileName возвращает имя файла WAL для данной транзакции.
func walFileName(txID string) string {
	return txID + walSuffix
}
