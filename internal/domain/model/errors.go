package model

import "errors"

var (
	// ErrRecordNotFound — запись отсутствует в индексе метаданных.
	ErrRecordNotFound = errors.New("запись не найдена")

	// ErrFingerprintExists — запись с таким отпечатком уже есть.
	// Возвращается Insert при проигранной гонке за уникальность.
	ErrFingerprintExists = errors.New("запись с таким отпечатком уже существует")

	// ErrBlobNotFound — blob отсутствует в хранилище содержимого.
	ErrBlobNotFound = errors.New("blob не найден")
)
