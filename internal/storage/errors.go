package storage

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind класс ошибки хранилища
type ErrorKind int

const (
	// Unavailable соединение или запись не удались
	Unavailable ErrorKind = iota
	// SchemaViolation запись или схема не соответствует таблицам
	SchemaViolation
)

func (k ErrorKind) String() string {
	switch k {
	case Unavailable:
		return "unavailable"
	case SchemaViolation:
		return "schema_violation"
	default:
		return "unknown"
	}
}

// StoreError ошибка операции хранилища
type StoreError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("storage %s (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// Timeout сообщает, что операция прервана по таймауту
func (e *StoreError) Timeout() bool {
	return errors.Is(e.Err, context.DeadlineExceeded)
}

func unavailable(op string, err error) error {
	return &StoreError{Kind: Unavailable, Op: op, Err: err}
}

func schemaViolation(op string, err error) error {
	return &StoreError{Kind: SchemaViolation, Op: op, Err: err}
}
