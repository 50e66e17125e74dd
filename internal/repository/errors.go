package repository

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

var (
	ErrDuplicate      = errors.New("duplicate key")
	ErrCheckViolation = errors.New("check constraint violated")
)

const (
	pgUniqueViolation = "23505"
	pgCheckViolation  = "23514"
)

// translate приводит ошибки драйвера к ошибкам пакета; остальные возвращаются как есть.
func translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrDuplicate
	}
	if errors.Is(err, gorm.ErrCheckConstraintViolated) {
		return ErrCheckViolation
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			return ErrDuplicate
		case pgCheckViolation:
			return ErrCheckViolation
		}
	}
	return err
}
