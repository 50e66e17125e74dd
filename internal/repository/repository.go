package repository

import (
	"context"

	"gorm.io/gorm"
)

// Store: набор репозиториев, доступный как вне, так и внутри транзакции.
type Store interface {
	Stocks() StockRepo
	TccReservations() TccReservationRepo
	Flows() StockFlowRepo
	WithTx(ctx context.Context, fn func(tx Store) error) error
}

type Repository struct {
	DB           *gorm.DB
	stocks       StockRepo
	reservations TccReservationRepo
	flows        StockFlowRepo
}

func buildRepository(db *gorm.DB) *Repository {
	return &Repository{
		DB:           db,
		stocks:       NewStockRepo(db),
		reservations: NewTccReservationRepo(db),
		flows:        NewStockFlowRepo(db),
	}
}

func New(db *gorm.DB) *Repository { return buildRepository(db) }

func (r *Repository) Stocks() StockRepo                    { return r.stocks }
func (r *Repository) TccReservations() TccReservationRepo { return r.reservations }
func (r *Repository) Flows() StockFlowRepo                 { return r.flows }

// Глобальная транзакция на весь набор репо
func (r *Repository) WithTx(ctx context.Context, fn func(tx Store) error) error {
	return r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(buildRepository(tx))
	})
}
