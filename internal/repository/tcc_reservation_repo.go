package repository

import (
	"context"
	"errors"
	"time"

	"stock-service/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type TccReservationRepo interface {
	GetByKey(ctx context.Context, businessKey string) (*models.TccReservation, error)
	GetByKeyForUpdate(ctx context.Context, businessKey string) (*models.TccReservation, error)
	// Create возвращает ErrDuplicate, если запись с таким business_key уже есть.
	Create(ctx context.Context, r *models.TccReservation) error
	// InsertPlaceholder вставляет запись, если её ещё нет; false: запись уже существовала.
	InsertPlaceholder(ctx context.Context, r *models.TccReservation) (bool, error)
	// Transition меняет статус только из ожидаемого (CAS по status).
	Transition(ctx context.Context, businessKey string, from, to models.TccStatus, at time.Time) (bool, error)
	ListByXid(ctx context.Context, xid string) ([]models.TccReservation, error)
}

type tccReservationRepo struct{ db *gorm.DB }

func NewTccReservationRepo(db *gorm.DB) TccReservationRepo { return &tccReservationRepo{db: db} }

func (r *tccReservationRepo) GetByKey(ctx context.Context, businessKey string) (*models.TccReservation, error) {
	var rec models.TccReservation
	err := r.db.WithContext(ctx).First(&rec, "business_key = ?", businessKey).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *tccReservationRepo) GetByKeyForUpdate(ctx context.Context, businessKey string) (*models.TccReservation, error) {
	var rec models.TccReservation
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&rec, "business_key = ?", businessKey).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *tccReservationRepo) Create(ctx context.Context, rec *models.TccReservation) error {
	return translate(r.db.WithContext(ctx).Create(rec).Error)
}

func (r *tccReservationRepo) InsertPlaceholder(ctx context.Context, rec *models.TccReservation) (bool, error) {
	tx := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "business_key"}},
			DoNothing: true,
		}).
		Create(rec)
	if tx.Error != nil {
		return false, translate(tx.Error)
	}
	return tx.RowsAffected > 0, nil
}

func (r *tccReservationRepo) Transition(ctx context.Context, businessKey string, from, to models.TccStatus, at time.Time) (bool, error) {
	fields := map[string]any{
		"status":     to,
		"updated_at": at,
	}
	switch to {
	case models.TccConfirmed:
		fields["confirm_time"] = at
	case models.TccCancelled:
		fields["cancel_time"] = at
	}
	tx := r.db.WithContext(ctx).
		Model(&models.TccReservation{}).
		Where("business_key = ? AND status = ?", businessKey, from).
		Updates(fields)
	return tx.RowsAffected > 0, tx.Error
}

func (r *tccReservationRepo) ListByXid(ctx context.Context, xid string) ([]models.TccReservation, error) {
	var list []models.TccReservation
	err := r.db.WithContext(ctx).
		Where("xid = ?", xid).
		Order("created_at ASC").
		Find(&list).Error
	return list, err
}
