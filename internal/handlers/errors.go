package handlers

import (
	"errors"
	"net/http"

	"stock-service/internal/dto"
	"stock-service/internal/service"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// writeError переводит ошибку сервиса в HTTP-ответ. Внутренние ошибки клиенту не раскрываются.
func writeError(c *gin.Context, log *zap.Logger, op string, err error) {
	var insufficient *service.InsufficientStockError
	switch {
	case errors.As(err, &insufficient):
		log.Info("insufficient stock",
			zap.String("op", op),
			zap.String("sku_id", insufficient.SkuID),
			zap.Int64("requested", insufficient.Requested),
			zap.Int64("available", insufficient.Available),
		)
		c.JSON(http.StatusConflict, dto.NewInsufficientStockError(
			insufficient.Error(), insufficient.SkuID, insufficient.WarehouseID,
			insufficient.Requested, insufficient.Available,
		))
	case errors.Is(err, service.ErrSystemBusy), errors.Is(err, service.ErrLockUnavailable):
		log.Warn("system busy", zap.String("op", op), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, dto.NewSystemBusyError())
	case errors.Is(err, service.ErrInvalidQuantity),
		errors.Is(err, service.ErrInvalidTransfer),
		errors.Is(err, service.ErrInvalidArgument),
		errors.Is(err, service.ErrUnknownAdjust):
		c.JSON(http.StatusBadRequest, dto.NewValidationError(err.Error(), []dto.FieldError{}))
	case errors.Is(err, service.ErrStockNotFound):
		c.JSON(http.StatusNotFound, dto.NewNotFoundError("stock record not found"))
	case errors.Is(err, service.ErrReservationNotFound):
		c.JSON(http.StatusNotFound, dto.NewNotFoundError("reservation not found"))
	case errors.Is(err, service.ErrTccAlreadyCancelled):
		c.JSON(http.StatusConflict, dto.NewConflictError("branch already cancelled"))
	default:
		log.Error("internal error", zap.String("op", op), zap.Error(err))
		c.JSON(http.StatusInternalServerError, dto.NewInternalError())
	}
}

func badRequest(c *gin.Context, log *zap.Logger, op string, err error) {
	log.Warn("invalid request", zap.String("op", op), zap.Error(err))
	c.JSON(http.StatusBadRequest, dto.NewValidationError("invalid request body", []dto.FieldError{}))
}
