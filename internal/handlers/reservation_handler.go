package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"stock-service/internal/dto"
	"stock-service/internal/models"
	"stock-service/internal/service"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type Reservations interface {
	Reserve(ctx context.Context, cmd service.ReserveCommand) (bool, error)
	Confirm(ctx context.Context, businessKey string) (bool, error)
	Release(ctx context.Context, businessKey string) (bool, error)
	Get(ctx context.Context, businessKey string) (*models.ReservationHold, error)
	ReservedQuantity(ctx context.Context, skuID, warehouseID string) (int64, error)
}

type ReservationHandler struct {
	reservations Reservations
	log          *zap.Logger
}

func NewReservationHandler(reservations Reservations, log *zap.Logger) *ReservationHandler {
	return &ReservationHandler{reservations: reservations, log: log}
}

// @Router /api/v1/reservations [post]
func (h *ReservationHandler) Reserve(c *gin.Context) {
	var req dto.ReserveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, h.log, "reserve", err)
		return
	}
	ok, err := h.reservations.Reserve(c.Request.Context(), service.ReserveCommand{
		SkuID:       req.SkuID,
		WarehouseID: req.WarehouseID,
		Quantity:    req.Quantity,
		BusinessKey: req.BusinessKey,
		TTL:         time.Duration(req.TTLSeconds) * time.Second,
		Requester:   req.Requester,
	})
	if err != nil {
		writeError(c, h.log, "reserve", err)
		return
	}
	c.JSON(http.StatusOK, dto.SuccessResponse{Success: ok})
}

// Confirm отвечает success=false, если резерва уже нет: это ожидаемая гонка с истечением TTL.
// @Router /api/v1/reservations/{key}/confirm [post]
func (h *ReservationHandler) Confirm(c *gin.Context) {
	ok, err := h.reservations.Confirm(c.Request.Context(), c.Param("key"))
	if err != nil {
		writeError(c, h.log, "confirm", err)
		return
	}
	c.JSON(http.StatusOK, dto.SuccessResponse{Success: ok})
}

// @Router /api/v1/reservations/{key}/release [post]
func (h *ReservationHandler) Release(c *gin.Context) {
	ok, err := h.reservations.Release(c.Request.Context(), c.Param("key"))
	if err != nil {
		writeError(c, h.log, "release", err)
		return
	}
	c.JSON(http.StatusOK, dto.SuccessResponse{Success: ok})
}

// @Router /api/v1/reservations/{key} [get]
func (h *ReservationHandler) Exists(c *gin.Context) {
	key := c.Param("key")
	hold, err := h.reservations.Get(c.Request.Context(), key)
	if err != nil && !errors.Is(err, service.ErrReservationNotFound) {
		writeError(c, h.log, "exists", err)
		return
	}
	resp := dto.ExistsResponse{BusinessKey: key, Exists: hold != nil}
	if hold != nil {
		resp.Hold = &dto.ReservationHold{
			SkuID:       hold.SkuID,
			WarehouseID: hold.WarehouseID,
			Quantity:    hold.Quantity,
			Requester:   hold.Requester,
			CreatedAt:   hold.CreatedAt,
			ExpiresAt:   hold.ExpiresAt,
		}
	}
	c.JSON(http.StatusOK, resp)
}

// @Router /api/v1/reservations/reserved-quantity [get]
func (h *ReservationHandler) ReservedQuantity(c *gin.Context) {
	sku := c.Query("skuId")
	if sku == "" {
		c.JSON(http.StatusBadRequest, dto.NewValidationError("skuId is required", []dto.FieldError{
			{Field: "skuId", Message: "required", Tag: "required"},
		}))
		return
	}
	wh := c.Query("warehouseId")
	n, err := h.reservations.ReservedQuantity(c.Request.Context(), sku, wh)
	if err != nil {
		writeError(c, h.log, "reserved_quantity", err)
		return
	}
	c.JSON(http.StatusOK, dto.ReservedQuantityResponse{SkuID: sku, WarehouseID: wh, Reserved: n})
}
