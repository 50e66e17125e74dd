package handlers

import (
	"context"
	"net/http"

	"stock-service/internal/dto"
	"stock-service/internal/models"
	"stock-service/internal/service"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type TccBranches interface {
	TryReserve(ctx context.Context, cmd service.TccCommand) (bool, error)
	ConfirmReserve(ctx context.Context, cmd service.TccCommand) (bool, error)
	CancelReserve(ctx context.Context, cmd service.TccCommand) (bool, error)
	Branches(ctx context.Context, xid string) ([]models.TccReservation, error)
}

// TccHandler: обратные вызовы менеджера распределённых транзакций.
// success=false для confirm/cancel означает отказ ветки, а не сбой: повторять такой вызов бессмысленно.
type TccHandler struct {
	branches TccBranches
	log      *zap.Logger
}

func NewTccHandler(branches TccBranches, log *zap.Logger) *TccHandler {
	return &TccHandler{branches: branches, log: log}
}

func (h *TccHandler) bind(c *gin.Context, op string) (service.TccCommand, bool) {
	var req dto.TccRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, h.log, op, err)
		return service.TccCommand{}, false
	}
	return service.TccCommand{
		BusinessKey: req.BusinessKey,
		SkuID:       req.SkuID,
		WarehouseID: req.WarehouseID,
		Quantity:    req.Quantity,
		Xid:         req.Xid,
		BranchID:    req.BranchID,
	}, true
}

func (h *TccHandler) handle(c *gin.Context, op string, fn func(context.Context, service.TccCommand) (bool, error)) {
	cmd, ok := h.bind(c, op)
	if !ok {
		return
	}
	success, err := fn(c.Request.Context(), cmd)
	if err != nil {
		writeError(c, h.log, op, err)
		return
	}
	h.log.Debug("tcc branch callback",
		zap.String("op", op),
		zap.String("business_key", cmd.BusinessKey),
		zap.String("xid", cmd.Xid),
		zap.Bool("success", success),
	)
	c.JSON(http.StatusOK, dto.SuccessResponse{Success: success})
}

// @Router /api/v1/tcc/try [post]
func (h *TccHandler) Try(c *gin.Context) { h.handle(c, "tcc_try", h.branches.TryReserve) }

// @Router /api/v1/tcc/confirm [post]
func (h *TccHandler) Confirm(c *gin.Context) { h.handle(c, "tcc_confirm", h.branches.ConfirmReserve) }

// @Router /api/v1/tcc/cancel [post]
func (h *TccHandler) Cancel(c *gin.Context) { h.handle(c, "tcc_cancel", h.branches.CancelReserve) }

// Branches отдаёт состояние веток глобальной транзакции, для разбора зависших xid.
// @Router /api/v1/tcc/branches/{xid} [get]
func (h *TccHandler) Branches(c *gin.Context) {
	list, err := h.branches.Branches(c.Request.Context(), c.Param("xid"))
	if err != nil {
		writeError(c, h.log, "tcc_branches", err)
		return
	}
	out := make([]dto.TccBranchResponse, 0, len(list))
	for _, b := range list {
		out = append(out, dto.TccBranchResponse{
			BusinessKey: b.BusinessKey,
			SkuID:       b.SkuID,
			WarehouseID: b.WarehouseID,
			Quantity:    b.Quantity,
			Xid:         b.Xid,
			BranchID:    b.BranchID,
			Status:      string(b.Status),
			TryTime:     b.TryTime,
			ConfirmTime: b.ConfirmTime,
			CancelTime:  b.CancelTime,
		})
	}
	c.JSON(http.StatusOK, gin.H{"items": out})
}
