package handlers

import (
	"context"
	"net/http"
	"strconv"

	"stock-service/internal/dto"
	"stock-service/internal/models"
	"stock-service/internal/repository"
	"stock-service/internal/service"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type StockFacade interface {
	Adjust(ctx context.Context, cmd service.AdjustCommand) (*service.StockView, error)
	Transfer(ctx context.Context, cmd service.TransferCommand) (*service.TransferResult, error)
	Query(ctx context.Context, skuID, warehouseID string) (*service.StockView, error)
	BatchQuery(ctx context.Context, skuIDs []string, warehouseID string) ([]service.StockView, error)
	Stats(ctx context.Context, warehouseID string) (repository.StockStats, error)
	InitStock(ctx context.Context, skuID, warehouseID string, safetyStock int64) (*service.StockView, error)
	Flows(ctx context.Context, skuID, warehouseID string, limit int) ([]models.StockFlow, error)
}

type StockHandler struct {
	stock StockFacade
	log   *zap.Logger
}

func NewStockHandler(stock StockFacade, log *zap.Logger) *StockHandler {
	return &StockHandler{stock: stock, log: log}
}

func toStockResponse(v *service.StockView) dto.StockResponse {
	return dto.StockResponse{
		SkuID:          v.SkuID,
		WarehouseID:    v.WarehouseID,
		TotalStock:     v.TotalStock,
		AvailableStock: v.AvailableStock,
		LockedStock:    v.LockedStock,
		DamagedStock:   v.DamagedStock,
		SafetyStock:    v.SafetyStock,
		AverageCost:    v.AverageCost,
		Status:         string(v.Status),
		Version:        v.Version,
		LastInboundAt:  v.LastInboundAt,
		LastOutboundAt: v.LastOutboundAt,
		UpdatedAt:      v.UpdatedAt,
	}
}

// Adjust
// @Summary Корректировка остатка (приёмка, отгрузка, инвентаризация, списание)
// @Router /api/v1/stock/adjust [post]
func (h *StockHandler) Adjust(c *gin.Context) {
	var req dto.AdjustRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, h.log, "adjust", err)
		return
	}

	v, err := h.stock.Adjust(c.Request.Context(), service.AdjustCommand{
		SkuID:       req.SkuID,
		WarehouseID: req.WarehouseID,
		Type:        service.AdjustType(req.Type),
		Delta:       req.Delta,
		UnitCost:    req.UnitCost,
		OperatorID:  req.OperatorID,
		RefNo:       req.RefNo,
	})
	if err != nil {
		writeError(c, h.log, "adjust", err)
		return
	}
	c.JSON(http.StatusOK, toStockResponse(v))
}

// @Router /api/v1/stock/transfer [post]
func (h *StockHandler) Transfer(c *gin.Context) {
	var req dto.TransferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, h.log, "transfer", err)
		return
	}

	res, err := h.stock.Transfer(c.Request.Context(), service.TransferCommand{
		SkuID:           req.SkuID,
		FromWarehouseID: req.FromWarehouseID,
		ToWarehouseID:   req.ToWarehouseID,
		Quantity:        req.Quantity,
		OperatorID:      req.OperatorID,
		RefNo:           req.RefNo,
	})
	if err != nil {
		writeError(c, h.log, "transfer", err)
		return
	}
	c.JSON(http.StatusOK, dto.TransferResponse{
		From: toStockResponse(res.From),
		To:   toStockResponse(res.To),
	})
}

// @Router /api/v1/stock/init [post]
func (h *StockHandler) Init(c *gin.Context) {
	var req dto.InitStockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, h.log, "init", err)
		return
	}
	v, err := h.stock.InitStock(c.Request.Context(), req.SkuID, req.WarehouseID, req.SafetyStock)
	if err != nil {
		writeError(c, h.log, "init", err)
		return
	}
	c.JSON(http.StatusOK, toStockResponse(v))
}

// @Router /api/v1/stock/{skuId} [get]
func (h *StockHandler) Query(c *gin.Context) {
	v, err := h.stock.Query(c.Request.Context(), c.Param("skuId"), c.Query("warehouseId"))
	if err != nil {
		writeError(c, h.log, "query", err)
		return
	}
	c.JSON(http.StatusOK, toStockResponse(v))
}

// @Router /api/v1/stock/batch-query [post]
func (h *StockHandler) BatchQuery(c *gin.Context) {
	var req dto.BatchQueryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, h.log, "batch_query", err)
		return
	}
	list, err := h.stock.BatchQuery(c.Request.Context(), req.SkuIDs, req.WarehouseID)
	if err != nil {
		writeError(c, h.log, "batch_query", err)
		return
	}
	out := make([]dto.StockResponse, 0, len(list))
	for i := range list {
		out = append(out, toStockResponse(&list[i]))
	}
	c.JSON(http.StatusOK, gin.H{"items": out})
}

// @Router /api/v1/stock/stats [get]
func (h *StockHandler) Stats(c *gin.Context) {
	wh := c.Query("warehouseId")
	st, err := h.stock.Stats(c.Request.Context(), wh)
	if err != nil {
		writeError(c, h.log, "stats", err)
		return
	}
	c.JSON(http.StatusOK, dto.StockStatsResponse{
		WarehouseID:     wh,
		SkuCount:        st.SkuCount,
		TotalStock:      st.TotalStock,
		AvailableStock:  st.AvailableStock,
		LockedStock:     st.LockedStock,
		DamagedStock:    st.DamagedStock,
		LowStockCount:   st.LowStockCount,
		OutOfStockCount: st.OutOfStockCount,
	})
}

// @Router /api/v1/stock/{skuId}/flows [get]
func (h *StockHandler) Flows(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	list, err := h.stock.Flows(c.Request.Context(), c.Param("skuId"), c.Query("warehouseId"), limit)
	if err != nil {
		writeError(c, h.log, "flows", err)
		return
	}
	out := make([]dto.StockFlowResponse, 0, len(list))
	for _, f := range list {
		out = append(out, dto.StockFlowResponse{
			FlowType:       string(f.FlowType),
			Delta:          f.Delta,
			AvailableAfter: f.AvailableAfter,
			LockedAfter:    f.LockedAfter,
			TotalAfter:     f.TotalAfter,
			RefNo:          f.RefNo,
			BusinessKey:    f.BusinessKey,
			OperatorID:     f.OperatorID,
			CreatedAt:      f.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"items": out})
}
