package router

import (
	"stock-service/internal/handlers"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type Services struct {
	Stock        handlers.StockFacade
	Reservations handlers.Reservations
	Tcc          handlers.TccBranches
}

func Router(svc Services, log *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.Use(cors.New(cors.Config{
		AllowOrigins:  []string{"*"},
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Content-Type"},
		ExposeHeaders: []string{"Content-Length"},
	}))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status": "ok",
		})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	stockHandler := handlers.NewStockHandler(svc.Stock, log)
	reservationHandler := handlers.NewReservationHandler(svc.Reservations, log)
	tccHandler := handlers.NewTccHandler(svc.Tcc, log)

	api := r.Group("/api/v1")

	stock := api.Group("/stock")
	{
		stock.POST("/adjust", stockHandler.Adjust)
		stock.POST("/transfer", stockHandler.Transfer)
		stock.POST("/init", stockHandler.Init)
		stock.POST("/batch-query", stockHandler.BatchQuery)
		stock.GET("/stats", stockHandler.Stats)
		stock.GET("/:skuId", stockHandler.Query)
		stock.GET("/:skuId/flows", stockHandler.Flows)
	}

	reservations := api.Group("/reservations")
	{
		reservations.POST("", reservationHandler.Reserve)
		reservations.GET("/reserved-quantity", reservationHandler.ReservedQuantity)
		reservations.GET("/:key", reservationHandler.Exists)
		reservations.POST("/:key/confirm", reservationHandler.Confirm)
		reservations.POST("/:key/release", reservationHandler.Release)
	}

	tcc := api.Group("/tcc")
	{
		tcc.POST("/try", tccHandler.Try)
		tcc.POST("/confirm", tccHandler.Confirm)
		tcc.POST("/cancel", tccHandler.Cancel)
		tcc.GET("/branches/:xid", tccHandler.Branches)
	}

	return r
}
