package server

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/xpanvictor/xarvis-realtime/internal/app"
	"github.com/xpanvictor/xarvis-realtime/internal/handlers"
	"github.com/xpanvictor/xarvis-realtime/internal/handlers/websocket"
	"github.com/xpanvictor/xarvis-realtime/pkg/Logger"
)

type Dependencies struct {
	System         handlers.SystemService
	WSHandler      *websocket.WebSocketHandler
	Logger         *Logger.Logger
	MetricsEnabled bool
}

func NewServerDependencies(a *app.App) Dependencies {
	return Dependencies{
		System:         a,
		WSHandler:      a.WSHandler,
		Logger:         a.Logger,
		MetricsEnabled: a.Config.Metrics.Enabled,
	}
}

// NewRouter builds the gin engine with middleware and every route installed.
func NewRouter(debug bool, dep Dependencies) *gin.Engine {
	if !debug {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(
		handlers.ErrorHandlerMiddleware(dep.Logger),
		handlers.RequestIDMiddleware(),
		handlers.RequestLoggerMiddleware(dep.Logger),
		handlers.CORSMiddleware(),
	)
	InitializeRoutes(r, dep)
	return r
}

func InitializeRoutes(r *gin.Engine, dep Dependencies) {
	sh := handlers.NewSystemHandler(dep.System, dep.Logger)

	r.GET("/", func(ctx *gin.Context) { ctx.JSON(200, handlers.SuccessResponse{Message: "Server healthy"}) })
	r.GET("/health", sh.Health)
	r.GET("/ready", sh.Ready)
	r.GET("/stats", sh.Stats)

	// voice sessions: /ws and /ws/stats
	if dep.WSHandler != nil {
		dep.WSHandler.RegisterRoutes(r)
	}

	if dep.MetricsEnabled {
		r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}
}
