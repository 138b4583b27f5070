package http

import (
	"context"
	"errors"

	"github.com/gin-gonic/gin"

	"rawrag/internal/bootstrap"
	mysqlClient "rawrag/internal/platform/mysql"
	"rawrag/internal/transport/http/handler"
	"rawrag/internal/transport/http/middleware"
)

type pinger interface {
	Ping(ctx context.Context) error
}

func NewRouter(app *bootstrap.App) *gin.Engine {
	gin.SetMode(app.Config.App.GinMode)
	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery())

	healthHandler := handler.NewHealthHandler(app.Config.App.Name, app.Config.App.Env, app.StartedAt, dependencyChecks(app))
	router.GET("/healthz", healthHandler.Check)

	chatHandler := handler.NewChatHandler(app.Chat, app.Config.Storage.MaxUploadBytes)
	auth := middleware.ConversationAuth(app.Config.Auth.JWTSecret)

	chatGroup := router.Group("/api/v1/chat")
	chatGroup.POST("", chatHandler.CreateConversation)
	chatGroup.GET("/:id", auth, chatHandler.GetMessages)
	chatGroup.POST("/:id/message", auth, chatHandler.SendMessage)
	chatGroup.DELETE("/:id", auth, chatHandler.DeleteConversation)

	return router
}

func dependencyChecks(app *bootstrap.App) map[string]handler.DependencyCheck {
	checks := map[string]handler.DependencyCheck{
		"mysql": func(ctx context.Context) error {
			return mysqlClient.Ping(ctx, app.MySQL)
		},
		"redis": func(ctx context.Context) error {
			return app.Redis.Ping(ctx).Err()
		},
		"rabbitmq": func(context.Context) error {
			if app.MQConn.IsClosed() {
				return errors.New("connection closed")
			}
			return nil
		},
	}
	if p, ok := app.Vectors.(pinger); ok {
		checks["vector_store"] = p.Ping
	}
	if app.Events != nil {
		checks["nats"] = func(context.Context) error {
			if !app.Events.Connected() {
				return errors.New("not connected")
			}
			return nil
		}
	}
	return checks
}
