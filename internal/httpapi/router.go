package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/okothh/gemchat/internal/common"
	"github.com/okothh/gemchat/internal/config"
	"github.com/okothh/gemchat/internal/httpapi/handlers"
	"github.com/okothh/gemchat/internal/httpapi/middleware"
	"github.com/okothh/gemchat/internal/store/redisstore"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func NewRouter(db *gorm.DB, cfg config.Config, log *zap.Logger, rds *redisstore.Store, rabbit handlers.JobPublisher) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(middleware.RequestID())
	r.Use(middleware.RequestLogger(log))
	r.Use(middleware.Recovery(log))

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		// The message-submit endpoint answers non-POST methods with the
		// legacy body the web client expects; everything else gets the
		// standard envelope.
		if c.Request.URL.Path == "/chat/messages" {
			c.JSON(http.StatusBadRequest, gin.H{"message": "Invalid request"})
			return
		}
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	h := handlers.NewHandler(db, cfg, log, rds, rabbit)

	r.GET("/ping", h.Ping)

	// captcha + registration
	r.POST("/captcha", h.SendCaptcha)
	r.POST("/users", h.CreateUser)

	// auth
	r.POST("/login", h.Login)
	authGroup := r.Group("/")
	authGroup.Use(middleware.AuthRequired(cfg.JWTSecret))
	authGroup.GET("/me", h.Me)

	// Chat (JWT required)
	authGroup.GET("/chat", h.ChatView)
	authGroup.POST("/chat/messages", h.SendChatMessage)
	authGroup.POST("/chat/messages/async", h.SendChatMessageAsync)
	authGroup.GET("/chat/jobs/:job_id", h.GetChatJob)

	return r
}
