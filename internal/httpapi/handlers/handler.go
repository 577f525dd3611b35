package handlers

import (
	"context"
	"fmt"
	"strings"

	"github.com/okothh/gemchat/internal/ai"
	"github.com/okothh/gemchat/internal/chat"
	"github.com/okothh/gemchat/internal/config"
	"github.com/okothh/gemchat/internal/email"
	"github.com/okothh/gemchat/internal/store/redisstore"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// JobPublisher hands a queued turn job off to the worker. Satisfied by
// rabbitmq.Publisher in production.
type JobPublisher interface {
	PublishJob(ctx context.Context, jobID string) error
}

type Handler struct {
	DB          *gorm.DB
	Cfg         config.Config
	Log         *zap.Logger
	Redis       *redisstore.Store
	Rabbit      JobPublisher
	SMTPSetting email.SMTPConfig
	ChatSvc     *chat.Service
}

// NewHandler builds the request-side dependency graph. The AI provider is
// constructed once here and injected into the chat service; per-request
// code never touches provider configuration.
func NewHandler(db *gorm.DB, cfg config.Config, log *zap.Logger, rds *redisstore.Store, rabbit JobPublisher) *Handler {
	repo := chat.NewRepo(db)

	reg := ai.NewRegistry()
	reg.Register("gemini", func() (ai.Provider, error) {
		return ai.NewGeminiProvider(cfg.GeminiBaseURL, cfg.GeminiAPIKey, cfg.GeminiModel), nil
	})
	reg.Register("ollama", func() (ai.Provider, error) {
		return ai.NewOllamaProvider(cfg.OllamaBaseURL, cfg.OllamaModel), nil
	})

	provider, err := reg.Get(strings.ToLower(cfg.AIProvider))
	if err != nil {
		panic(fmt.Sprintf("unsupported AI_PROVIDER=%q", cfg.AIProvider))
	}

	chatSvc := chat.NewService(repo, provider, cfg.AITimeout, cfg.AtomicTurns)

	return &Handler{
		DB:     db,
		Cfg:    cfg,
		Log:    log,
		Redis:  rds,
		Rabbit: rabbit,
		SMTPSetting: email.SMTPConfig{
			Host: cfg.SMTPHost,
			Port: cfg.SMTPPort,
			User: cfg.SMTPUser,
			Pass: cfg.SMTPPass,
			From: cfg.SMTPFrom,
		},
		ChatSvc: chatSvc,
	}
}
