package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/okothh/gemchat/internal/chat"
	"github.com/okothh/gemchat/internal/config"
	"github.com/okothh/gemchat/internal/db"
	"github.com/okothh/gemchat/internal/httpapi"
	"github.com/okothh/gemchat/internal/logger"
	"github.com/okothh/gemchat/internal/models"
	"github.com/okothh/gemchat/internal/store/rabbitmq"
	"github.com/okothh/gemchat/internal/store/redisstore"
	"go.uber.org/zap"
)

func main() {
	cfg := config.Load()
	log := logger.New(cfg.LogFilePath, cfg.Env == "prod")
	defer log.Sync()

	gdb, err := db.Connect(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		log.Fatal("db connect", zap.Error(err))
	}
	if err := gdb.AutoMigrate(&models.User{}, &chat.Session{}, &chat.Message{}, &chat.TurnJob{}); err != nil {
		log.Fatal("automigrate", zap.Error(err))
	}

	rds := redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	defer rds.Close()

	rabbit, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
	if err != nil {
		log.Fatal("rabbit connect", zap.Error(err))
	}
	defer rabbit.Close()

	router := httpapi.NewRouter(gdb, cfg, log, rds, rabbit)

	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: router,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Info("server listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("listen", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown", zap.Error(err))
	}
}
