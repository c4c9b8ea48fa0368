package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// ServerConfig holds listener settings
type ServerConfig struct {
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// Wrap adds access logging and panic recovery around h, both writing to logger
func Wrap(h http.Handler, logger *zap.Logger) http.Handler {
	accessLog := zap.NewStdLog(logger.Named("access"))
	errorLog := zap.NewStdLog(logger.Named("http"))

	recovered := handlers.RecoveryHandler(
		handlers.RecoveryLogger(errorLog),
		handlers.PrintRecoveryStack(true),
	)(h)
	return handlers.LoggingHandler(accessLog.Writer(), recovered)
}

// NewServer creates the HTTP server and binds it to the fx lifecycle
func NewServer(lc fx.Lifecycle, cfg ServerConfig, handler *Handler, logger *zap.Logger) *http.Server {
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      Wrap(handler.Router(), logger),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
		ErrorLog:     zap.NewStdLog(logger.Named("http")),
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			ln, err := net.Listen("tcp", srv.Addr)
			if err != nil {
				return fmt.Errorf("[HTTP] failed to listen on %s: %w", srv.Addr, err)
			}
			logger.Info("http server listening", zap.String("addr", srv.Addr))
			go func() {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("http server stopped unexpectedly", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down http server")
			return srv.Shutdown(ctx)
		},
	})

	return srv
}
