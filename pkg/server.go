package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"wonder-craft/tickets/ticket-presence-server/pkg/config"
	"wonder-craft/tickets/ticket-presence-server/pkg/infra"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const shutdownTimeout = 10 * time.Second

type Server struct {
	application   *Application
	server        *http.Server
	loggerFactory *infra.LoggerFactory
	logger        *zap.SugaredLogger
}

func ProvideServer(cfg *config.Config, application *Application, loggerFactory *infra.LoggerFactory) *Server {
	logger := loggerFactory.Create("Server").Sugar()

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.RequestID())
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogLatency:   true,
		LogMethod:    true,
		LogURI:       true,
		LogRequestID: true,
		LogStatus:    true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			logger.Infof("%v %v id[%v] status[%v] latency[%vms]", v.Method, v.URI, v.RequestID, v.Status, v.Latency.Milliseconds())
			return nil
		},
	}))

	cors := middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: cfg.Server.AllowedOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
	})

	e.GET("/", application.HandleHealth)

	e.PUT("/debug", func(c echo.Context) error {
		infra.LoggerLevel.SetLevel(zapcore.DebugLevel)
		logger.Info("debug logging enabled")
		return c.NoContent(http.StatusOK)
	})

	e.DELETE("/debug", func(c echo.Context) error {
		infra.LoggerLevel.SetLevel(zapcore.InfoLevel)
		logger.Info("debug logging disabled")
		return c.NoContent(http.StatusOK)
	})

	e.GET("/ws", application.HandleWs)
	e.POST("/tickets/changed", application.HandleTicketsChanged, cors)
	e.OPTIONS("/tickets/changed", echo.MethodNotAllowedHandler, cors)
	e.GET("/tickets/:ticketId/viewers", application.HandleViewers, cors)
	e.GET("/stats", application.HandleStats, cors)

	return &Server{
		application: application,
		server: &http.Server{
			Addr:    fmt.Sprintf(":%v", cfg.Server.Port),
			Handler: e,
		},
		loggerFactory: loggerFactory,
		logger:        logger,
	}
}

// Run serves until SIGINT or SIGTERM, then stops the workers, disconnects
// every client and shuts the http server down.
func (s *Server) Run() error {
	defer s.loggerFactory.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s.logger.Infof("server running application")
	appDone := make(chan error, 1)
	go func() {
		appDone <- s.application.Run(ctx)
		stop()
	}()

	listenErr := make(chan error, 1)
	go func() {
		s.logger.Infof("server starts listening on addr[%v]", s.server.Addr)
		err := s.server.ListenAndServe()
		if !isServerClosed(err) {
			s.logger.Error(err)
		}
		listenErr <- err
		stop()
	}()

	<-ctx.Done()
	s.logger.Infof("server shutting down")

	appErr := <-appDone

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		s.logger.Errorf("server shutdown failed %v", err)
	}

	if err := <-listenErr; !isServerClosed(err) {
		return err
	}
	return appErr
}

func isServerClosed(err error) bool {
	return err == nil || errors.Is(err, http.ErrServerClosed)
}
