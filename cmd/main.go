package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/cors"
	"github.com/sirupsen/logrus"

	"resqBack/internal/config"
	"resqBack/internal/dispatch"
)

func main() {
	logger := newLogger()

	if err := godotenv.Load(); err != nil {
		logger.Warnf("Error loading .env file: %v", err)
	}
	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatal(err)
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = cfg.Server.Address
	} else {
		port = ":" + port
	}
	if port == "" {
		port = ":4001"
	}

	addr := flag.String("addr", port, "HTTP network address")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := initializeApp(ctx, cfg, logger)
	if err != nil {
		logger.Fatal(err)
	}
	defer app.close()

	handler, err := app.routes()
	if err != nil {
		logger.Fatal(err)
	}
	if err := dispatch.StartDispatchWorkers(ctx, app.dispatch); err != nil {
		logger.Fatal(err)
	}

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"http://localhost:3000", "http://localhost:3001", "http://localhost:5173", "http://localhost:5174"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowCredentials: true,
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
	})

	errWriter := logger.WriterLevel(logrus.ErrorLevel)
	defer errWriter.Close()

	srv := &http.Server{
		Addr:         *addr,
		ErrorLog:     newStdLogger(errWriter),
		Handler:      addSecurityHeaders(c.Handler(handler)),
		IdleTimeout:  time.Minute,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Errorf("shutdown: %v", err)
		}
	}()

	logger.Infof("Starting server on %s", *addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal(err)
	}
	logger.Info("Server stopped")
}
