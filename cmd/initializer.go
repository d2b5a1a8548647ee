package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"

	"cloud.google.com/go/firestore"
	firebase "firebase.google.com/go"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/option"

	"resqBack/internal/config"
	"resqBack/internal/dispatch"
	"resqBack/internal/dispatch/auth"
	"resqBack/internal/dispatch/events"
	"resqBack/internal/dispatch/metrics"
	"resqBack/internal/dispatch/receipts"
	"resqBack/internal/dispatch/repo"
)

type application struct {
	logger    *logrus.Logger
	db        *sql.DB
	rdb       *redis.Client
	firestore *firestore.Client
	dispatch  *dispatch.DispatchDeps
}

func initializeApp(ctx context.Context, cfg config.Config, logger *logrus.Logger) (*application, error) {
	app := &application{logger: logger}

	dispatchCfg, err := dispatch.LoadDispatchConfig()
	if err != nil {
		return nil, err
	}
	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}
	tokens, err := auth.NewManager(secret)
	if err != nil {
		return nil, err
	}
	recorder, err := metrics.New()
	if err != nil {
		return nil, err
	}

	deps := &dispatch.DispatchDeps{
		Tokens:         tokens,
		Metrics:        recorder,
		MetricsHandler: promhttp.Handler(),
		Logger:         logger,
		Config:         dispatchCfg,
	}

	if cfg.Firebase.CredentialsFile != "" {
		fb, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: cfg.Firebase.ProjectID}, option.WithCredentialsFile(cfg.Firebase.CredentialsFile))
		if err != nil {
			return nil, fmt.Errorf("init firebase: %w", err)
		}
		fs, err := fb.Firestore(ctx)
		if err != nil {
			return nil, fmt.Errorf("init firestore: %w", err)
		}
		app.firestore = fs
		deps.Store = repo.NewFirestoreStore(fs, nil)

		push, err := fb.Messaging(ctx)
		if err != nil {
			app.close()
			return nil, fmt.Errorf("init messaging: %w", err)
		}
		deps.Push = push
		logger.Infof("Connected to Firebase project %s", cfg.Firebase.ProjectID)
	} else {
		logger.Warn("Firebase credentials not configured, using in-memory store")
		deps.Store = repo.NewMemoryStore(nil)
	}

	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			app.close()
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		app.rdb = rdb
		deps.RDB = rdb
	}

	if cfg.Database.URL != "" {
		db, err := openDB(cfg.Database.Driver, cfg.Database.URL, logger)
		if err != nil {
			app.close()
			return nil, err
		}
		app.db = db
		deps.DB = db
		deps.DBDriver = cfg.Database.Driver
	}

	if len(dispatchCfg.KafkaBrokers) > 0 {
		deps.Publisher = events.NewKafkaPublisher(dispatchCfg.KafkaBrokers, dispatchCfg.KafkaTopic)
	}

	if dispatchCfg.Receipts.Bucket != "" {
		archive, err := receipts.NewS3Archive(dispatchCfg.Receipts)
		if err != nil {
			app.close()
			return nil, err
		}
		deps.Archive = archive
	}

	app.dispatch = deps
	return app, nil
}

func (app *application) close() {
	if app.firestore != nil {
		app.firestore.Close()
	}
	if app.rdb != nil {
		app.rdb.Close()
	}
	if app.db != nil {
		app.db.Close()
	}
}

func openDB(driver, dsn string, logger *logrus.Logger) (*sql.DB, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		logger.Errorf("Failed to open DB: %v", err)
		return nil, err
	}
	if err = db.Ping(); err != nil {
		logger.Errorf("Failed to ping DB: %v", err)
		db.Close()
		return nil, err
	}
	db.SetMaxIdleConns(35)
	logger.Infof("Successfully connected to %s database", driver)
	return db, nil
}

func addSecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
		w.Header().Set("Cross-Origin-Resource-Policy", "same-origin")
		next.ServeHTTP(w, r)
	})
}
