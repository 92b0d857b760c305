package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"bitbucket.org/mmdatafocus/crmsync_backend/appctx"
	"bitbucket.org/mmdatafocus/crmsync_backend/clients"
	"bitbucket.org/mmdatafocus/crmsync_backend/config"
	"bitbucket.org/mmdatafocus/crmsync_backend/crmsync"
	"bitbucket.org/mmdatafocus/crmsync_backend/models"
)

const defaultPort = "8080"

// services is the engine surface handlers need; it exists only once the
// database connection is up.
type services struct {
	dispatcher  *crmsync.Dispatcher
	coordinator *crmsync.Coordinator
}

func main() {
	port := os.Getenv("CRM_SYNC_PORT")
	if port == "" {
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()

	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	crmClient, err := clients.NewCRMClient()
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "crm"}).Fatal(err)
	}
	rentalClient, err := clients.NewRentalClient()
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "rental"}).Fatal(err)
	}

	r := gin.New()
	r.Use(func(c *gin.Context) {
		cid := c.GetHeader("x-correlation-id")
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Request = c.Request.WithContext(appctx.SetCorrelationId(c.Request.Context(), cid))
		c.Next()
	})
	r.Use(func(c *gin.Context) {
		if c.Request.URL.Path == "/healthz" {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		if config.GetDB() == nil {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	})
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	corsConfig := cors.DefaultConfig()
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		if allowedOrigins == "" {
			corsConfig.AllowOrigins = []string{}
		} else {
			corsConfig.AllowOrigins = splitAndTrim(allowedOrigins)
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "PUT", "DELETE", "OPTIONS")
	corsConfig.AddAllowHeaders("Origin", "Content-Type", "Authorization")
	corsConfig.AddExposeHeaders("Content-Length")
	corsConfig.AllowCredentials = true

	r.Use(cors.New(corsConfig))
	r.Use(requestLogger(logger))
	r.Use(gin.Recovery())

	// The engine wires lazily against config.GetDB(), which is nil until
	// ConnectDatabaseWithRetry finishes below. The listener is already
	// serving by then, so handlers load the wired services atomically.
	var svc atomic.Pointer[services]
	ready := func() (*crmsync.Dispatcher, *crmsync.Coordinator) {
		s := svc.Load()
		if s == nil {
			return nil, nil
		}
		return s.dispatcher, s.coordinator
	}

	// Webhook ingestion.
	r.POST("/webhooks/crm", func(c *gin.Context) {
		d, _ := ready()
		if d == nil {
			c.Status(http.StatusOK)
			return
		}
		crmsync.CRMWebhookHandler(d)(c)
	})
	r.POST("/webhooks/rental", func(c *gin.Context) {
		d, _ := ready()
		if d == nil {
			c.Status(http.StatusOK)
			return
		}
		crmsync.RentalWebhookHandler(d)(c)
	})

	// Manual trigger surface and run observability.
	withCoordinator := func(build func(*crmsync.Coordinator) gin.HandlerFunc) gin.HandlerFunc {
		return func(c *gin.Context) {
			_, coord := ready()
			if coord == nil {
				c.AbortWithStatus(http.StatusServiceUnavailable)
				return
			}
			build(coord)(c)
		}
	}
	r.POST("/api/sync/run", withCoordinator(crmsync.TriggerSyncHandler))
	r.POST("/api/sync/run/:kind", withCoordinator(crmsync.TriggerSingleTypeSyncHandler))
	r.POST("/api/sync/single", withCoordinator(crmsync.SyncSingleHandler))
	r.GET("/api/sync/runs", crmsync.SyncHistoryHandler())
	r.GET("/api/sync/runs/:id", crmsync.SyncRunDetailHandler())
	r.POST("/api/sync/runs/:id/retry", withCoordinator(crmsync.RetrySyncRunHandler))
	r.GET("/api/sync/webhook-events", crmsync.WebhookEventsHandler())

	// Pub/Sub push endpoint for queued runs.
	r.POST("/pubsub/sync-run", withCoordinator(crmsync.SyncRunPushHandler))

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
	})

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.ListenAndServe()
	}()

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()

	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()

	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		models.MigrateTable()
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	store := crmsync.NewGormStore(db)
	engine := crmsync.NewEngine(store, crmClient, rentalClient, logger)
	eventLog := crmsync.NewEventLog(db, logger)
	svc.Store(&services{
		dispatcher:  crmsync.NewDispatcher(engine, eventLog, logger),
		coordinator: crmsync.NewCoordinator(db, engine, eventLog, logger),
	})

	select {
	case <-sigCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	case err := <-serverErrCh:
		if err != nil && err != http.ErrServerClosed {
			logger.WithFields(logrus.Fields{"field": "server"}).Error(err)
		}
	}
}

func splitAndTrim(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func requestLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		latency := time.Since(start)
		cid, _ := appctx.GetCorrelationId(c.Request.Context())
		logger.WithFields(logrus.Fields{
			"status":         c.Writer.Status(),
			"method":         c.Request.Method,
			"path":           c.Request.URL.Path,
			"latency":        latency.String(),
			"correlation_id": cid,
		}).Info("request")
	}
}
