// Package api is the operations HTTP surface: health, metrics, the fallback
// queue listing and endpoints an external scheduler calls to start runs
package api

import (
	"context"
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"gitlab.com/useghost/settle/api/apierr"
	"gitlab.com/useghost/settle/api/auth"
	"gitlab.com/useghost/settle/build"
	"gitlab.com/useghost/settle/db"
	"gitlab.com/useghost/settle/models/deposits"
	"gitlab.com/useghost/settle/runs"
)

var log = build.AddSubLogger("API")

// Config is the configuration for our API
type Config struct {
	// LogLevel specifies which level requests are logged at
	LogLevel logrus.Level
	// APIKey is required on everything but /ping
	APIKey string
	// AllowedOrigins for CORS. Empty means no browser access
	AllowedOrigins []string
}

// QueueStore is what the API reads deposits through
type QueueStore interface {
	ListFallbackQueue(ctx context.Context, limit int) ([]deposits.Deposit, error)
	CountByStatus(ctx context.Context) (map[deposits.Status]int, error)
}

// Database is what the API checks the database through
type Database interface {
	Ping(ctx context.Context) error
	MigrationStatus() (db.MigrationStatus, error)
}

// RestServer is the rest server for our app
type RestServer struct {
	Router   *gin.Engine
	store    QueueStore
	database Database
	runner   *runs.Runner
	gatherer prometheus.Gatherer
}

func getCorsConfig(origins []string) cors.Config {
	return cors.Config{
		AllowOrigins: origins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{
			"Accept", "Content-Type", "Referer", "Authorization", auth.Header,
		},
	}
}

// getGinEngine creates a new Gin engine, and applies middlewares used by
// our API. This includes recovering from panics, logging with Logrus and
// applying CORS configuration.
func getGinEngine(config Config) *gin.Engine {
	engine := gin.New()

	log.Debug("Applying gin.Recovery middleware")
	engine.Use(gin.Recovery())

	log.Debug("Applying Gin logging middleware")
	engine.Use(build.GinLoggingMiddleWare(log, config.LogLevel, nil))

	if len(config.AllowedOrigins) > 0 {
		log.WithField("origins", config.AllowedOrigins).Debug("Applying CORS middleware")
		engine.Use(cors.New(getCorsConfig(config.AllowedOrigins)))
	}

	log.Debug("Applying error handler middleware")
	engine.Use(apierr.GetMiddleware(log))
	return engine
}

// NewApp creates a new app
func NewApp(store QueueStore, database Database, runner *runs.Runner,
	gatherer prometheus.Gatherer, config Config) (RestServer, error) {
	if config.APIKey == "" {
		return RestServer{}, errors.New("config.APIKey is not set")
	}
	if runner == nil {
		return RestServer{}, errors.New("runner is nil")
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	r := RestServer{
		Router:   getGinEngine(config),
		store:    store,
		database: database,
		runner:   runner,
		gatherer: gatherer,
	}

	// Ping handler, used by load balancers without credentials
	r.Router.GET("/ping", func(c *gin.Context) {
		c.String(http.StatusOK, "pong")
	})

	r.Router.NoRoute(func(c *gin.Context) {
		apierr.Public(c, http.StatusNotFound, apierr.ErrRouteNotFound)
	})

	// the group path is empty because it is easier to read
	authed := r.Router.Group("")
	authed.Use(auth.GetMiddleware(config.APIKey))
	authed.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	authed.GET("/info", r.getInfo())

	r.registerQueueRoutes(authed)
	r.registerRunRoutes(authed)

	return r, nil
}

func (r *RestServer) getInfo() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := r.database.Ping(c.Request.Context()); err != nil {
			log.WithError(err).Error("Database ping failed")
			apierr.Public(c, http.StatusServiceUnavailable, apierr.ErrStoreUnavailable)
			return
		}

		migrationStatus, err := r.database.MigrationStatus()
		if err != nil {
			_ = c.Error(err)
			return
		}

		counts, err := r.store.CountByStatus(c.Request.Context())
		if err != nil {
			_ = c.Error(err)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"version":                 build.Version(),
			"databaseMigrationStatus": migrationStatus,
			"deposits":                counts,
		})
	}
}
