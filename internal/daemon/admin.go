package daemon

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/danmuck/edgemsgr/internal/auth"
	"github.com/danmuck/edgemsgr/internal/msgr"
	"github.com/danmuck/edgemsgr/internal/observability"
	"github.com/danmuck/edgemsgr/internal/protocol"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const version = "0.1.0"

type noteRequest struct {
	Topic string `json:"topic" binding:"required"`
	Body  string `json:"body"`
}

func (d *Daemon) newRouter() *gin.Engine {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(observability.Component(log.Logger, "admin"), d.self))
	r.Use(observability.RequestMetricsMiddleware(d.self))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(d.cfg.CORSOrigins),
		AllowMethods: []string{"GET", "POST"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(d.started).String(),
			"node":    d.self,
			"version": version,
		})
	})

	r.GET("/ready", func(c *gin.Context) {
		m := d.Messenger()
		status := http.StatusOK
		if m == nil {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"ready":   m != nil,
			"uptime":  time.Since(d.started).String(),
			"node":    d.self,
			"version": version,
		})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/", d.requireToken())
	api.GET("/connections", func(c *gin.Context) {
		var conns []msgr.ConnectionStatus
		if m := d.Messenger(); m != nil {
			conns = m.Connections()
		}
		c.JSON(http.StatusOK, gin.H{"addr": d.Addr().String(), "connections": conns})
	})
	api.GET("/connections/:conn", func(c *gin.Context) {
		id, err := strconv.ParseUint(c.Param("conn"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid connection id"})
			return
		}
		if m := d.Messenger(); m != nil {
			for _, st := range m.Connections() {
				if st.ID == id {
					c.JSON(http.StatusOK, st)
					return
				}
			}
		}
		c.JSON(http.StatusNotFound, gin.H{"error": "no such connection"})
	})
	api.GET("/peers", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"peers": d.Peers()})
	})
	api.GET("/notes", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"notes": d.Notes()})
	})
	api.POST("/peers/:peer/notes", func(c *gin.Context) {
		peer, err := protocol.ParseEntityName(c.Param("peer"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		var req noteRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := d.SendNote(peer, req.Topic, []byte(req.Body), nil); err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, ErrUnknownPeer) {
				status = http.StatusNotFound
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"status": "queued", "peer": peer.String()})
	})
	return r
}

// requireToken guards the API with a bearer token when one is configured.
func (d *Daemon) requireToken() gin.HandlerFunc {
	if d.cfg.AdminToken == "" {
		return func(c *gin.Context) { c.Next() }
	}
	validator := auth.StaticToken{Token: d.cfg.AdminToken}
	return func(c *gin.Context) {
		if err := validator.Validate(auth.BearerToken(c.GetHeader("Authorization"))); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.Next()
	}
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
