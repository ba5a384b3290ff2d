package ops

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/yanun0323/logs"
)

const shutdownTimeout = 5 * time.Second

// Controller takes operator commands. *engine.Live satisfies it.
type Controller interface {
	EngageKillSwitch(ctx context.Context, reason, by string) error
	ResetKillSwitch(ctx context.Context, by string) error
}

type engageRequest struct {
	Reason string `json:"reason" binding:"required"`
	By     string `json:"by" binding:"required"`
}

type resetRequest struct {
	By string `json:"by" binding:"required"`
}

// NewRouter serves Prometheus metrics from gatherer and the kill switch commands.
// Commands are queued to ctl and answered with 202 once accepted.
func NewRouter(gatherer prometheus.Gatherer, ctl Controller) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	ks := r.Group("/kill-switch")
	ks.POST("/engage", func(c *gin.Context) {
		var req engageRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := ctl.EngageKillSwitch(c.Request.Context(), req.Reason, req.By); err != nil {
			logs.Errorf("engage kill switch by %s, err: %+v", req.By, err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		logs.Warnf("kill switch engage requested by %s: %s", req.By, req.Reason)
		c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
	})
	ks.POST("/reset", func(c *gin.Context) {
		var req resetRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := ctl.ResetKillSwitch(c.Request.Context(), req.By); err != nil {
			logs.Errorf("reset kill switch by %s, err: %+v", req.By, err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		logs.Warnf("kill switch reset requested by %s", req.By)
		c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
	})
	return r
}

// Serve listens on addr until ctx is done, then shuts the server down gracefully.
func Serve(ctx context.Context, addr string, h http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	logs.Infof("ops server listening on %s", addr)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logs.Warnf("ops server shutdown, err: %+v", err)
		}
		return ctx.Err()
	}
}
