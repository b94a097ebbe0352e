package dashboard

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"coindash/config"
	"coindash/internal/bus"
	"coindash/internal/feed"
	"coindash/logger"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

// Server hosts the Gin-powered HTTP surface for Coindash: REST endpoints for
// the current asset snapshot, active alerts and connection status, plus a
// websocket that mirrors the live event stream.
type Server struct {
	cfg        config.DashboardConfig
	log        *logger.Log
	feed       *feed.Feed
	httpServer *http.Server
	upgrader   websocket.Upgrader
}

// NewServer constructs a dashboard server when the dashboard feature is
// enabled. When the dashboard is disabled the returned server will be nil.
func NewServer(cfg config.DashboardConfig, f *feed.Feed, log *logger.Log) *Server {
	if !cfg.Enabled {
		return nil
	}

	cfg.Address = normalizeAddress(cfg.Address)

	return &Server{
		cfg:  cfg,
		log:  log,
		feed: f,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// The dashboard is served on an operator-facing port; browsers
			// on other origins are allowed the same as curl is.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Run starts the dashboard HTTP server and blocks until the provided context
// is cancelled or the underlying HTTP server exits with an error.
func (s *Server) Run(ctx context.Context) error {
	if s == nil {
		return nil
	}

	router, err := s.buildRouter()
	if err != nil {
		return err
	}

	s.httpServer = &http.Server{
		Addr:    s.cfg.Address,
		Handler: router,
	}

	s.log.WithComponent("dashboard").WithFields(logger.Fields{
		"address": s.cfg.Address,
	}).Info("dashboard listening")

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		if err == nil {
			return nil
		}
		return err
	}
}

// Address reports the network address the dashboard server listens on.
func (s *Server) Address() string {
	if s == nil {
		return ""
	}
	return s.cfg.Address
}

func (s *Server) buildRouter() (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if err := router.SetTrustedProxies(nil); err != nil {
		return nil, err
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.GET("/api/assets", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"assets": s.feed.Assets()})
	})

	router.GET("/api/alerts", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"alerts": s.feed.ActiveAlerts()})
	})

	router.DELETE("/api/alerts/:symbol", func(c *gin.Context) {
		s.feed.DismissAlert(c.Param("symbol"))
		c.Status(http.StatusNoContent)
	})

	router.GET("/api/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.feed.Status())
	})

	router.POST("/api/refresh", func(c *gin.Context) {
		s.feed.Refresh()
		c.Status(http.StatusAccepted)
	})

	router.GET("/ws", s.handleWebsocket)

	return router, nil
}

// handleWebsocket upgrades the connection and mirrors the event stream onto
// it. The subscription follows the websocket's lifetime, so closing the last
// browser tab releases the scheduler the same way a stream consumer would.
func (s *Server) handleWebsocket(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.WithComponent("dashboard").WithError(err).Warn("websocket upgrade failed")
		return
	}
	defer conn.Close()

	events, cancel, err := s.feed.SubscribeUpdates(c.Request.Context())
	if err != nil {
		s.log.WithComponent("dashboard").WithError(err).Warn("websocket subscribe failed")
		return
	}
	defer cancel()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	pinger := time.NewTicker(wsPingInterval)
	defer pinger.Stop()

	for {
		select {
		case <-closed:
			return
		case <-pinger.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				return
			}
		case ev, ok := <-events:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(forwardedEvent(ev)); err != nil {
				return
			}
		}
	}
}

// forwardedEvent shapes a bus event for the wire: the type tag becomes a
// string and nil payload branches are omitted.
func forwardedEvent(ev bus.Event) gin.H {
	payload := gin.H{
		"seq":  ev.Seq,
		"type": ev.Type.String(),
		"at":   ev.At.Format(time.RFC3339Nano),
	}
	switch {
	case ev.Price != nil:
		payload["price_update"] = ev.Price
	case ev.Alert != nil:
		payload["volume_alert"] = ev.Alert
	case ev.Status != nil:
		payload["connection_status"] = ev.Status
	case ev.Err != "":
		payload["error"] = ev.Err
		payload["source"] = ev.Source
	}
	return payload
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)

	if addr == "" {
		return "0.0.0.0:8080"
	}

	if strings.Contains(addr, "://") {
		if parsed, err := url.Parse(addr); err == nil {
			if host := parsed.Host; host != "" {
				addr = host
			} else if parsed.Opaque != "" {
				addr = parsed.Opaque
			}
		}
	}

	if strings.HasPrefix(addr, ":") {
		if len(addr) > 1 && addr[1] >= '0' && addr[1] <= '9' {
			return "0.0.0.0" + addr
		}
	}

	host, port, err := net.SplitHostPort(addr)
	if err == nil {
		if host == "" || host == "*" {
			host = "0.0.0.0"
		}
		if port == "" {
			port = "8080"
		}
		return net.JoinHostPort(host, port)
	}

	if ip := net.ParseIP(addr); ip != nil {
		return net.JoinHostPort(addr, "8080")
	}

	if !strings.Contains(addr, ":") {
		return net.JoinHostPort(addr, "8080")
	}

	return addr
}
