// Package api exposes the diagnostic actions over HTTP/JSON.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/kstaniek/go-uds-server/internal/action"
	"github.com/kstaniek/go-uds-server/internal/logging"
	"github.com/kstaniek/go-uds-server/internal/metrics"
	"github.com/kstaniek/go-uds-server/internal/uds"
)

func init() { gin.SetMode(gin.ReleaseMode) }

// Actions is the diagnostic surface served over HTTP. *action.Runner implements it.
type Actions interface {
	Discover(ctx context.Context) action.DiscoveryResult
	Update(ctx context.Context, req action.UpdateRequest) action.UpdateResult
	ReadGroup(ctx context.Context, a uds.Address, group string) action.BatchResult
	WriteGroup(ctx context.Context, a uds.Address, group string, values map[string]string) action.BatchResult
	SendManual(ctx context.Context, canID, canData string) action.ManualResult
	Address(ecu uint32) uds.Address
}

// DocumentSource supplies the cloud update metadata.
type DocumentSource interface {
	Get(ctx context.Context) (json.RawMessage, error)
}

// LogSource supplies recent log lines.
type LogSource interface {
	Lines() []string
}

var _ Actions = (*action.Runner)(nil)

const (
	defaultAddr       = ":8080"
	defaultECU        = 0x10
	readHeaderTimeout = 5 * time.Second
	shutdownTimeout   = 5 * time.Second
	maxBodyBytes      = 64 << 10
)

// Server serves the REST endpoints.
type Server struct {
	addr        string
	actions     Actions
	drive       DocumentSource
	logs        LogSource
	firmwareDir string
	defaultECU  uint32
	logger      *slog.Logger

	mu        sync.RWMutex
	ln        net.Listener
	readyOnce sync.Once
	readyCh   chan struct{}
}

// Option configures a Server.
type Option func(*Server)

// WithAddr sets the listen address (default ":8080").
func WithAddr(addr string) Option { return func(s *Server) { s.addr = addr } }

// WithDrive sets the source served by /drive_update_data.
func WithDrive(d DocumentSource) Option { return func(s *Server) { s.drive = d } }

// WithLogs sets the source served by /logs.
func WithLogs(l LogSource) Option { return func(s *Server) { s.logs = l } }

// WithFirmwareDir enables loading update images by file name.
func WithFirmwareDir(dir string) Option { return func(s *Server) { s.firmwareDir = dir } }

// WithDefaultECU sets the ECU used by batch endpoints without an ecu_id parameter.
func WithDefaultECU(ecu uint32) Option { return func(s *Server) { s.defaultECU = ecu } }

// WithLogger overrides the global logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// New returns a Server for actions.
func New(actions Actions, opts ...Option) *Server {
	s := &Server{
		addr:       defaultAddr,
		actions:    actions,
		defaultECU: defaultECU,
		logger:     logging.L(),
		readyCh:    make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Ready is closed once the listener is bound.
func (s *Server) Ready() <-chan struct{} { return s.readyCh }

// Addr returns the bound address, or the configured one before Serve.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.addr
}

// Handler returns the routed engine.
func (s *Server) Handler() http.Handler {
	router := gin.New()
	router.HandleMethodNotAllowed = true
	router.Use(s.recovery(), s.logRequests(), limitBody(maxBodyBytes))
	router.Use(cors.New(cors.Config{
		AllowMethods:    []string{http.MethodGet, http.MethodPost},
		AllowHeaders:    []string{"Origin", "Content-Type"},
		ExposeHeaders:   []string{"Content-Length"},
		AllowOriginFunc: func(string) bool { return true },
	}))

	router.GET("/request_ids", s.handleRequestIDs)
	router.POST("/update_to_version", s.handleUpdate)
	router.GET("/read_info_battery", s.handleRead("battery"))
	router.GET("/read_info_engine", s.handleRead("engine"))
	router.GET("/read_info_doors", s.handleRead("doors"))
	router.POST("/send_frame", s.handleSendFrame)
	router.POST("/write_info_doors", s.handleWrite("doors"))
	router.POST("/write_info_battery", s.handleWrite("battery"))
	router.GET("/logs", s.handleLogs)
	router.GET("/drive_update_data", s.handleDrive)
	return router
}

// Serve listens and serves until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("api listen %s: %w", s.addr, err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	s.logger.Info("api_listen", "addr", ln.Addr().String())
	s.readyOnce.Do(func() { close(s.readyCh) })

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("api serve: %w", err)
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			s.logger.Warn("api_shutdown_error", "error", err)
		}
		<-errCh
		return nil
	}
}

// logRequests logs every request and counts server errors.
func (s *Server) logRequests() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := c.Writer.Status()
		if status >= http.StatusInternalServerError {
			metrics.IncError(metrics.ErrAPI)
		}
		s.logger.Debug("api_request", "method", c.Request.Method, "path", c.Request.URL.Path, "status", status, "dur", time.Since(start))
	}
}

func (s *Server) recovery() gin.HandlerFunc {
	return gin.CustomRecoveryWithWriter(io.Discard, func(c *gin.Context, v any) {
		s.logger.Error("api_panic", "path", c.Request.URL.Path, "panic", fmt.Sprint(v))
		c.AbortWithStatusJSON(http.StatusInternalServerError, errorBody{Status: action.StatusError, Message: "internal error"})
	})
}

func limitBody(n int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, n)
		}
		c.Next()
	}
}
