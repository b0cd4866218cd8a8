// Package server exposes the dashboard over HTTP with gin.
package server

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	detectiondashboard "github.com/menta2k/detection-dashboard"
	"github.com/menta2k/detection-dashboard/internal/config"
	applog "github.com/menta2k/detection-dashboard/internal/logger"
	"github.com/menta2k/detection-dashboard/pkg/detection"
	"github.com/menta2k/detection-dashboard/pkg/processing"
	"github.com/menta2k/detection-dashboard/pkg/transport"
	"github.com/menta2k/detection-dashboard/pkg/types"
)

const requestIDHeader = "X-Request-ID"

// Server serves detection requests
type Server struct {
	dash          *detectiondashboard.Dashboard
	logger        *zap.Logger
	maxUploadSize int64
	engine        *gin.Engine
}

// New builds the router. logger may be nil.
func New(dash *detectiondashboard.Dashboard, logger *zap.Logger) *Server {
	s := &Server{
		dash:          dash,
		logger:        applog.OrNop(logger),
		maxUploadSize: dash.Config().Server.MaxUploadSize,
	}
	if s.maxUploadSize <= 0 {
		s.maxUploadSize = config.Default().Server.MaxUploadSize
	}

	r := gin.New()
	r.Use(gin.Recovery(), s.requestID(), s.accessLog())
	r.GET("/api/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "pong"})
	})
	r.GET("/api/services", s.services)
	r.POST("/api/detect/:service", s.detect)
	r.POST("/api/annotate/:service", s.annotate)
	r.GET("/metrics", gin.WrapH(dash.Metrics().Handler()))
	s.engine = r
	return s
}

// Handler returns the router
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.logger.Info("shutting down http server")
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.New().String()
		}
		c.Set("request_id", id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Info("request",
			zap.String("request_id", c.GetString("request_id")),
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("elapsed", time.Since(start)))
	}
}

type serviceInfo struct {
	Key  string `json:"key"`
	Name string `json:"name"`
}

func (s *Server) services(c *gin.Context) {
	keys := s.dash.AvailableServices()
	out := make([]serviceInfo, 0, len(keys))
	for _, k := range keys {
		out = append(out, serviceInfo{Key: k, Name: detection.DisplayName(k)})
	}
	c.JSON(http.StatusOK, gin.H{"data": out})
}

// upload reads the multipart file and the optional threshold field.
// A missing threshold selects the service default.
func (s *Server) upload(c *gin.Context) ([]byte, float64, bool) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.maxUploadSize)
	if _, err := c.MultipartForm(); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{
				"error": fmt.Sprintf("File upload failed: upload exceeds %d bytes", tooLarge.Limit),
			})
			return nil, 0, false
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "File upload failed: " + err.Error()})
		return nil, 0, false
	}

	threshold := -1.0
	if v := c.PostForm("threshold"); v != "" {
		t, err := strconv.ParseFloat(v, 64)
		if err != nil || t < 0 || t > 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid threshold"})
			return nil, 0, false
		}
		threshold = t
	}

	fh, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "File upload failed: " + err.Error()})
		return nil, 0, false
	}
	f, err := fh.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "File upload failed: " + err.Error()})
		return nil, 0, false
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "File upload failed: " + err.Error()})
		return nil, 0, false
	}
	return data, threshold, true
}

type detectResponse struct {
	RequestID      string             `json:"request_id"`
	Result         types.Serializable `json:"result"`
	Filtered       []types.Detection  `json:"filtered"`
	Groups         types.TagGroups    `json:"groups"`
	Colors         map[string]string  `json:"colors"`
	AnnotatedImage string             `json:"annotated_image"`
}

func (s *Server) detect(c *gin.Context) {
	data, threshold, ok := s.upload(c)
	if !ok {
		return
	}

	outcome, err := s.dash.Detect(c.Request.Context(), c.Param("service"), data, threshold)
	if err != nil {
		s.fail(c, err)
		return
	}

	png, err := processing.EncodeBytes(outcome.Annotated, "png", 0)
	if err != nil {
		s.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, detectResponse{
		RequestID:      c.GetString("request_id"),
		Result:         outcome.Result.ToSerializable(),
		Filtered:       outcome.Filtered,
		Groups:         outcome.Groups,
		Colors:         outcome.Colors,
		AnnotatedImage: base64.StdEncoding.EncodeToString(png),
	})
}

func (s *Server) annotate(c *gin.Context) {
	data, threshold, ok := s.upload(c)
	if !ok {
		return
	}

	outcome, err := s.dash.Detect(c.Request.Context(), c.Param("service"), data, threshold)
	if err != nil {
		s.fail(c, err)
		return
	}

	png, err := processing.EncodeBytes(outcome.Annotated, "png", 0)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.Data(http.StatusOK, "image/png", png)
}

// fail maps dashboard errors onto HTTP status codes
func (s *Server) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	var terr *transport.Error
	switch {
	case errors.Is(err, detection.ErrUnknownService):
		status = http.StatusNotFound
	case errors.Is(err, detection.ErrServiceUnavailable):
		status = http.StatusServiceUnavailable
	case errors.Is(err, detectiondashboard.ErrInvalidImage):
		status = http.StatusBadRequest
	case errors.As(err, &terr):
		status = http.StatusBadGateway
	}

	s.logger.Warn("request failed",
		zap.String("request_id", c.GetString("request_id")),
		zap.String("service", c.Param("service")),
		zap.Int("status", status),
		zap.Error(err))
	c.JSON(status, gin.H{"error": err.Error(), "request_id": c.GetString("request_id")})
}
