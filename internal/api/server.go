package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v5"

	"github.com/samcharles93/glance/internal/caption"
	"github.com/samcharles93/glance/internal/logger"
	"github.com/samcharles93/glance/internal/version"
)

const (
	// DefaultMaxUploadBytes caps an uploaded image.
	DefaultMaxUploadBytes = 10 << 20

	imageField = "image"
)

// Captioner is the part of caption.Generator the server needs.
type Captioner interface {
	Generate(ctx context.Context, image []byte, step caption.StepFunc) (*caption.Result, error)
}

type Config struct {
	Captioner      Captioner
	Model          ModelInfo
	MaxUploadBytes int64
	Logger         logger.Logger
}

type Server struct {
	captioner Captioner
	model     ModelInfo
	maxUpload int64
	log       logger.Logger
	clock     func() time.Time
	started   time.Time
}

func NewServer(cfg Config) *Server {
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Discard()
	}
	cfg.Model.Object = "model"
	return &Server{
		captioner: cfg.Captioner,
		model:     cfg.Model,
		maxUpload: cfg.MaxUploadBytes,
		log:       cfg.Logger,
		clock:     time.Now,
		started:   time.Now(),
	}
}

func (s *Server) Register(e *echo.Echo) {
	e.GET("/health", s.handleHealth)
	e.GET("/v1/model", s.handleModel)
	e.POST("/v1/captions", s.handleCreateCaption)
}

func (s *Server) handleHealth(c *echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{
		Status:        "ok",
		Version:       version.Resolve(),
		UptimeSeconds: int64(version.Uptime(s.started).Seconds()),
	})
}

func (s *Server) handleModel(c *echo.Context) error {
	return c.JSON(http.StatusOK, s.model)
}

func (s *Server) handleCreateCaption(c *echo.Context) error {
	if s.captioner == nil {
		return writeError(c, http.StatusInternalServerError, "server_error", "caption model not configured", "", "")
	}
	data, err := s.readImage(c)
	if err != nil {
		return s.writeReadError(c, err)
	}

	id := newCaptionID()
	created := s.clock().Unix()
	if streamParam(c) {
		return s.streamCaption(c, id, created, data)
	}

	res, err := s.captioner.Generate(c.Request().Context(), data, nil)
	if err != nil {
		s.logFailure(id, err)
		return writeCaptionError(c, err)
	}
	return c.JSON(http.StatusOK, toCaptionResponse(id, created, res))
}

func (s *Server) streamCaption(c *echo.Context, id string, created int64, data []byte) error {
	sw, err := NewSSEStreamWriter(c)
	if err != nil {
		return writeBadRequest(c, err.Error(), "stream")
	}

	var writeErr error
	res, err := s.captioner.Generate(c.Request().Context(), data, func(step int, word string) {
		if writeErr == nil {
			writeErr = sw.EmitWord(id, step, word)
		}
	})
	if err != nil {
		s.logFailure(id, err)
		if !sw.Started() {
			return writeCaptionError(c, err)
		}
		return sw.Failed(err)
	}
	resp := toCaptionResponse(id, created, res)
	if writeErr != nil {
		return writeErr
	}
	return sw.Complete(resp)
}

// readImage accepts a multipart upload in the "image" field or a raw body.
func (s *Server) readImage(c *echo.Context) ([]byte, error) {
	req := c.Request()
	req.Body = http.MaxBytesReader(c.Response(), req.Body, s.maxUpload)

	var mediaType string
	if ct := req.Header.Get(echo.HeaderContentType); ct != "" {
		mt, _, err := mime.ParseMediaType(ct)
		if err != nil {
			return nil, newInvalidRequest("", fmt.Sprintf("invalid content type: %v", err))
		}
		mediaType = mt
	}

	switch {
	case mediaType == "multipart/form-data":
		if err := req.ParseMultipartForm(s.maxUpload); err != nil {
			return nil, err
		}
		file, _, err := req.FormFile(imageField)
		if err != nil {
			return nil, newInvalidRequest(imageField, `multipart field "image" is required`)
		}
		defer file.Close()
		return io.ReadAll(file)
	case mediaType == "", mediaType == "application/octet-stream", strings.HasPrefix(mediaType, "image/"):
		return io.ReadAll(req.Body)
	default:
		return nil, newInvalidRequest("", fmt.Sprintf("unsupported content type %q, send multipart/form-data or image/*", mediaType))
	}
}

func (s *Server) writeReadError(c *echo.Context, err error) error {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return writeError(c, http.StatusRequestEntityTooLarge, "invalid_request_error",
			fmt.Sprintf("image exceeds %d bytes", maxErr.Limit), imageField, "request_too_large")
	}
	var invalid invalidRequestError
	if errors.As(err, &invalid) {
		return writeBadRequest(c, invalid.msg, invalid.param)
	}
	return writeBadRequest(c, err.Error(), "")
}

func (s *Server) logFailure(id string, err error) {
	status, errType := captionErrorStatus(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("caption failed", "caption_id", id, "type", errType, "error", err)
		return
	}
	s.log.Debug("caption rejected", "caption_id", id, "type", errType, "error", err)
}

func toCaptionResponse(id string, created int64, res *caption.Result) CaptionResponse {
	return CaptionResponse{
		ID:         id,
		Object:     "caption",
		CreatedAt:  created,
		Caption:    res.Caption,
		Truncated:  res.Truncated,
		StopReason: string(res.Stop),
		Steps:      res.Steps,
		DurationMS: res.Duration.Milliseconds(),
		Image: ImageInfo{
			Width:  res.Image.Width,
			Height: res.Image.Height,
			Format: res.Image.Format,
			Bytes:  res.Image.Bytes,
		},
	}
}
