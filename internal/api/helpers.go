package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v5"

	"github.com/samcharles93/glance/internal/caption"
)

func writeBadRequest(c *echo.Context, msg, param string) error {
	return writeError(c, http.StatusBadRequest, "invalid_request_error", msg, param, "")
}

func writeError(c *echo.Context, status int, errType, msg, param, code string) error {
	return c.JSON(status, map[string]any{
		"error": ResponseError{
			Message: msg,
			Type:    errType,
			Code:    code,
			Param:   param,
		},
	})
}

// writeCaptionError maps generation failures onto HTTP statuses.
func writeCaptionError(c *echo.Context, err error) error {
	status, errType := captionErrorStatus(err)
	return writeError(c, status, errType, err.Error(), "", "")
}

func captionErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, caption.ErrInvalidImage):
		return http.StatusBadRequest, "invalid_image_error"
	case errors.Is(err, caption.ErrUnsupportedChannelLayout):
		return http.StatusUnsupportedMediaType, "unsupported_channel_layout_error"
	case errors.Is(err, caption.ErrGenerationTimeout):
		return http.StatusGatewayTimeout, "timeout_error"
	case errors.Is(err, context.Canceled):
		return http.StatusRequestTimeout, "cancelled_error"
	case errors.Is(err, caption.ErrModelInference):
		return http.StatusInternalServerError, "inference_error"
	default:
		return http.StatusInternalServerError, "server_error"
	}
}

func streamParam(c *echo.Context) bool {
	q := c.QueryParam("stream")
	return q == "1" || strings.EqualFold(q, "true")
}

func newCaptionID() string {
	return "cap_" + uuid.NewString()
}
