package api

import "github.com/samcharles93/glance/internal/version"

type CaptionResponse struct {
	ID         string    `json:"id"`
	Object     string    `json:"object"`
	CreatedAt  int64     `json:"created_at"`
	Caption    string    `json:"caption"`
	Truncated  bool      `json:"truncated"`
	StopReason string    `json:"stop_reason,omitempty"`
	Steps      int       `json:"steps"`
	DurationMS int64     `json:"duration_ms"`
	Image      ImageInfo `json:"image"`
}

type ImageInfo struct {
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Format string `json:"format"`
	Bytes  int    `json:"bytes"`
}

type ResponseError struct {
	Message string `json:"message,omitempty"`
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
	Param   string `json:"param,omitempty"`
}

type HealthResponse struct {
	Status        string       `json:"status"`
	Version       version.Info `json:"version"`
	UptimeSeconds int64        `json:"uptime_seconds"`
}

// ModelInfo describes the loaded caption model on GET /v1/model.
type ModelInfo struct {
	Object        string `json:"object"`
	Name          string `json:"name,omitempty"`
	ImgSize       int    `json:"img_size"`
	MaxLength     int    `json:"max_length"`
	FeatureDim    int    `json:"feature_dim"`
	VocabSize     int    `json:"vocab_size"`
	Words         int    `json:"words"`
	Layout        string `json:"layout"`
	Interpolation string `json:"interpolation"`
	StartToken    string `json:"start_token"`
	EndToken      string `json:"end_token"`
}
