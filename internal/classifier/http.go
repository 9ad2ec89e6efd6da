package classifier

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/visionchain/retina-api/internal/diagnosis"
)

// classifyResponse mirrors the inference sidecar's JSON contract:
// probabilities in [0,1] over the fixed label set plus an optional
// base64-encoded GradCAM PNG.
type classifyResponse struct {
	ClassProbabilities map[string]float64 `json:"class_probabilities"`
	HeatmapPNG         string             `json:"heatmap_png,omitempty"`
	Error              string             `json:"error,omitempty"`
}

// HTTPClient calls the DR inference sidecar over HTTP.
type HTTPClient struct {
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient returns a classifier client for the sidecar at baseURL.
func NewHTTPClient(baseURL string, client *http.Client, logger *zap.Logger) *HTTPClient {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPClient{baseURL: baseURL, client: client, logger: logger.Named("classifier")}
}

// Classify submits a preprocessed JPEG and decodes the probability vector.
func (c *HTTPClient) Classify(ctx context.Context, jpegImage []byte) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/classify", bytes.NewReader(jpegImage))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	req.Header.Set("Content-Type", "image/jpeg")

	res, err := c.client.Do(req)
	if err != nil {
		c.logger.Error("classifier request failed", zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer func() {
		if err := res.Body.Close(); err != nil {
			c.logger.Warn("failed to close classifier response body", zap.Error(err))
		}
	}()

	if res.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		c.logger.Error("classifier returned error status",
			zap.Int("status", res.StatusCode), zap.ByteString("body", body))
		return nil, fmt.Errorf("%w: http %d", ErrUnavailable, res.StatusCode)
	}

	var body classifyResponse
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("%w: decoding response: %v", ErrUnavailable, err)
	}
	if body.Error != "" {
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, body.Error)
	}

	result := &Result{Probabilities: diagnosis.Probabilities(body.ClassProbabilities)}
	if body.HeatmapPNG != "" {
		png, err := base64.StdEncoding.DecodeString(body.HeatmapPNG)
		if err != nil {
			// A broken heatmap never blocks the diagnosis.
			c.logger.Warn("failed to decode heatmap payload", zap.Error(err))
		} else {
			result.HeatmapPNG = png
		}
	}
	return result, nil
}
