package classifier

import (
	"context"
	"errors"

	"github.com/visionchain/retina-api/internal/diagnosis"
)

// ErrUnavailable marks inference failures. They are not retried here: the
// caller surfaces them to the client, which may simply re-upload.
var ErrUnavailable = errors.New("inference service unavailable")

// Result contains the outcome returned by the DR classifier service.
type Result struct {
	Probabilities diagnosis.Probabilities
	// HeatmapPNG is the GradCAM overlay rendered by the inference service,
	// empty when heatmap generation failed.
	HeatmapPNG []byte
}

// Client exposes the subset of classifier functionality used by the
// screening flow.
type Client interface {
	Classify(ctx context.Context, jpegImage []byte) (*Result, error)
}
