package retina

import (
	"fmt"
	"image"
	"math"
	"strings"
)

// Code identifies a single failed plausibility check.
type Code string

const (
	CodeInvalidImageFormat      Code = "InvalidImageFormat"
	CodeImageTooSmall           Code = "ImageTooSmall"
	CodeAspectRatioOutOfRange   Code = "AspectRatioOutOfRange"
	CodeInsufficientSaturation  Code = "InsufficientSaturation"
	CodeNoCircularFieldDetected Code = "NoCircularFieldDetected"
	CodeWrongHueDistribution    Code = "WrongHueDistribution"
	CodeExposureOutOfRange      Code = "ExposureOutOfRange"
)

// Reason pairs a check code with a human-readable explanation for the caller.
type Reason struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

// Verdict is the aggregated outcome of all plausibility checks. Accepted is
// true only when every check passed; Reasons lists every failed check in
// check order, never a partial subset.
type Verdict struct {
	Accepted bool     `json:"accepted"`
	Reasons  []Reason `json:"reasons,omitempty"`
}

// RejectionError surfaces a rejected upload as a normal, recoverable error
// carrying the complete reason list.
type RejectionError struct {
	Reasons []Reason
}

func (e *RejectionError) Error() string {
	msgs := make([]string, 0, len(e.Reasons))
	for _, r := range e.Reasons {
		msgs = append(msgs, r.Message)
	}
	return "not a retinal fundus image: " + strings.Join(msgs, "; ")
}

// Err converts a verdict into a *RejectionError, or nil when accepted.
func (v Verdict) Err() error {
	if v.Accepted {
		return nil
	}
	return &RejectionError{Reasons: v.Reasons}
}

// Config holds the heuristic thresholds. The defaults were tuned empirically
// on fundus-camera output; deployments with unusual cameras should adjust
// them rather than disable checks.
type Config struct {
	// Minimum pixel dimensions.
	MinWidth  int
	MinHeight int
	// Acceptable width/height ratio range.
	MinAspectRatio float64
	MaxAspectRatio float64
	// Mean HSV saturation floor, on a 0-255 scale.
	MinSaturation float64
	// Luminance above which a pixel counts as part of the bright field-of-view
	// disc, on a 0-255 scale.
	BrightThreshold float64
	// Minimum 4*pi*area/perimeter^2 of the bright region.
	MinCircularity float64
	// Acceptable mean luminance range, on a 0-255 scale.
	MinLuminance float64
	MaxLuminance float64
	// Pixel sampling cap per axis; larger images are sampled on a coarser grid.
	MaxSampleDim int
}

// DefaultConfig returns the thresholds used in production.
func DefaultConfig() Config {
	return Config{
		MinWidth:        100,
		MinHeight:       100,
		MinAspectRatio:  0.7,
		MaxAspectRatio:  1.5,
		MinSaturation:   20,
		BrightThreshold: 10,
		MinCircularity:  0.2,
		MinLuminance:    15,
		MaxLuminance:    240,
		MaxSampleDim:    256,
	}
}

// Validator decides whether an uploaded image is plausibly a retinal fundus
// photograph before it reaches the classifier. It is stateless and safe for
// concurrent use.
type Validator struct {
	cfg Config
}

func NewValidator(cfg Config) *Validator {
	return &Validator{cfg: cfg}
}

// Validate runs every check and aggregates all failures into one verdict.
// Checks never short-circuit, so a rejection always explains everything that
// is wrong with the upload.
func (v *Validator) Validate(img image.Image) Verdict {
	var reasons []Reason

	if isGrayscale(img) {
		reasons = append(reasons, Reason{
			Code:    CodeInvalidImageFormat,
			Message: "image must be in RGB color format; retinal fundus photographs are color images",
		})
	}

	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if width < v.cfg.MinWidth || height < v.cfg.MinHeight {
		reasons = append(reasons, Reason{
			Code: CodeImageTooSmall,
			Message: fmt.Sprintf("image resolution too low (%dx%d); retinal images should be at least %dx%d pixels",
				width, height, v.cfg.MinWidth, v.cfg.MinHeight),
		})
	}

	if height > 0 {
		ratio := float64(width) / float64(height)
		if ratio < v.cfg.MinAspectRatio || ratio > v.cfg.MaxAspectRatio {
			reasons = append(reasons, Reason{
				Code: CodeAspectRatioOutOfRange,
				Message: fmt.Sprintf("aspect ratio %.2f is outside [%.2f, %.2f]; fundus photographs are roughly square",
					ratio, v.cfg.MinAspectRatio, v.cfg.MaxAspectRatio),
			})
		}
	}

	st := v.sample(img)

	if st.meanSaturation < v.cfg.MinSaturation {
		reasons = append(reasons, Reason{
			Code:    CodeInsufficientSaturation,
			Message: "image appears to be grayscale or lacks color; retinal images should show visible blood vessels and color",
		})
	}

	if circ, ok := st.circularity(); ok && circ < v.cfg.MinCircularity {
		reasons = append(reasons, Reason{
			Code:    CodeNoCircularFieldDetected,
			Message: "image does not show the circular field of view typical of a retinal fundus photograph",
		})
	}

	if st.meanBlue > st.meanRed && st.meanBlue > st.meanGreen {
		reasons = append(reasons, Reason{
			Code:    CodeWrongHueDistribution,
			Message: "image has an unusual color distribution; retinal images have reddish or orange tones, not predominantly blue",
		})
	}

	if st.meanLuma < v.cfg.MinLuminance {
		reasons = append(reasons, Reason{
			Code:    CodeExposureOutOfRange,
			Message: "image is too dark; please upload a properly illuminated retinal image",
		})
	} else if st.meanLuma > v.cfg.MaxLuminance {
		reasons = append(reasons, Reason{
			Code:    CodeExposureOutOfRange,
			Message: "image is overexposed; please upload a properly exposed retinal image",
		})
	}

	return Verdict{Accepted: len(reasons) == 0, Reasons: reasons}
}

func isGrayscale(img image.Image) bool {
	switch img.(type) {
	case *image.Gray, *image.Gray16:
		return true
	}
	return false
}

// stats accumulates per-pixel measurements over a sampled grid.
type stats struct {
	meanRed        float64
	meanGreen      float64
	meanBlue       float64
	meanSaturation float64
	meanLuma       float64
	// bright mask on the sampled grid, row-major.
	bright     []bool
	gridWidth  int
	gridHeight int
}

func (v *Validator) sample(img image.Image) stats {
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if width == 0 || height == 0 {
		return stats{}
	}

	stride := 1
	if longest := max(width, height); v.cfg.MaxSampleDim > 0 && longest > v.cfg.MaxSampleDim {
		stride = (longest + v.cfg.MaxSampleDim - 1) / v.cfg.MaxSampleDim
	}

	gw := (width + stride - 1) / stride
	gh := (height + stride - 1) / stride
	st := stats{bright: make([]bool, gw*gh), gridWidth: gw, gridHeight: gh}

	var sumR, sumG, sumB, sumS, sumL float64
	for gy := 0; gy < gh; gy++ {
		for gx := 0; gx < gw; gx++ {
			r16, g16, b16, _ := img.At(bounds.Min.X+gx*stride, bounds.Min.Y+gy*stride).RGBA()
			r := float64(r16 >> 8)
			g := float64(g16 >> 8)
			b := float64(b16 >> 8)

			sumR += r
			sumG += g
			sumB += b
			sumS += saturation(r, g, b)

			luma := 0.299*r + 0.587*g + 0.114*b
			sumL += luma
			if luma > v.cfg.BrightThreshold {
				st.bright[gy*gw+gx] = true
			}
		}
	}

	n := float64(gw * gh)
	st.meanRed = sumR / n
	st.meanGreen = sumG / n
	st.meanBlue = sumB / n
	st.meanSaturation = sumS / n
	st.meanLuma = sumL / n
	return st
}

// saturation is the HSV S channel on a 0-255 scale.
func saturation(r, g, b float64) float64 {
	maxc := math.Max(r, math.Max(g, b))
	if maxc == 0 {
		return 0
	}
	minc := math.Min(r, math.Min(g, b))
	return (maxc - minc) / maxc * 255
}

// circularity estimates 4*pi*area/perimeter^2 of the bright region on the
// sampled grid. Area is the bright cell count and perimeter the count of
// bright cells adjacent to a dark cell or the image edge, which tracks the
// contour-based statistic closely enough for the 0.2 cutoff. Returns false
// when there is no bright region to measure (the exposure check covers
// all-black images).
func (st *stats) circularity() (float64, bool) {
	area := 0
	perimeter := 0
	for y := 0; y < st.gridHeight; y++ {
		for x := 0; x < st.gridWidth; x++ {
			if !st.bright[y*st.gridWidth+x] {
				continue
			}
			area++
			if y == 0 || y == st.gridHeight-1 || x == 0 || x == st.gridWidth-1 ||
				!st.bright[(y-1)*st.gridWidth+x] || !st.bright[(y+1)*st.gridWidth+x] ||
				!st.bright[y*st.gridWidth+x-1] || !st.bright[y*st.gridWidth+x+1] {
				perimeter++
			}
		}
	}
	if area == 0 || perimeter == 0 {
		return 0, false
	}
	return 4 * math.Pi * float64(area) / (float64(perimeter) * float64(perimeter)), true
}
