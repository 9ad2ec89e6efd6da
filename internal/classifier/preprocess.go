package classifier

import (
	"bytes"
	"image"
	"image/jpeg"

	"github.com/nfnt/resize"
)

// InputSize is the square edge length the ResNet50 model was trained on.
const InputSize = 224

const jpegQuality = 90

// Preprocess scales an accepted fundus image down to the model input size
// and re-encodes it as JPEG for the wire. Normalization happens inside the
// inference service next to the model weights.
func Preprocess(img image.Image) ([]byte, error) {
	resized := resize.Resize(InputSize, InputSize, img, resize.Lanczos3)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, resized, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
