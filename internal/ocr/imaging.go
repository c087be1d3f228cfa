package ocr

import (
	"bytes"
	"encoding/base64"
	"image"
	"image/png"
	"math"

	xdraw "golang.org/x/image/draw"
)

// patchFactor is the vision encoder's patch edge; both output dimensions
// are multiples of it.
const patchFactor = 28

// FitDimensions returns the size an h×w image is scaled to so that its pixel
// count lies within [minPixels, maxPixels] and both edges are multiples of
// the patch factor.
func FitDimensions(h, w, minPixels, maxPixels int) (int, int) {
	if h <= 0 || w <= 0 {
		return patchFactor, patchFactor
	}
	roundTo := func(v float64) int {
		return max(patchFactor, int(math.Round(v/patchFactor))*patchFactor)
	}
	hBar, wBar := roundTo(float64(h)), roundTo(float64(w))
	switch {
	case maxPixels > 0 && hBar*wBar > maxPixels:
		beta := math.Sqrt(float64(h*w) / float64(maxPixels))
		hBar = max(patchFactor, int(math.Floor(float64(h)/beta/patchFactor))*patchFactor)
		wBar = max(patchFactor, int(math.Floor(float64(w)/beta/patchFactor))*patchFactor)
	case minPixels > 0 && hBar*wBar < minPixels:
		beta := math.Sqrt(float64(minPixels) / float64(h*w))
		hBar = int(math.Ceil(float64(h)*beta/patchFactor)) * patchFactor
		wBar = int(math.Ceil(float64(w)*beta/patchFactor)) * patchFactor
	}
	return hBar, wBar
}

// ScaleToFit resizes img into the processor's pixel budget.
func (p Processor) ScaleToFit(img image.Image) image.Image {
	b := img.Bounds()
	h, w := FitDimensions(b.Dy(), b.Dx(), p.MinPixels, p.MaxPixels)
	if h == b.Dy() && w == b.Dx() {
		return img
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), img, b, xdraw.Src, nil)
	return dst
}

// EncodePNG encodes img as PNG.
func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// PNGDataURL encodes img as a base64 PNG data URL.
func PNGDataURL(img image.Image) (string, error) {
	data, err := EncodePNG(img)
	if err != nil {
		return "", err
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(data), nil
}
