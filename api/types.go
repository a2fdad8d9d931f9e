package api

import "fmt"

// StatusError is an error with an HTTP status code and message.
type StatusError struct {
	StatusCode   int
	Status       string
	ErrorMessage string `json:"error"`
}

func (e StatusError) Error() string {
	switch {
	case e.Status != "" && e.ErrorMessage != "":
		return fmt.Sprintf("%s: %s", e.Status, e.ErrorMessage)
	case e.Status != "":
		return e.Status
	case e.ErrorMessage != "":
		return e.ErrorMessage
	default:
		return "something went wrong, please see the chromagen server logs for details"
	}
}

// ImageData is the raw binary data of an image file. It travels as
// base64 inside JSON bodies.
type ImageData []byte

// HistogramRequest asks for the color histogram of one image.
type HistogramRequest struct {
	Image ImageData `json:"image"`

	// Bits per channel; the server default applies when zero.
	Bits int `json:"bits,omitempty"`

	// TopK caps the number of bins in the response to the K heaviest.
	// Zero returns every occupied bin.
	TopK int `json:"top_k,omitempty"`
}

// Bin is one occupied cell of the joint histogram, addressed by its
// per-channel bin indices.
type Bin struct {
	R    int     `json:"r"`
	G    int     `json:"g"`
	B    int     `json:"b"`
	Mass float32 `json:"mass"`
}

// HistogramResponse carries the sparse joint histogram of an image plus
// the derived channel curves. Only occupied bins are listed, heaviest
// first.
type HistogramResponse struct {
	Bits          int          `json:"bits"`
	Histogram     []Bin        `json:"histogram"`
	Channels      [3][]float32 `json:"channels"`
	ExpectedColor [3]float32   `json:"expected_color"`
}

// PaletteRequest asks for the representative colors of one image.
type PaletteRequest struct {
	Image ImageData `json:"image"`

	// Size is the number of colors; the server default applies when
	// zero.
	Size int `json:"size,omitempty"`

	// Dominant selects diversity weighted dominant colors instead of
	// cluster centers.
	Dominant bool `json:"dominant,omitempty"`
}

// PaletteResponse lists palette colors as #rrggbb hex strings, most
// prominent first.
type PaletteResponse struct {
	Colors []string `json:"colors"`
}

// EncodeRequest asks for the conditioning embedding of one image.
type EncodeRequest struct {
	Image ImageData `json:"image"`

	// ClassOnly returns just the class token vector instead of the
	// full token sequence.
	ClassOnly bool `json:"class_only,omitempty"`
}

// EncodeResponse carries a flattened embedding tensor and its shape:
// [tokens, dim] for the full sequence, [dim] for the class token alone.
type EncodeResponse struct {
	Shape     []int     `json:"shape"`
	Embedding []float32 `json:"embedding"`
}
