package server

import (
	"bytes"
	"cmp"
	"errors"
	"fmt"
	"net/http"

	heap "github.com/emirpasic/gods/v2/trees/binaryheap"
	"github.com/gin-gonic/gin"
	"github.com/lucasb-eyer/go-colorful"

	"github.com/chromagen/chromagen/api"
	"github.com/chromagen/chromagen/envconfig"
	"github.com/chromagen/chromagen/histogram"
	"github.com/chromagen/chromagen/imageproc"
	"github.com/chromagen/chromagen/ml"
)

const defaultPaletteSize = 5

// imageTensor decodes one image and lays it out as a [1, 3, height, width]
// tensor with values in [0, 1]. Alpha is composited over white first.
func imageTensor(ctx ml.Context, data api.ImageData) (ml.Tensor, error) {
	if len(data) == 0 {
		return nil, errors.New("image is required")
	}

	img, err := imageproc.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decoding image: %w", err)
	}

	floats, width, height := imageproc.ToFloats(imageproc.Composite(img))
	return ctx.FromFloats(floats, 1, 3, height, width), nil
}

// sparseBins lists the occupied bins of one joint histogram, heaviest
// first. A positive limit keeps only that many.
func sparseBins(h []float32, bins, limit int) []api.Bin {
	if limit <= 0 {
		limit = len(h)
	}

	// lightest of the kept bins on top, so it is the one displaced
	kept := heap.NewWith(func(a, b api.Bin) int {
		return cmp.Compare(a.Mass, b.Mass)
	})

	for i, mass := range h {
		if mass == 0 {
			continue
		}

		kept.Push(api.Bin{
			R:    i / (bins * bins),
			G:    i / bins % bins,
			B:    i % bins,
			Mass: mass,
		})

		if kept.Size() > limit {
			kept.Pop()
		}
	}

	out := make([]api.Bin, kept.Size())
	for i := len(out) - 1; i >= 0; i-- {
		out[i], _ = kept.Pop()
	}

	return out
}

func (s *Server) HistogramHandler(c *gin.Context) {
	var req api.HistogramRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	bits := req.Bits
	if bits == 0 {
		bits = int(envconfig.ColorBits())
	}

	extractor, err := histogram.NewExtractor(bits)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := s.backend.NewContext()
	defer ctx.Close()

	images, err := imageTensor(ctx, req.Image)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	h, err := extractor.ExtractHard(ctx, images)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	r, g, b := histogram.ChannelCurves(ctx, h)

	resp := api.HistogramResponse{
		Bits:      bits,
		Histogram: sparseBins(h.Floats(), extractor.Bins(), req.TopK),
		Channels:  [3][]float32{r.Floats(), g.Floats(), b.Floats()},
	}
	copy(resp.ExpectedColor[:], histogram.ExpectedColor(ctx, h).Floats())

	c.JSON(http.StatusOK, resp)
}

func (s *Server) PaletteHandler(c *gin.Context) {
	var req api.PaletteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if len(req.Image) == 0 {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "image is required"})
		return
	}

	img, err := imageproc.Decode(bytes.NewReader(req.Image))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("decoding image: %s", err)})
		return
	}

	size := req.Size
	if size == 0 {
		size = defaultPaletteSize
	}

	var colors []colorful.Color
	if req.Dominant {
		colors, err = imageproc.DominantPalette(img, size)
	} else {
		colors, err = imageproc.Palette(img, size)
	}
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	resp := api.PaletteResponse{Colors: make([]string, len(colors))}
	for i, color := range colors {
		resp.Colors[i] = color.Hex()
	}

	c.JSON(http.StatusOK, resp)
}

func (s *Server) EncodeHandler(c *gin.Context) {
	var req api.EncodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	enc, err := s.encoderModel()
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	ctx := s.backend.NewContext()
	defer ctx.Close()

	images, err := imageTensor(ctx, req.Image)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	extractor, err := histogram.NewExtractor(enc.Config.ColorBits)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	h, err := extractor.Extract(ctx, images)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	tokens := enc.Forward(ctx, h)

	var resp api.EncodeResponse
	if req.ClassOnly {
		dim := tokens.Dim(2)
		resp.Shape = []int{dim}
		resp.Embedding = tokens.Floats()[:dim]
	} else {
		resp.Shape = []int{tokens.Dim(1), tokens.Dim(2)}
		resp.Embedding = tokens.Floats()
	}

	c.JSON(http.StatusOK, resp)
}
