package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
)

// Image converts between raster image formats.
type Image struct{}

func NewImage() *Image { return &Image{} }

func (i *Image) Name() string { return NameImage }

var imageFormats = map[string]imaging.Format{
	"png":  imaging.PNG,
	"jpeg": imaging.JPEG,
	"jpg":  imaging.JPEG,
	"gif":  imaging.GIF,
	"tiff": imaging.TIFF,
	"bmp":  imaging.BMP,
}

func (i *Image) Supports(from, to string) bool {
	_, fromOK := imageFormats[from]
	_, toOK := imageFormats[to]
	return fromOK && toOK && from != to
}

func (i *Image) Convert(_ context.Context, req Request) (Result, error) {
	format, ok := imageFormats[req.ToFormat]
	if !ok {
		return Result{}, Terminal(fmt.Sprintf("unsupported image format %q", req.ToFormat))
	}

	src, err := imaging.Open(req.InputPath)
	if err != nil {
		return Result{}, Terminal(fmt.Sprintf("decode image: %v", err))
	}

	name := outputName(req.InputPath, req.ToFormat)
	out, err := os.Create(filepath.Join(req.WorkDir, name))
	if err != nil {
		return Result{}, Terminal(fmt.Sprintf("create output: %v", err))
	}
	defer out.Close()

	if err := imaging.Encode(out, src, format, imaging.JPEGQuality(85)); err != nil {
		return Result{}, Terminal(fmt.Sprintf("encode image: %v", err))
	}
	return Result{Output: name, ProducedBy: NameImage}, nil
}
