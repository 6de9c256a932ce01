package media

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/rwcarlsen/goexif/exif"
)

var supportedImageExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true,
}

// IsRasterImage checks if the filename has a supported raster image extension
func IsRasterImage(filename string) bool {
	ext := strings.ToLower(filepath.Ext(filename))
	return supportedImageExtensions[ext]
}

// ImageInfo carries the EXIF facts the attendance flow cares about.
type ImageInfo struct {
	Orientation int        // EXIF orientation 1-8, 1 when absent
	TakenAt     *time.Time // capture time when the camera recorded it
}

// readImageInfo extracts orientation and capture time. Missing EXIF is not an error.
func readImageInfo(r io.Reader) ImageInfo {
	info := ImageInfo{Orientation: 1}
	x, err := exif.Decode(r)
	if err != nil {
		return info
	}
	if tag, err := x.Get(exif.Orientation); err == nil && tag != nil {
		if v, err := tag.Int(0); err == nil && v >= 1 && v <= 8 {
			info.Orientation = v
		}
	}
	if t, err := x.DateTime(); err == nil {
		info.TakenAt = &t
	}
	return info
}

// applyOrientation rotates/flips img so that it displays upright.
func applyOrientation(img image.Image, orientation int) image.Image {
	switch orientation {
	case 2:
		return imaging.FlipH(img)
	case 3:
		return imaging.Rotate180(img)
	case 4:
		return imaging.FlipV(img)
	case 5:
		return imaging.Transpose(img)
	case 6:
		return imaging.Rotate270(img)
	case 7:
		return imaging.Transverse(img)
	case 8:
		return imaging.Rotate90(img)
	default:
		return img
	}
}

// DecodeImage decodes data and applies its EXIF orientation.
func DecodeImage(data []byte) (image.Image, ImageInfo, error) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, ImageInfo{}, fmt.Errorf("failed to decode image: %w", err)
	}
	info := ImageInfo{Orientation: 1}
	if format == "jpeg" {
		info = readImageInfo(bytes.NewReader(data))
	}
	return applyOrientation(img, info.Orientation), info, nil
}

// ReadImage decodes an uploaded image stream, see DecodeImage.
func ReadImage(r io.Reader) (image.Image, ImageInfo, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, ImageInfo{}, fmt.Errorf("failed to read image: %w", err)
	}
	return DecodeImage(data)
}

// LoadImage reads and decodes an image file from disk.
func LoadImage(path string) (image.Image, error) {
	if !IsRasterImage(path) {
		return nil, fmt.Errorf("unsupported image type: %s", filepath.Ext(path))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image %s: %w", path, err)
	}
	img, info, err := DecodeImage(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if info.Orientation != 1 {
		log.Printf("media: applied EXIF orientation %d to %s", info.Orientation, path)
	}
	return img, nil
}
