package media

import (
	"fmt"
	"image"
	"io"
	"log"
	"math"
	"strconv"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"
)

const (
	ReferenceMaxSide       = 1024
	ReferenceJpegQuality   = 90
	ReferenceFileExtension = ".jpg"
)

// ReferenceProcessor normalizes uploaded enrollment photos and saves them to a ReferenceStore.
type ReferenceProcessor struct {
	store *ReferenceStore
}

func NewReferenceProcessor(store *ReferenceStore) *ReferenceProcessor {
	return &ReferenceProcessor{store: store}
}

// fitWithin returns dimensions where the longest side is at most maxSize,
// keeping the aspect ratio. Smaller images keep their size.
func fitWithin(w, h, maxSize int) (int, int) {
	if w <= maxSize && h <= maxSize {
		return w, h
	}
	if w > h {
		return maxSize, maxInt(1, int(math.Round(float64(h)*float64(maxSize)/float64(w))))
	}
	return maxInt(1, int(math.Round(float64(w)*float64(maxSize)/float64(h)))), maxSize
}

// SaveReference decodes an uploaded photo, applies its EXIF orientation,
// downsizes it and stores it as JPEG under the classroom's directory.
// It returns the relative path to record on the student.
func (p *ReferenceProcessor) SaveReference(fileData io.Reader, classroomID uint) (string, image.Image, error) {
	img, info, err := ReadImage(fileData)
	if err != nil {
		return "", nil, err
	}
	b := img.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return "", nil, fmt.Errorf("invalid image dimensions: %dx%d", b.Dx(), b.Dy())
	}

	w, h := fitWithin(b.Dx(), b.Dy(), ReferenceMaxSide)
	if w != b.Dx() || h != b.Dy() {
		img = imaging.Resize(img, w, h, imaging.Lanczos)
	}

	reader, writer := io.Pipe()
	go func() {
		err := imaging.Encode(writer, img, imaging.JPEG, imaging.JPEGQuality(ReferenceJpegQuality))
		if err != nil {
			log.Printf("processor: failed to encode reference photo: %v", err)
		}
		writer.CloseWithError(err)
	}()

	filename := uuid.NewString() + ReferenceFileExtension
	relPath, err := p.store.Save(strconv.FormatUint(uint64(classroomID), 10), filename, reader)
	reader.Close()
	if err != nil {
		return "", nil, fmt.Errorf("failed to save reference photo: %w", err)
	}

	if info.TakenAt != nil {
		log.Printf("processor: stored reference %s (%dx%d, taken %s)", relPath, w, h, info.TakenAt.Format("2006-01-02"))
	} else {
		log.Printf("processor: stored reference %s (%dx%d)", relPath, w, h)
	}
	return relPath, img, nil
}
