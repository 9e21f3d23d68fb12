package parser

import (
	"bytes"
	"errors"
	"image"
	"image/gif"
	"image/png"
	"mime"
	"strings"

	"github.com/disintegration/imaging"
	"golang.org/x/image/webp"
)

// DetectImageFormat reads the magic bytes and returns the image format string
func DetectImageFormat(data []byte) (string, error) {
	if len(data) < 12 {
		return "", errors.New("data too short to determine format")
	}

	if data[0] == 0xFF && data[1] == 0xD8 && data[2] == 0xFF {
		return "jpeg", nil
	}
	if data[0] == 0x89 && data[1] == 0x50 && data[2] == 0x4E && data[3] == 0x47 {
		return "png", nil
	}
	if string(data[0:6]) == "GIF87a" || string(data[0:6]) == "GIF89a" {
		return "gif", nil
	}
	if string(data[0:4]) == "RIFF" && string(data[8:12]) == "WEBP" {
		return "webp", nil
	}

	return "", errors.New("unknown image format")
}

// ImageExtension picks the file extension for a page: sniffed format first,
// then the Content-Type, then "jpg".
func ImageExtension(data []byte, contentType string) string {
	if format, err := DetectImageFormat(data); err == nil {
		if format == "jpeg" {
			return "jpg"
		}
		return format
	}

	if contentType != "" {
		mediaType, _, err := mime.ParseMediaType(contentType)
		if err == nil && strings.HasPrefix(mediaType, "image/") {
			ext := strings.TrimPrefix(mediaType, "image/")
			if ext == "jpeg" {
				return "jpg"
			}
			return ext
		}
	}

	return "jpg"
}

// Transformer rewrites a downloaded page before it is persisted.
// It returns the new bytes and the file extension to use.
type Transformer interface {
	Transform(data []byte) ([]byte, string, error)
}

// JPEGConverter re-encodes png, gif and webp pages as JPEG.
// JPEG input is passed through untouched.
type JPEGConverter struct {
	Quality int
}

// Transform converts image bytes to JPEG
func (c JPEGConverter) Transform(data []byte) ([]byte, string, error) {
	if len(data) == 0 {
		return nil, "", errors.New("empty image data")
	}

	format, err := DetectImageFormat(data)
	if err != nil {
		return nil, "", err
	}

	// Already JPEG, no re-encoding
	if format == "jpeg" {
		return data, "jpg", nil
	}

	var img image.Image
	reader := bytes.NewReader(data)

	switch format {
	case "png":
		img, err = png.Decode(reader)
	case "gif":
		img, err = gif.Decode(reader)
	case "webp":
		img, err = webp.Decode(reader)
	default:
		return nil, "", errors.New("unsupported image format: " + format)
	}
	if err != nil {
		return nil, "", errors.New("failed to decode " + format + " image: " + err.Error())
	}

	quality := c.Quality
	if quality <= 0 || quality > 100 {
		quality = 90
	}

	var out bytes.Buffer
	if err := imaging.Encode(&out, img, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
		return nil, "", err
	}
	return out.Bytes(), "jpg", nil
}
