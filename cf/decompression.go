package cf

import (
	"bytes"
	"compress/gzip"
	"io"
	"log"

	"github.com/andybalholm/brotli"
	"github.com/gocolly/colly"
)

// DecompressBody returns the decoded body for gzip or Brotli payloads.
// Sites behind anti-bot proxies frequently answer compressed content even when
// the transport did not negotiate it, so the magic bytes are checked as well as
// the Content-Encoding header.
//
// Returns the (possibly unchanged) body and whether decompression happened.
func DecompressBody(body []byte, contentEncoding string) ([]byte, bool, error) {
	if len(body) == 0 {
		return body, false, nil
	}

	// gzip magic bytes: 1f 8b
	if len(body) >= 2 && body[0] == 0x1f && body[1] == 0x8b {
		reader, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, false, err
		}
		defer reader.Close()

		decompressed, err := io.ReadAll(reader)
		if err != nil {
			return nil, false, err
		}
		return decompressed, true, nil
	}

	if contentEncoding == "br" {
		decompressed, err := io.ReadAll(brotli.NewReader(bytes.NewReader(body)))
		if err != nil {
			return nil, false, err
		}
		return decompressed, true, nil
	}

	// Brotli streams often start in 0x80-0x8f. Not foolproof, so a failed
	// decode means the body was plain after all.
	if body[0] >= 0x80 && body[0] <= 0x8f {
		decompressed, err := io.ReadAll(brotli.NewReader(bytes.NewReader(body)))
		if err != nil {
			return body, false, nil
		}
		return decompressed, true, nil
	}

	return body, false, nil
}

// DecompressResponse decodes a colly response body in place.
// Meant for an OnResponse callback.
func DecompressResponse(r *colly.Response, logPrefix string) (bool, error) {
	if r == nil || len(r.Body) == 0 {
		return false, nil
	}
	if logPrefix == "" {
		logPrefix = "[cf]"
	}

	contentEncoding := ""
	if r.Headers != nil {
		contentEncoding = r.Headers.Get("Content-Encoding")
	}

	originalSize := len(r.Body)
	decompressed, ok, err := DecompressBody(r.Body, contentEncoding)
	if err != nil {
		return false, err
	}
	if ok {
		r.Body = decompressed
		log.Printf("%s Decompressed response: %d bytes → %d bytes", logPrefix, originalSize, len(decompressed))
	}
	return ok, nil
}
