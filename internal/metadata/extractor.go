// Package metadata turns fetched image bytes and page context into the
// structured fields of a record: tags from the post page, the free-text
// annotation from the EXIF UserComment field, and the capture timestamp.
package metadata

import (
	"bytes"
	"context"
	"fmt"
	"unicode/utf16"
	"unicode/utf8"

	"github.com/rwcarlsen/goexif/exif"
	"go.uber.org/zap"

	"github.com/user/ingest-service/internal/domain"
)

// TagSource supplies the tag list for a post page.
type TagSource interface {
	Tags(ctx context.Context, pageURL string) ([]string, error)
}

type Extractor struct {
	tags   TagSource
	logger *zap.Logger
}

func NewExtractor(tags TagSource, logger *zap.Logger) *Extractor {
	return &Extractor{tags: tags, logger: logger}
}

// Extract derives metadata for one candidate. A tag-source failure fails the
// candidate; an image without EXIF data simply yields a nil comment. Tag order
// is preserved exactly as the page lists it.
func (e *Extractor) Extract(ctx context.Context, cand domain.Candidate, payload domain.Payload) (domain.Metadata, error) {
	tags, err := e.tags.Tags(ctx, cand.PageURL)
	if err != nil {
		return domain.Metadata{}, fmt.Errorf("extract tags from %s: %w", cand.PageURL, err)
	}

	md := domain.Metadata{Tags: tags}

	x, err := exif.Decode(bytes.NewReader(payload.Data))
	if err != nil {
		// JPEG/TIFF without an EXIF segment, or a container goexif does not
		// read. The fingerprinter has already validated decodability.
		e.logger.Debug("no EXIF data", zap.String("url", cand.URL), zap.Error(err))
		return md, nil
	}

	if tag, err := x.Get(exif.UserComment); err == nil {
		if c := decodeUserComment(tag.Val); c != "" {
			md.UserComment = &c
		}
	}
	if t, err := x.DateTime(); err == nil {
		md.CreatedAt = t
	}

	return md, nil
}

// decodeUserComment handles the EXIF UserComment encoding: an 8-byte charset
// prefix ("UNICODE\x00" means UTF-16-BE, "ASCII\x00\x00\x00" plain bytes)
// followed by the text. NULs are stripped from the result.
func decodeUserComment(raw []byte) string {
	var s string
	switch {
	case bytes.HasPrefix(raw, []byte("UNICODE\x00")):
		s = decodeUTF16BE(raw[8:])
	case bytes.HasPrefix(raw, []byte("ASCII\x00\x00\x00")):
		s = string(raw[8:])
	case utf8.Valid(raw):
		s = string(raw)
	default:
		s = decodeUTF16BE(raw)
	}
	return stripNUL(s)
}

func decodeUTF16BE(b []byte) string {
	if len(b)%2 != 0 {
		b = b[:len(b)-1]
	}
	u := make([]uint16, 0, len(b)/2)
	for i := 0; i+1 < len(b); i += 2 {
		u = append(u, uint16(b[i])<<8|uint16(b[i+1]))
	}
	return string(utf16.Decode(u))
}

func stripNUL(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		if r != 0 {
			out = append(out, r)
		}
	}
	return string(out)
}
