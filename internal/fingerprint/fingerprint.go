// Package fingerprint derives content fingerprints from raw image bytes: a
// SHA-256 exact hash over the bytes themselves and a 64-bit perceptual
// difference-hash signature over the decoded pixels. The exact hash catches
// bit-identical re-fetches; the signature survives recompression and resizing.
package fingerprint

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"image"

	"github.com/disintegration/imaging"
	"github.com/jdeng/goheif"

	// Container decoders. HEIC goes through a dedicated path below.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/user/ingest-service/internal/domain"
)

// Signature dimensions: each row compares sigWidth adjacent pixel pairs across
// sigWidth+1 columns, giving sigWidth*sigHeight = 64 bits.
const (
	sigWidth  = 8
	sigHeight = 8
)

type Fingerprinter struct{}

func NewFingerprinter() *Fingerprinter {
	return &Fingerprinter{}
}

// Compute hashes data and derives its perceptual signature. Undecodable input
// yields a DecodeError; a fingerprint is never defaulted.
func (fp *Fingerprinter) Compute(data []byte) (domain.Fingerprint, error) {
	img, err := decode(data)
	if err != nil {
		return domain.Fingerprint{}, err
	}

	return domain.Fingerprint{
		ExactHash: sha256.Sum256(data),
		Signature: dhash(img),
	}, nil
}

func decode(data []byte) (image.Image, error) {
	if isHEIC(data) {
		img, err := goheif.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, &domain.DecodeError{Kind: domain.DecodeCorrupt, Cause: err}
		}
		return img, nil
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		kind := domain.DecodeCorrupt
		if errors.Is(err, image.ErrFormat) {
			kind = domain.DecodeUnsupportedFormat
		}
		return nil, &domain.DecodeError{Kind: kind, Cause: err}
	}
	return img, nil
}

// dhash normalizes the image to a (sigWidth+1) x sigHeight grayscale thumbnail
// and sets bit i when pixel i is brighter than pixel i+1 in raster order.
// Deterministic and resolution-independent.
func dhash(img image.Image) uint64 {
	small := imaging.Resize(imaging.Grayscale(img), sigWidth+1, sigHeight, imaging.Lanczos)

	var sig uint64
	bit := 0
	for y := 0; y < sigHeight; y++ {
		for x := 0; x < sigWidth; x++ {
			left := small.NRGBAAt(x, y).R
			right := small.NRGBAAt(x+1, y).R
			if left > right {
				sig |= 1 << uint(bit)
			}
			bit++
		}
	}
	return sig
}

// isHEIC sniffs the ISO-BMFF ftyp box for HEIF brands; the stdlib decoder
// registry cannot handle the container, so it gets a dedicated decode path.
func isHEIC(data []byte) bool {
	if len(data) < 12 || !bytes.Equal(data[4:8], []byte("ftyp")) {
		return false
	}
	switch string(data[8:12]) {
	case "heic", "heix", "hevc", "hevx", "heim", "heis", "hevm", "hevs", "mif1", "msf1":
		return true
	}
	return false
}
