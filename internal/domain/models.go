package domain

import (
	"encoding/hex"
	"time"
)

// Candidate references one not-yet-fetched image plus its page context.
// Produced by the discovery source; immutable, alive for one ingestion attempt.
type Candidate struct {
	URL          string
	PageURL      string
	PostID       int64
	Username     string
	DiscoveredAt time.Time
}

// Payload is the raw image body as fetched, owned by the ingestion attempt
// until the candidate is resolved.
type Payload struct {
	Data        []byte
	ContentType string
}

// Fingerprint pairs the exact content hash with the perceptual signature.
// Identical raw bytes always produce identical ExactHash; visually
// near-identical images produce signatures within a small Hamming distance.
type Fingerprint struct {
	ExactHash [32]byte
	Signature uint64
}

// HexHash returns the hex encoding of the exact hash, as persisted in the
// images table.
func (f Fingerprint) HexHash() string {
	return hex.EncodeToString(f.ExactHash[:])
}

// Metadata is what the extraction collaborator derives from image bytes and
// page context.
type Metadata struct {
	Tags        []string
	UserComment *string
	CreatedAt   time.Time
}

// ImageRecord mirrors one row of the images table. Immutable after persistence.
type ImageRecord struct {
	ID          int64
	URL         string
	Hash        string
	Signature   uint64
	CreatedAt   time.Time
	PostID      int64
	Username    string
	WebURL      string
	Tags        []string
	UserComment *string
}

// Outcome is the terminal state of one candidate.
type Outcome int

const (
	OutcomeStored Outcome = iota
	OutcomeSkippedDuplicate
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeStored:
		return "stored"
	case OutcomeSkippedDuplicate:
		return "skipped_duplicate"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}
