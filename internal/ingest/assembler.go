package ingest

import (
	"github.com/user/ingest-service/internal/domain"
)

// Assemble builds the storable record for an accepted candidate. Pure and
// deterministic: the comment stays nil when absent (never an empty-string
// placeholder), tag order is preserved, and duplicate tags are kept as-is.
// The capture timestamp prefers the extracted metadata, falling back to the
// candidate's discovery time.
func Assemble(cand domain.Candidate, fp domain.Fingerprint, md domain.Metadata) *domain.ImageRecord {
	createdAt := md.CreatedAt
	if createdAt.IsZero() {
		createdAt = cand.DiscoveredAt
	}

	return &domain.ImageRecord{
		URL:         cand.URL,
		Hash:        fp.HexHash(),
		Signature:   fp.Signature,
		CreatedAt:   createdAt,
		PostID:      cand.PostID,
		Username:    cand.Username,
		WebURL:      cand.PageURL,
		Tags:        md.Tags,
		UserComment: md.UserComment,
	}
}
