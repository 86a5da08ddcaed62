// Package discover produces ingestion candidates from the remote source: a
// paged JSON listing of newest posts, plus a headless-browser tag extractor
// for the post pages themselves.
package discover

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/user/ingest-service/internal/domain"
)

type item struct {
	ID        int64  `json:"id"`
	URL       string `json:"url"`
	PostID    int64  `json:"postId"`
	Username  string `json:"username"`
	CreatedAt string `json:"createdAt"`
}

type listResponse struct {
	Items []item `json:"items"`
}

// Source pages through the remote listing and emits Candidates. One Stream
// call is one finite run; a fresh call restarts the sequence.
type Source struct {
	baseURL  string
	apiKey   string
	pageSize int
	maxPages int
	client   *http.Client
	logger   *zap.Logger
}

func NewSource(baseURL, apiKey string, pageSize, maxPages int, logger *zap.Logger) *Source {
	return &Source{
		baseURL:  baseURL,
		apiKey:   apiKey,
		pageSize: pageSize,
		maxPages: maxPages,
		client:   &http.Client{Timeout: 30 * time.Second},
		logger:   logger,
	}
}

// Stream fetches pages lazily and sends candidates on out until the listing is
// exhausted, maxPages is reached, or ctx is cancelled. It closes out before
// returning.
func (s *Source) Stream(ctx context.Context, out chan<- domain.Candidate) error {
	defer close(out)

	for page := 1; page <= s.maxPages; page++ {
		cands, err := s.fetchPage(ctx, page)
		if err != nil {
			return fmt.Errorf("list page %d: %w", page, err)
		}
		if len(cands) == 0 {
			s.logger.Info("source exhausted", zap.Int("pages", page-1))
			return nil
		}

		for _, c := range cands {
			select {
			case out <- c:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return nil
}

func (s *Source) fetchPage(ctx context.Context, page int) ([]domain.Candidate, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/api/images", nil)
	if err != nil {
		return nil, err
	}
	q := req.URL.Query()
	q.Set("limit", strconv.Itoa(s.pageSize))
	q.Set("sort", "Newest")
	q.Set("page", strconv.Itoa(page))
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("source returned status %d", resp.StatusCode)
	}

	var list listResponse
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("decode listing: %w", err)
	}

	cands := make([]domain.Candidate, 0, len(list.Items))
	for _, it := range list.Items {
		discovered := time.Now()
		if t, err := time.Parse(time.RFC3339, it.CreatedAt); err == nil {
			discovered = t
		}
		cands = append(cands, domain.Candidate{
			URL:          it.URL,
			PageURL:      fmt.Sprintf("%s/%d", s.baseURL, it.ID),
			PostID:       it.PostID,
			Username:     it.Username,
			DiscoveredAt: discovered,
		})
	}
	return cands, nil
}
