package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/user/ingest-service/internal/dedup"
	"github.com/user/ingest-service/internal/domain"
)

// fakeFetcher serves canned bytes per URL, or a scripted error.
type fakeFetcher struct {
	mu    sync.Mutex
	bytes map[string][]byte
	errs  map[string]error
}

func (f *fakeFetcher) Fetch(_ context.Context, url string) (domain.Payload, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.errs[url]; ok {
		return domain.Payload{}, err
	}
	data, ok := f.bytes[url]
	if !ok {
		return domain.Payload{}, &domain.FetchError{Kind: domain.FetchExhausted, URL: url, Cause: errors.New("unknown url")}
	}
	return domain.Payload{Data: data, ContentType: "image/jpeg"}, nil
}

// fakeFingerprinter hashes bytes for the exact tier and reads the signature
// from the first 8 bytes, so tests can place signatures precisely.
type fakeFingerprinter struct{}

func (fakeFingerprinter) Compute(data []byte) (domain.Fingerprint, error) {
	if len(data) < 8 {
		return domain.Fingerprint{}, &domain.DecodeError{Kind: domain.DecodeUnsupportedFormat, Cause: errors.New("too short")}
	}
	return domain.Fingerprint{
		ExactHash: sha256.Sum256(data),
		Signature: binary.BigEndian.Uint64(data[:8]),
	}, nil
}

type fakeExtractor struct {
	md  domain.Metadata
	err error
}

func (f *fakeExtractor) Extract(context.Context, domain.Candidate, domain.Payload) (domain.Metadata, error) {
	if f.err != nil {
		return domain.Metadata{}, f.err
	}
	return f.md, nil
}

// fakeStore is an in-memory append-only record store.
type fakeStore struct {
	mu      sync.Mutex
	records []*domain.ImageRecord
	nextID  int64
	failAll bool
}

func (s *fakeStore) Persist(_ context.Context, rec *domain.ImageRecord) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAll {
		return 0, &domain.StoreError{Kind: domain.StoreConnectionLost, Cause: errors.New("connection refused")}
	}
	s.nextID++
	stored := *rec
	stored.ID = s.nextID
	s.records = append(s.records, &stored)
	return s.nextID, nil
}

func (s *fakeStore) KnownFingerprints(_ context.Context, fn func(hash string, sig uint64, id int64) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.records {
		if err := fn(rec.Hash, rec.Signature, rec.ID); err != nil {
			return err
		}
	}
	return nil
}

func (s *fakeStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// fakeGate denies or errors per PostID and records Done calls.
type fakeGate struct {
	mu     sync.Mutex
	denied map[int64]bool
	broken map[int64]error
	done   []int64
}

func (g *fakeGate) Allow(_ context.Context, cand domain.Candidate) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err, ok := g.broken[cand.PostID]; ok {
		return false, err
	}
	return !g.denied[cand.PostID], nil
}

func (g *fakeGate) Done(_ context.Context, cand domain.Candidate) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.done = append(g.done, cand.PostID)
	return nil
}

func (g *fakeGate) doneIDs() []int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]int64(nil), g.done...)
}

// sigBytes builds a payload whose fake signature is sig. Extra bytes vary the
// exact hash without touching the signature.
func sigBytes(sig uint64, extra ...byte) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, sig)
	return append(b, extra...)
}

func newTestPipeline(f Fetcher, st Store, workers, threshold int) *Pipeline {
	return newGatedPipeline(f, st, nil, workers, threshold)
}

func newGatedPipeline(f Fetcher, st Store, g Gate, workers, threshold int) *Pipeline {
	return NewPipeline(
		f,
		fakeFingerprinter{},
		&fakeExtractor{md: domain.Metadata{Tags: []string{"cat", "outdoor"}}},
		st,
		dedup.NewIndex(threshold),
		g,
		workers,
		nil,
		zap.NewNop(),
	)
}

func feed(cands ...domain.Candidate) <-chan domain.Candidate {
	ch := make(chan domain.Candidate, len(cands))
	for _, c := range cands {
		ch <- c
	}
	close(ch)
	return ch
}

func mustRun(t *testing.T, p *Pipeline, cands ...domain.Candidate) Summary {
	t.Helper()
	s, err := p.Run(context.Background(), feed(cands...))
	require.NoError(t, err)
	return s
}

func TestFreshCandidateIsStored(t *testing.T) {
	fetcher := &fakeFetcher{bytes: map[string][]byte{
		"http://x/a.jpg": sigBytes(0x1111),
	}}
	store := &fakeStore{}
	p := newTestPipeline(fetcher, store, 2, 10)

	s := mustRun(t, p, domain.Candidate{URL: "http://x/a.jpg", PostID: 1})

	assert.Equal(t, Summary{Stored: 1}, s)
	require.Equal(t, 1, store.count())
	rec := store.records[0]
	assert.Equal(t, []string{"cat", "outdoor"}, rec.Tags)
	assert.Nil(t, rec.UserComment)
	assert.Equal(t, int64(1), rec.PostID)
}

func TestByteIdenticalRefetchIsSkipped(t *testing.T) {
	fetcher := &fakeFetcher{bytes: map[string][]byte{
		"http://x/a.jpg": sigBytes(0x1111),
	}}
	store := &fakeStore{}
	p := newTestPipeline(fetcher, store, 2, 10)

	cand := domain.Candidate{URL: "http://x/a.jpg", PostID: 1}
	s1 := mustRun(t, p, cand)
	s2 := mustRun(t, p, cand)

	assert.Equal(t, Summary{Stored: 1}, s1)
	assert.Equal(t, Summary{Skipped: 1}, s2)
	assert.Equal(t, 1, store.count(), "store gains no new row for a re-fetch")
}

func TestNearDuplicateBoundary(t *testing.T) {
	const threshold = 10
	base := uint64(0xF0F0F0F0F0F0F0F0)
	within := base ^ (uint64(1)<<threshold - 1)      // distance T
	outside := base ^ (uint64(1)<<(threshold+1) - 1) // distance T+1

	fetcher := &fakeFetcher{bytes: map[string][]byte{
		"http://x/base.jpg":    sigBytes(base, 1),
		"http://x/within.jpg":  sigBytes(within, 2),
		"http://x/outside.jpg": sigBytes(outside, 3),
	}}
	store := &fakeStore{}
	p := newTestPipeline(fetcher, store, 1, threshold)

	require.Equal(t, Summary{Stored: 1}, mustRun(t, p, domain.Candidate{URL: "http://x/base.jpg"}))
	assert.Equal(t, Summary{Skipped: 1}, mustRun(t, p, domain.Candidate{URL: "http://x/within.jpg"}),
		"distance at the cutoff is a duplicate")
	assert.Equal(t, Summary{Stored: 1}, mustRun(t, p, domain.Candidate{URL: "http://x/outside.jpg"}),
		"distance one past the cutoff is new content")
}

func TestRacingNearDuplicatesStoreExactlyOne(t *testing.T) {
	const k = 5
	base := uint64(0xAAAAAAAA00000000)

	// K candidates, mutual near-duplicates (pairwise distance <= 2), distinct bytes.
	for iter := 0; iter < 20; iter++ {
		fetcher := &fakeFetcher{bytes: map[string][]byte{}}
		cands := make([]domain.Candidate, 0, k)
		for i := 0; i < k; i++ {
			url := string(rune('a'+i)) + ".jpg"
			fetcher.bytes[url] = sigBytes(base|uint64(1)<<uint(i), byte(i))
			cands = append(cands, domain.Candidate{URL: url, PostID: int64(i)})
		}

		store := &fakeStore{}
		p := newTestPipeline(fetcher, store, 4, 10)
		s := mustRun(t, p, cands...)

		assert.Equal(t, Summary{Stored: 1, Skipped: k - 1}, s, "iteration %d", iter)
		assert.Equal(t, 1, store.count(), "iteration %d", iter)
	}
}

func TestRerunIsIdempotent(t *testing.T) {
	fetcher := &fakeFetcher{bytes: map[string][]byte{
		"http://x/a.jpg": sigBytes(0x1111, 1),
		"http://x/b.jpg": sigBytes(0xFFFF0000FFFF0000, 2),
	}}
	cands := []domain.Candidate{
		{URL: "http://x/a.jpg", PostID: 1},
		{URL: "http://x/b.jpg", PostID: 2},
	}

	store := &fakeStore{}
	p := newTestPipeline(fetcher, store, 3, 10)

	s1 := mustRun(t, p, cands...)
	require.Equal(t, Summary{Stored: 2}, s1)
	firstRows := store.count()

	s2 := mustRun(t, p, cands...)
	assert.Equal(t, Summary{Skipped: 2}, s2)
	assert.Equal(t, firstRows, store.count(), "re-running the same set changes nothing")
}

func TestFetchFailureIsIsolated(t *testing.T) {
	fetcher := &fakeFetcher{
		bytes: map[string][]byte{"http://x/good.jpg": sigBytes(0x2222)},
		errs: map[string]error{
			"http://x/bad.jpg": &domain.FetchError{Kind: domain.FetchExhausted, URL: "http://x/bad.jpg", Cause: errors.New("timeout")},
		},
	}
	store := &fakeStore{}
	p := newTestPipeline(fetcher, store, 2, 10)

	s := mustRun(t, p,
		domain.Candidate{URL: "http://x/bad.jpg"},
		domain.Candidate{URL: "http://x/good.jpg"},
	)

	assert.Equal(t, Summary{Stored: 1, Failed: 1}, s, "one failure never aborts the run")
}

func TestDecodeFailureFailsCandidate(t *testing.T) {
	fetcher := &fakeFetcher{bytes: map[string][]byte{
		"http://x/tiny.bin": {1, 2, 3}, // under 8 bytes: fake decoder rejects it
	}}
	store := &fakeStore{}
	p := newTestPipeline(fetcher, store, 1, 10)

	s := mustRun(t, p, domain.Candidate{URL: "http://x/tiny.bin"})

	assert.Equal(t, Summary{Failed: 1}, s)
	assert.Equal(t, 0, store.count())
}

func TestFailedPersistIsNotRegistered(t *testing.T) {
	fetcher := &fakeFetcher{bytes: map[string][]byte{
		"http://x/a.jpg": sigBytes(0x3333),
	}}
	store := &fakeStore{failAll: true}
	p := newTestPipeline(fetcher, store, 1, 10)

	cand := domain.Candidate{URL: "http://x/a.jpg"}
	s := mustRun(t, p, cand)
	require.Equal(t, Summary{Failed: 1}, s)
	require.Equal(t, 0, store.count())

	// Store recovers; the same candidate must now be stored. If the failed
	// persist had been registered, this would wrongly skip.
	store.mu.Lock()
	store.failAll = false
	store.mu.Unlock()

	s = mustRun(t, p, cand)
	assert.Equal(t, Summary{Stored: 1}, s)
	assert.Equal(t, 1, store.count())
}

func TestWarmLoadsPersistedFingerprints(t *testing.T) {
	fetcher := &fakeFetcher{bytes: map[string][]byte{
		"http://x/a.jpg": sigBytes(0x4444),
	}}

	store := &fakeStore{}
	first := newTestPipeline(fetcher, store, 1, 10)
	require.Equal(t, Summary{Stored: 1}, mustRun(t, first, domain.Candidate{URL: "http://x/a.jpg"}))

	// Fresh pipeline, fresh index, same store: warm restores the dedup state.
	second := newTestPipeline(fetcher, store, 1, 10)
	require.NoError(t, second.Warm(context.Background()))

	s := mustRun(t, second, domain.Candidate{URL: "http://x/a.jpg"})
	assert.Equal(t, Summary{Skipped: 1}, s)
	assert.Equal(t, 1, store.count())
}

func TestCancellationLeavesNoTornState(t *testing.T) {
	fetcher := &fakeFetcher{bytes: map[string][]byte{}}
	cands := make([]domain.Candidate, 50)
	for i := range cands {
		url := string(rune('a'+i%26)) + string(rune('0'+i/26)) + ".jpg"
		fetcher.bytes[url] = sigBytes(uint64(i)<<32, byte(i))
		cands[i] = domain.Candidate{URL: url, PostID: int64(i)}
	}

	store := &fakeStore{}
	index := dedup.NewIndex(0)
	p := NewPipeline(
		fetcher,
		fakeFingerprinter{},
		&fakeExtractor{},
		store,
		index,
		nil,
		4,
		nil,
		zap.NewNop(),
	)

	// The feeder never closes ch, so the workers can only leave through the
	// cancelled context.
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan domain.Candidate)
	go func() {
		for i, c := range cands {
			if i == 10 {
				cancel()
			}
			select {
			case ch <- c:
			case <-ctx.Done():
				return
			}
		}
	}()

	_, err := p.Run(ctx, ch)
	assert.ErrorIs(t, err, context.Canceled)

	// Every stored record has its index entry and vice versa.
	assert.Equal(t, store.count(), index.Len())
}

func TestGatedCandidateIsNeverFetched(t *testing.T) {
	// Only the allowed candidate's URL is served. If the gated one were
	// fetched anyway it would fail and show up in the summary.
	fetcher := &fakeFetcher{bytes: map[string][]byte{
		"http://x/fresh.jpg": sigBytes(0x1111),
	}}
	store := &fakeStore{}
	gate := &fakeGate{denied: map[int64]bool{7: true}}
	p := newGatedPipeline(fetcher, store, gate, 2, 10)

	s := mustRun(t, p,
		domain.Candidate{URL: "http://x/seen.jpg", PostID: 7, Username: "alice"},
		domain.Candidate{URL: "http://x/fresh.jpg", PostID: 8, Username: "bob"},
	)

	assert.Equal(t, Summary{Stored: 1, Gated: 1}, s)
	assert.Equal(t, 1, store.count())
	assert.Equal(t, []int64{8}, gate.doneIDs(), "only resolved candidates are marked done")
}

func TestGateErrorDoesNotFailCandidate(t *testing.T) {
	fetcher := &fakeFetcher{bytes: map[string][]byte{
		"http://x/a.jpg": sigBytes(0x2222),
	}}
	store := &fakeStore{}
	gate := &fakeGate{broken: map[int64]error{1: errors.New("redis: connection refused")}}
	p := newGatedPipeline(fetcher, store, gate, 1, 10)

	s := mustRun(t, p, domain.Candidate{URL: "http://x/a.jpg", PostID: 1, Username: "alice"})

	assert.Equal(t, Summary{Stored: 1}, s, "an unreachable gate degrades to not gated")
	assert.Equal(t, []int64{1}, gate.doneIDs())
}

func TestDuplicateIsMarkedDone(t *testing.T) {
	fetcher := &fakeFetcher{bytes: map[string][]byte{
		"http://x/a.jpg": sigBytes(0x3333),
	}}
	store := &fakeStore{}
	gate := &fakeGate{}
	p := newGatedPipeline(fetcher, store, gate, 1, 10)

	require.Equal(t, Summary{Stored: 1}, mustRun(t, p, domain.Candidate{URL: "http://x/a.jpg", PostID: 1}))
	require.Equal(t, Summary{Skipped: 1}, mustRun(t, p, domain.Candidate{URL: "http://x/a.jpg", PostID: 2}))

	assert.Equal(t, []int64{1, 2}, gate.doneIDs(), "skipped duplicates are marked done too")
}
