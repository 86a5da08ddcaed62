package discover

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

// TagExtractor renders a post page headlessly and pulls the tag list out of
// the resulting DOM. The tag markup is only present after client-side
// rendering, so a plain GET is not enough.
type TagExtractor struct {
	allocPool *sync.Pool
	selector  string
	timeout   time.Duration
	logger    *zap.Logger
}

func NewTagExtractor(selector string, timeout time.Duration, logger *zap.Logger) *TagExtractor {
	pool := &sync.Pool{
		New: func() interface{} {
			opts := append(chromedp.DefaultExecAllocatorOptions[:],
				chromedp.Flag("headless", true),
				chromedp.Flag("disable-gpu", true),
				chromedp.Flag("no-sandbox", true),
				chromedp.Flag("disable-dev-shm-usage", true),
			)
			allocCtx, _ := chromedp.NewExecAllocator(context.Background(), opts...)
			return allocCtx
		},
	}
	return &TagExtractor{
		allocPool: pool,
		selector:  selector,
		timeout:   timeout,
		logger:    logger,
	}
}

// Tags navigates to pageURL and returns the tag texts in document order.
func (t *TagExtractor) Tags(ctx context.Context, pageURL string) ([]string, error) {
	allocCtx := t.allocPool.Get().(context.Context)
	defer t.allocPool.Put(allocCtx)

	taskCtx, cancel := chromedp.NewContext(allocCtx)
	defer cancel()
	taskCtx, timeoutCancel := context.WithTimeout(taskCtx, t.timeout)
	defer timeoutCancel()

	var html string
	err := chromedp.Run(taskCtx,
		chromedp.Navigate(pageURL),
		chromedp.WaitVisible("main", chromedp.ByQuery),
		chromedp.OuterHTML("html", &html),
	)
	if err != nil {
		return nil, fmt.Errorf("render %s: %w", pageURL, err)
	}

	tags, err := parseTags(html, t.selector)
	if err != nil {
		return nil, err
	}
	t.logger.Debug("extracted tags", zap.String("page", pageURL), zap.Int("count", len(tags)))
	return tags, nil
}

// parseTags walks the rendered HTML and collects non-empty tag texts in
// document order.
func parseTags(html, selector string) ([]string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse page: %w", err)
	}

	var tags []string
	doc.Find(selector).Each(func(i int, s *goquery.Selection) {
		if text := strings.TrimSpace(s.Text()); text != "" {
			tags = append(tags, text)
		}
	})
	return tags, nil
}
