package pagination

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config holds batch fetcher configuration.
type Config struct {
	// MaxConcurrency is the number of parallel page downloads. Keep it low;
	// every page is an upstream request.
	MaxConcurrency int `mapstructure:"max_concurrency"`
}

// DefaultConfig returns 4 workers.
func DefaultConfig() Config {
	return Config{MaxConcurrency: 4}
}

// PageFetcher downloads one page image.
type PageFetcher interface {
	FetchPage(ctx context.Context, pageURL string) ([]byte, error)
}

// PageFetcherFunc adapts a function to PageFetcher.
type PageFetcherFunc func(ctx context.Context, pageURL string) ([]byte, error)

// FetchPage calls f.
func (f PageFetcherFunc) FetchPage(ctx context.Context, pageURL string) ([]byte, error) {
	return f(ctx, pageURL)
}

// PageResult is the outcome of one page download.
type PageResult struct {
	Index int
	Data  []byte
	Error error
}

// PageError reports which page failed a batch.
type PageError struct {
	Index int
	URL   string
	Err   error
}

// Error implements the error interface.
func (e *PageError) Error() string {
	return fmt.Sprintf("page %d (%s): %v", e.Index+1, e.URL, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *PageError) Unwrap() error {
	return e.Err
}

// BatchFetcher downloads all pages of a part with a worker pool.
type BatchFetcher struct {
	fetcher PageFetcher
	config  Config
	logger  zerolog.Logger
}

// Option customizes a BatchFetcher.
type Option func(*BatchFetcher)

// WithLogger replaces the default component logger.
func WithLogger(l zerolog.Logger) Option {
	return func(bf *BatchFetcher) { bf.logger = l }
}

// NewBatchFetcher creates a batch fetcher.
func NewBatchFetcher(fetcher PageFetcher, config Config, opts ...Option) *BatchFetcher {
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = DefaultConfig().MaxConcurrency
	}
	bf := &BatchFetcher{
		fetcher: fetcher,
		config:  config,
		logger:  log.With().Str("component", "page-fetcher").Logger(),
	}
	for _, opt := range opts {
		opt(bf)
	}
	return bf
}

// FetchAll downloads every URL and returns the images in input order.
// It fails with a *PageError on the first page that cannot be fetched.
func (bf *BatchFetcher) FetchAll(ctx context.Context, urls []string) ([][]byte, error) {
	if len(urls) == 0 {
		return nil, nil
	}
	start := time.Now()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	queue := make(chan int, len(urls))
	for i := range urls {
		queue <- i
	}
	close(queue)

	workers := bf.config.MaxConcurrency
	if workers > len(urls) {
		workers = len(urls)
	}

	results := make(chan PageResult, len(urls))
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go bf.worker(ctx, urls, queue, results, &wg)
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	pages := make([][]byte, len(urls))
	var firstErr error
	fetched := 0
	for res := range results {
		if res.Error != nil {
			if firstErr == nil {
				firstErr = &PageError{Index: res.Index, URL: urls[res.Index], Err: res.Error}
				cancel()
			}
			continue
		}
		pages[res.Index] = res.Data
		fetched++
	}

	if firstErr != nil {
		bf.logger.Warn().
			Err(firstErr).
			Int("fetched", fetched).
			Int("total", len(urls)).
			Msg("Page batch failed")
		return nil, firstErr
	}
	if err := ctx.Err(); err != nil && fetched < len(urls) {
		return nil, err
	}

	bf.logger.Debug().
		Int("pages", fetched).
		Dur("duration", time.Since(start)).
		Msg("Page batch complete")
	return pages, nil
}

func (bf *BatchFetcher) worker(ctx context.Context, urls []string, queue <-chan int, results chan<- PageResult, wg *sync.WaitGroup) {
	defer wg.Done()

	for idx := range queue {
		if ctx.Err() != nil {
			return
		}
		data, err := bf.fetcher.FetchPage(ctx, urls[idx])
		results <- PageResult{Index: idx, Data: data, Error: err}
		if err != nil {
			return
		}
	}
}
