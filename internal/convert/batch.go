// File: internal/convert/batch.go

package convert

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

var unsafeNameChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// OutputName derives a filesystem-safe file name for a URL render.
func OutputName(url, format string) string {
	name := strings.TrimPrefix(strings.TrimPrefix(url, "https://"), "http://")
	name = unsafeNameChars.ReplaceAllString(name, "_")
	name = strings.Trim(name, "_")
	if name == "" {
		name = "page"
	}
	return name + "." + format
}

// BatchResult reports the outcome for one URL.
type BatchResult struct {
	URL  string
	Path string
	Err  error
}

// BatchRunner fans a converter out over many URLs with bounded concurrency
// and an overall request rate cap.
type BatchRunner struct {
	converter   Converter
	outputDir   string
	concurrency int
	limiter     *rate.Limiter
	logger      *zap.Logger
}

// NewBatchRunner builds a runner. A rate of zero or less disables the cap.
func NewBatchRunner(c Converter, outputDir string, concurrency int, ratePerSec float64, logger *zap.Logger) *BatchRunner {
	if concurrency <= 0 {
		concurrency = 1
	}
	limit := rate.Inf
	if ratePerSec > 0 {
		limit = rate.Limit(ratePerSec)
	}
	return &BatchRunner{
		converter:   c,
		outputDir:   outputDir,
		concurrency: concurrency,
		limiter:     rate.NewLimiter(limit, 1),
		logger:      logger.Named("convert.batch"),
	}
}

// Run converts every URL, writing one output file each, and returns the
// per-URL results in input order. Individual failures do not stop the batch;
// the returned error is the first one encountered, if any.
func (b *BatchRunner) Run(ctx context.Context, urls []string) ([]BatchResult, error) {
	if err := os.MkdirAll(b.outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating output directory: %w", err)
	}

	results := make([]BatchResult, len(urls))
	var mu sync.Mutex
	var firstErr error

	var g errgroup.Group
	g.SetLimit(b.concurrency)
	for i, url := range urls {
		g.Go(func() error {
			res := b.runOne(ctx, url)
			mu.Lock()
			results[i] = res
			if res.Err != nil && firstErr == nil {
				firstErr = fmt.Errorf("%s: %w", url, res.Err)
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results, firstErr
}

func (b *BatchRunner) runOne(ctx context.Context, url string) BatchResult {
	res := BatchResult{URL: url}
	if err := b.limiter.Wait(ctx); err != nil {
		res.Err = err
		return res
	}

	data, err := b.converter.Convert(ctx, url)
	if err != nil {
		b.logger.Error("Conversion failed.", zap.String("url", url), zap.Error(err))
		res.Err = err
		return res
	}

	path := filepath.Join(b.outputDir, OutputName(url, b.converter.Format()))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		res.Err = fmt.Errorf("writing output: %w", err)
		return res
	}

	b.logger.Info("Converted.",
		zap.String("url", url),
		zap.String("path", path),
		zap.Int("bytes", len(data)))
	res.Path = path
	return res
}
