package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
)

const defaultChunkSize = 32 * 1024

// HTTPFetcher streams firmware images over HTTP. Connecting is retried with
// exponential backoff; once bytes have reached the sink nothing is retried,
// since the writer cannot rewind.
type HTTPFetcher struct {
	client    *http.Client
	retries   int
	chunkSize int

	// BackOff builds the retry policy for one fetch. Defaults to exponential.
	BackOff func() backoff.BackOff
}

// NewHTTPFetcher creates a fetcher. A nil client uses http.DefaultClient.
func NewHTTPFetcher(client *http.Client, retries int) *HTTPFetcher {
	if client == nil {
		client = http.DefaultClient
	}
	if retries < 0 {
		retries = 0
	}
	return &HTTPFetcher{
		client:    client,
		retries:   retries,
		chunkSize: defaultChunkSize,
		BackOff: func() backoff.BackOff {
			return backoff.NewExponentialBackOff()
		},
	}
}

// Fetch downloads url and hands the body to sink chunk by chunk. sink must
// not retain the slice. Returning false from sink stops the download.
func (f *HTTPFetcher) Fetch(ctx context.Context, url string, sink func(p []byte) bool) error {
	resp, err := f.connect(ctx, url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	log.Info().
		Str("url", url).
		Int64("content_length", resp.ContentLength).
		Msg("Downloading image")

	buf := make([]byte, f.chunkSize)
	var total int64
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			total += int64(n)
			if !sink(buf[:n]) {
				log.Debug().Str("url", url).Int64("bytes", total).Msg("Download stopped by writer")
				return nil
			}
		}
		if errors.Is(err, io.EOF) {
			log.Debug().Str("url", url).Int64("bytes", total).Msg("Download complete")
			return nil
		}
		if err != nil {
			return fmt.Errorf("read after %d bytes: %w", total, err)
		}
	}
}

func (f *HTTPFetcher) connect(ctx context.Context, url string) (*http.Response, error) {
	var resp *http.Response
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("invalid url: %w", err))
		}

		r, err := f.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}

		switch {
		case r.StatusCode == http.StatusOK:
			resp = r
			return nil
		case r.StatusCode >= 500 || r.StatusCode == http.StatusTooManyRequests:
			r.Body.Close()
			return fmt.Errorf("unexpected status %s", r.Status)
		default:
			r.Body.Close()
			return backoff.Permanent(fmt.Errorf("unexpected status %s", r.Status))
		}
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(f.BackOff(), uint64(f.retries)), ctx)
	err := backoff.RetryNotify(operation, bo, func(err error, next time.Duration) {
		log.Warn().Err(err).Str("url", url).Dur("retry_in", next).Msg("Retryable error fetching image")
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}
