// Package scraper handles fetching and parsing the bulletin listing page.
package scraper

import (
	"bulletin-notifier/pkg/notifier"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/codeGROOVE-dev/retry"
)

// DefaultURL is the Basilicata Centro Funzionale bulletin page.
const DefaultURL = "https://centrofunzionale.regione.basilicata.it/it/bollettini-avvisi.php?lt=A"

// ErrNoEntries is returned when the page contains no bulletin entries at all.
var ErrNoEntries = errors.New("no bulletin entries found")

// ErrPageTooLarge is returned for pages above the loader's size limit. A cut
// page is never parsed.
var ErrPageTooLarge = errors.New("page exceeds size limit")

// HTTPStatusError indicates a non-OK response from the source.
type HTTPStatusError struct {
	URL        string
	StatusCode int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.URL)
}

// IsPermanent reports whether retrying the request cannot help.
func (e *HTTPStatusError) IsPermanent() bool {
	return e.StatusCode == http.StatusForbidden || e.StatusCode == http.StatusNotFound
}

// ParseError indicates an entry whose date or link could not be read unambiguously.
type ParseError struct {
	Index  int
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("entry %d: %s", e.Index, e.Reason)
}

// Loader returns the rendered HTML of a page.
type Loader interface {
	Load(ctx context.Context, pageURL string) (io.ReadCloser, error)
}

// Scraper fetches and parses the bulletin listing.
type Scraper struct {
	loader  Loader
	pageURL string
	logger  *slog.Logger
}

// New creates a new scraper.
func New(loader Loader, pageURL string, logger *slog.Logger) *Scraper {
	return &Scraper{
		loader:  loader,
		pageURL: pageURL,
		logger:  logger,
	}
}

// URL returns the page being watched.
func (s *Scraper) URL() string {
	return s.pageURL
}

// Fetch returns the bulletins listed on the page, newest first.
// Any entry that cannot be parsed fails the whole fetch.
func (s *Scraper) Fetch(ctx context.Context) ([]notifier.Bulletin, error) {
	body, err := s.loader.Load(ctx, s.pageURL)
	if err != nil {
		return nil, fmt.Errorf("load page: %w", err)
	}
	defer func() {
		if closeErr := body.Close(); closeErr != nil {
			s.logger.Warn("Failed to close page body", "error", closeErr)
		}
	}()

	bulletins, err := parsePage(body, s.pageURL)
	if err != nil {
		s.logger.Error("Failed to parse bulletin page", "url", s.pageURL, "error", err)
		return nil, fmt.Errorf("parse page: %w", err)
	}

	s.logger.Info("Bulletin page parsed",
		"url", s.pageURL,
		"entries", len(bulletins),
		"newest_date", bulletins[0].Date.String(),
		"newest_url", bulletins[0].URL)

	return bulletins, nil
}

func parsePage(body io.Reader, pageURL string) ([]notifier.Bulletin, error) {
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("parse page URL: %w", err)
	}

	doc, err := goquery.NewDocumentFromReader(body)
	if err != nil {
		return nil, err
	}

	entries := doc.Find("div.div-one-pdf")
	if entries.Length() == 0 {
		return nil, ErrNoEntries
	}

	bulletins := make([]notifier.Bulletin, 0, entries.Length())
	var parseErr error
	entries.EachWithBreak(func(i int, s *goquery.Selection) bool {
		href, ok := s.Find("a[href]").First().Attr("href")
		href = strings.TrimSpace(href)
		if !ok || href == "" {
			parseErr = &ParseError{Index: i, Reason: "missing link"}
			return false
		}
		link, err := base.Parse(href)
		if err != nil {
			parseErr = &ParseError{Index: i, Reason: fmt.Sprintf("invalid link %q", href)}
			return false
		}

		caption := strings.Join(strings.Fields(s.Find("div.div-one-pdf-text").First().Text()), " ")
		if caption == "" {
			parseErr = &ParseError{Index: i, Reason: "missing caption"}
			return false
		}
		date, err := ParseDate(caption)
		if err != nil {
			parseErr = &ParseError{Index: i, Reason: err.Error()}
			return false
		}

		bulletins = append(bulletins, notifier.Bulletin{
			Date:  date,
			URL:   link.String(),
			Title: caption,
		})
		return true
	})
	if parseErr != nil {
		return nil, parseErr
	}

	return bulletins, nil
}

// HTTPLoader fetches pages with a plain HTTP client.
type HTTPLoader struct {
	client   *http.Client
	logger   *slog.Logger
	attempts uint
	maxBytes int64
}

// NewHTTPLoader creates a loader that retries transient failures.
func NewHTTPLoader(client *http.Client, logger *slog.Logger) *HTTPLoader {
	return &HTTPLoader{
		client:   client,
		logger:   logger,
		attempts: 5,
		maxBytes: 8 << 20,
	}
}

// Load fetches pageURL. Retries stop when ctx is done.
func (l *HTTPLoader) Load(ctx context.Context, pageURL string) (io.ReadCloser, error) {
	var body []byte

	err := retry.Do(
		func() error {
			l.logger.Info("HTTP request starting",
				"method", "GET",
				"url", pageURL,
				"purpose", "fetch_bulletin_page")

			req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, http.NoBody)
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("create request: %w", err))
			}

			// Set essential browser-like headers to avoid getting blocked
			req.Header.Set("User-Agent", "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36")
			req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
			req.Header.Set("Accept-Language", "it-IT,it;q=0.9,en;q=0.8")
			req.Header.Set("Cache-Control", "no-cache")

			startTime := time.Now()
			resp, err := l.client.Do(req)
			duration := time.Since(startTime)

			if err != nil {
				l.logger.Warn("HTTP request failed, will retry",
					"url", pageURL,
					"duration_ms", duration.Milliseconds(),
					"error", err)
				return err
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					l.logger.Warn("Failed to close response body", "error", closeErr)
				}
			}()

			l.logger.Info("HTTP request completed",
				"url", pageURL,
				"status_code", resp.StatusCode,
				"duration_ms", duration.Milliseconds(),
				"content_length", resp.ContentLength)

			if resp.StatusCode != http.StatusOK {
				return &HTTPStatusError{URL: pageURL, StatusCode: resp.StatusCode}
			}

			data, err := io.ReadAll(io.LimitReader(resp.Body, l.maxBytes+1))
			if err != nil {
				return fmt.Errorf("read body: %w", err)
			}
			if int64(len(data)) > l.maxBytes {
				return retry.Unrecoverable(fmt.Errorf("%w: more than %d bytes", ErrPageTooLarge, l.maxBytes))
			}
			body = data
			return nil
		},
		retry.Attempts(l.attempts),
		retry.Delay(time.Second),
		retry.MaxDelay(30*time.Second),
		retry.MaxJitter(2*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			l.logger.Info("Retrying fetch after error", "attempt", n, "error", err)
		}),
		retry.RetryIf(func(err error) bool {
			var statusErr *HTTPStatusError
			return !errors.As(err, &statusErr) || !statusErr.IsPermanent()
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("after retries: %w", err)
	}

	return io.NopCloser(bytes.NewReader(body)), nil
}
