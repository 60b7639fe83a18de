package metadata

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog/log"
)

const (
	// UserAgent identifies metadata fetches to the sites being linked
	UserAgent = "Mozilla/5.0 (compatible; pile.bio/1.0; +https://pile.bio)"

	// FetchTimeout bounds a single metadata fetch
	FetchTimeout = 10 * time.Second

	maxTitleLength       = 200
	maxDescriptionLength = 500
)

// Metadata is the preview extracted from a linked page
type Metadata struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Image       string `json:"image,omitempty"`
}

// Fetcher retrieves and parses link preview metadata
type Fetcher struct {
	client *http.Client
}

// NewFetcher creates a metadata fetcher with the standard timeout
func NewFetcher() *Fetcher {
	return &Fetcher{
		client: &http.Client{
			Timeout: FetchTimeout,
		},
	}
}

// Fetch loads the page at url and extracts its preview metadata. Every page
// yields usable metadata: when tags are missing the URL itself is the title.
func (f *Fetcher) Fetch(ctx context.Context, url string) (*Metadata, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build metadata request: %w", err)
	}
	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("fetch of %s returned status %d", url, resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", url, err)
	}

	meta := Extract(doc, url)

	log.Debug().
		Str("url", url).
		Str("title", meta.Title).
		Msg("Extracted link metadata")

	return meta, nil
}

// Extract pulls preview metadata out of a parsed document. Open Graph tags
// win, then Twitter card tags, then plain HTML, then the URL as a last
// resort for the title.
func Extract(doc *goquery.Document, url string) *Metadata {
	title := firstNonEmpty(
		metaContent(doc, `meta[property="og:title"]`),
		metaContent(doc, `meta[name="twitter:title"]`),
		strings.TrimSpace(doc.Find("title").First().Text()),
		url,
	)

	description := firstNonEmpty(
		metaContent(doc, `meta[property="og:description"]`),
		metaContent(doc, `meta[name="twitter:description"]`),
		metaContent(doc, `meta[name="description"]`),
	)

	image := firstNonEmpty(
		metaContent(doc, `meta[property="og:image"]`),
		metaContent(doc, `meta[name="twitter:image"]`),
	)

	return &Metadata{
		Title:       truncate(title, maxTitleLength),
		Description: truncate(description, maxDescriptionLength),
		Image:       image,
	}
}

func metaContent(doc *goquery.Document, selector string) string {
	content, _ := doc.Find(selector).First().Attr("content")
	return strings.TrimSpace(content)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// truncate cuts at a rune boundary so multi-byte titles stay valid UTF-8
func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
