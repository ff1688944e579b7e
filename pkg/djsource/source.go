// Package djsource scrapes the station's web page for the DJ on air, the DJ's
// picture, and a now-playing line.
package djsource

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gabriel-vasile/mimetype"
)

// maxArtSize bounds the DJ image download.
const maxArtSize = 10 << 20

var ErrNoImage = errors.New("no DJ image on page")

// Art is a DJ picture and the file extension sniffed from its content.
type Art struct {
	Data      []byte
	MIME      string
	Extension string
}

// Source reads the DJ page. Each call fetches the page afresh.
type Source struct {
	cfg    Config
	client *http.Client
}

func New(cfg Config, client *http.Client) *Source {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.ImageAttribute == "" {
		cfg.ImageAttribute = "src"
	}
	return &Source{cfg: cfg, client: client}
}

func (s *Source) document(ctx context.Context) (*goquery.Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.URL, nil)
	if err != nil {
		return nil, err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch dj page: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status from dj page: %s", resp.Status)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse dj page: %w", err)
	}
	return doc, nil
}

func (s *Source) text(ctx context.Context, selector string) (string, error) {
	doc, err := s.document(ctx)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(doc.Find(selector).First().Text()), nil
}

// Name returns the DJ currently on air, empty when the page shows none.
func (s *Source) Name(ctx context.Context) (string, error) {
	return s.text(ctx, s.cfg.NameSelector)
}

// NowPlaying returns the page's now-playing text. It satisfies the status
// poller's title fallback and swallows errors, which only mean no title.
func (s *Source) NowPlaying(ctx context.Context) string {
	if s.cfg.NowPlayingSelector == "" {
		return ""
	}
	t, err := s.text(ctx, s.cfg.NowPlayingSelector)
	if err != nil {
		return ""
	}
	return t
}

// Art downloads the DJ image named by the page and sniffs its format.
func (s *Source) Art(ctx context.Context) (Art, error) {
	if s.cfg.ImageSelector == "" {
		return Art{}, ErrNoImage
	}

	doc, err := s.document(ctx)
	if err != nil {
		return Art{}, err
	}

	src, ok := doc.Find(s.cfg.ImageSelector).First().Attr(s.cfg.ImageAttribute)
	if !ok || strings.TrimSpace(src) == "" {
		return Art{}, ErrNoImage
	}

	imgURL, err := resolve(s.cfg.URL, strings.TrimSpace(src))
	if err != nil {
		return Art{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imgURL, nil)
	if err != nil {
		return Art{}, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return Art{}, fmt.Errorf("failed to fetch dj image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Art{}, fmt.Errorf("unexpected status from dj image: %s", resp.Status)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxArtSize))
	if err != nil {
		return Art{}, fmt.Errorf("failed to read dj image: %w", err)
	}

	mt := mimetype.Detect(data)
	if !strings.HasPrefix(mt.String(), "image/") {
		return Art{}, fmt.Errorf("dj image is %s, not an image", mt.String())
	}

	return Art{
		Data:      data,
		MIME:      mt.String(),
		Extension: strings.TrimPrefix(mt.Extension(), "."),
	}, nil
}

func resolve(base, ref string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("bad dj page url: %w", err)
	}
	r, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("bad dj image url: %w", err)
	}
	return b.ResolveReference(r).String(), nil
}
