package ingest

import (
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
	"github.com/ledongthuc/pdf"
	"github.com/lectio-ai/lectio/pkg/errorsx"
	"github.com/lectio-ai/lectio/pkg/logging"
)

const maxBodyBytes = 32 << 20

// Article is the extracted plain text of a fetched document.
type Article struct {
	URL   string
	Title string
	Text  string
}

// Fetcher downloads an article and extracts its readable text. ArXiv
// abstract links are rewritten to the PDF and extracted as PDF text;
// everything else is treated as HTML.
type Fetcher struct {
	client *http.Client
	logger *slog.Logger
}

func NewFetcher(client *http.Client) *Fetcher {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Fetcher{
		client: client,
		logger: logging.Component(slog.Default(), "ingest"),
	}
}

func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (Article, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return Article{}, errorsx.Wrap(fmt.Errorf("invalid url %q", rawURL), errorsx.ReasonIngestFetch)
	}

	fetchURL := rawURL
	isPDF := false
	if strings.Contains(u.Host, "arxiv.org") && strings.Contains(u.Path, "/abs/") {
		fetchURL = rewriteArxiv(u)
		isPDF = true
	}

	f.logger.Info("fetching article",
		slog.String("url", fetchURL),
		slog.Bool("pdf", isPDF))

	body, contentType, err := f.download(ctx, fetchURL)
	if err != nil {
		return Article{}, err
	}

	if isPDF || strings.Contains(contentType, "application/pdf") {
		text, err := extractPDF(body)
		if err != nil {
			return Article{}, errorsx.Wrap(err, errorsx.ReasonIngestExtract)
		}
		return Article{URL: rawURL, Text: text}, nil
	}

	title, text, err := extractHTML(body)
	if err != nil {
		return Article{}, errorsx.Wrap(err, errorsx.ReasonIngestExtract)
	}
	return Article{URL: rawURL, Title: title, Text: text}, nil
}

func (f *Fetcher) download(ctx context.Context, fetchURL string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fetchURL, nil)
	if err != nil {
		return nil, "", errorsx.Wrap(err, errorsx.ReasonIngestFetch)
	}
	req.Header.Set("User-Agent", "lectio/1.0")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, "", errorsx.Wrap(err, errorsx.ReasonIngestFetch)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", errorsx.Wrap(fmt.Errorf("fetch %s: %s", fetchURL, resp.Status), errorsx.ReasonIngestFetch)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, "", errorsx.Wrap(err, errorsx.ReasonIngestFetch)
	}
	return body, resp.Header.Get("Content-Type"), nil
}

// rewriteArxiv turns an abstract page link into the direct PDF link.
func rewriteArxiv(u *url.URL) string {
	p := strings.Replace(u.Path, "/abs/", "/pdf/", 1)
	if !strings.HasSuffix(p, ".pdf") {
		p += ".pdf"
	}
	rewritten := *u
	rewritten.Path = p
	rewritten.RawQuery = ""
	return rewritten.String()
}

func extractHTML(body []byte) (title, text string, err error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return "", "", err
	}
	title = strings.TrimSpace(doc.Find("title").First().Text())

	// Wikipedia keeps the article body in this container; fall back to the
	// whole body for other sites.
	content := doc.Find("div.mw-parser-output")
	if content.Length() == 0 {
		content = doc.Find("body")
	}
	content.Find("script, style, noscript, table, sup.reference").Remove()

	var sb strings.Builder
	content.Find("p, h1, h2, h3, li").Each(func(_ int, s *goquery.Selection) {
		line := strings.TrimSpace(s.Text())
		if line != "" {
			sb.WriteString(line)
			sb.WriteString("\n")
		}
	})
	text = strings.TrimSpace(sb.String())
	if text == "" {
		text = strings.TrimSpace(content.Text())
	}
	if text == "" {
		return "", "", errors.New("no readable text in document")
	}
	return title, text, nil
}

func extractPDF(body []byte) (string, error) {
	r, err := pdf.NewReader(bytes.NewReader(body), int64(len(body)))
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	plain, err := r.GetPlainText()
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(&sb, plain); err != nil {
		return "", err
	}
	text := strings.TrimSpace(sb.String())
	if text == "" {
		return "", errors.New("no extractable text in pdf")
	}
	return text, nil
}
