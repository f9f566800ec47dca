// Package detector decides when a plain fetch should be retried in headless
// Chrome.
package detector

import (
	"bytes"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/frontier-crawler/internal/crawler"
)

const defaultThreshold = 2048

// spaMountSelectors match the empty mount points client-side frameworks
// render into.
var spaMountSelectors = []string{"#__next", "#root", "#app", "[data-reactroot]", "[ng-app]"}

var noscriptKeywords = [][]byte{
	[]byte("enable javascript"),
	[]byte("requires javascript"),
}

// Heuristic promotes html pages that yielded no links and look client-rendered.
// A page with anchors is never promoted: links are all the crawl needs.
type Heuristic struct {
	BodyLengthThreshold int
}

// NewHeuristic creates a new detector.
func NewHeuristic(threshold int) *Heuristic {
	if threshold <= 0 {
		threshold = defaultThreshold
	}
	return &Heuristic{BodyLengthThreshold: threshold}
}

// ShouldPromote decides whether a headless fetch is warranted.
func (h *Heuristic) ShouldPromote(resp crawler.FetchResponse) bool {
	if h == nil || resp.StatusCode < 200 || resp.StatusCode > 299 {
		return false
	}
	if !crawler.IsHTML(resp.ContentType()) {
		return false
	}
	body := resp.Body
	if len(bytes.TrimSpace(body)) == 0 {
		return true
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return false
	}
	if doc.Find("a[href]").Length() > 0 {
		return false
	}
	for _, sel := range spaMountSelectors {
		if doc.Find(sel).Length() > 0 {
			return true
		}
	}
	if containsKeyword(body) {
		return true
	}
	return len(body) < h.BodyLengthThreshold && scriptDensityHigh(body)
}

func containsKeyword(body []byte) bool {
	lower := bytes.ToLower(body)
	for _, kw := range noscriptKeywords {
		if bytes.Contains(lower, kw) {
			return true
		}
	}
	return false
}

func scriptDensityHigh(body []byte) bool {
	lower := strings.ToLower(string(body))
	total := len(lower)
	if total == 0 {
		return false
	}

	const (
		openTag  = "<script"
		closeTag = "</script>"
	)
	coverage := 0
	pos := 0
	for {
		rel := strings.Index(lower[pos:], openTag)
		if rel == -1 {
			break
		}
		start := pos + rel
		end := strings.Index(lower[start:], closeTag)
		if end == -1 {
			// Unclosed script runs to the end of the document.
			coverage += total - start
			break
		}
		next := start + end + len(closeTag)
		coverage += next - start
		pos = next
	}
	return coverage*100/total >= 25
}
