package processor

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/frontier-crawler/internal/crawler"
)

// ExtractLinks returns the outbound links of an html document in document
// order. Links are attributed to pageURL. Hrefs are resolved against
// finalURL (the URL the body was served from after redirects; empty means
// pageURL) or a <base href>. Fragments are dropped, non-http(s) targets are
// skipped and duplicates keep their first position.
func ExtractLinks(body []byte, pageURL, finalURL string) ([]crawler.Link, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	sourceHost, err := crawler.Hostname(pageURL)
	if err != nil {
		return nil, err
	}

	base := finalURL
	if base == "" {
		base = pageURL
	}
	if href, ok := doc.Find("base[href]").First().Attr("href"); ok {
		if resolved, err := crawler.ResolveURL(href, base); err == nil {
			base = resolved
		}
	}

	seen := make(map[string]struct{})
	var links []crawler.Link
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href := strings.TrimSpace(sel.AttrOr("href", ""))
		if href == "" || strings.HasPrefix(href, "#") {
			return
		}
		target, err := crawler.ResolveURL(href, base)
		if err != nil {
			return
		}
		if _, dup := seen[target]; dup {
			return
		}
		host, err := crawler.Hostname(target)
		if err != nil {
			return
		}
		seen[target] = struct{}{}
		links = append(links, crawler.Link{
			SourceURL:  pageURL,
			SourceHost: sourceHost,
			Host:       host,
			URL:        target,
		})
	})
	return links, nil
}
