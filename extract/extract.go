// Package extract implements the crawler's link and metadata extraction
// (spec.md §4.4): a/img/link/script attributes plus a raw-body URL regex
// fallback for links, and first-match-wins metadata extraction across
// standard, OpenGraph, and schema.org tags.
package extract

import (
	"bytes"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"github.com/fenwick-labs/taskcrawl/store"
	"github.com/fenwick-labs/taskcrawl/urlnorm"
)

// urlPattern is the regex fallback of spec.md §4.4.
var urlPattern = regexp.MustCompile(`https?://[^\s<>"{}|\\^` + "`" + `\[\]]+`)

// Links parses body (already fetched and capped by the caller) and
// returns a deduplicated, order-stable list of absolute, normalized
// candidate URLs resolved against base.
func Links(body []byte, base *url.URL) ([]string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		// goquery's parser gives up on some malformed markup; fall back to
		// the raw html.Tokenizer, which never errors, plus the regex pass.
		return tokenizeLinks(body, base), nil
	}

	seen := make(map[string]struct{})
	var out []string

	add := func(raw string) {
		if raw == "" {
			return
		}
		refURL, err := url.Parse(raw)
		if err != nil {
			return
		}
		resolved := base.ResolveReference(refURL).String()
		if !urlnorm.IsHTTPScheme(resolved) {
			return
		}
		normalized, err := urlnorm.Normalize(resolved)
		if err != nil {
			return
		}
		if _, ok := seen[normalized]; ok {
			return
		}
		seen[normalized] = struct{}{}
		out = append(out, normalized)
	}

	doc.Find("a[href], link[href]").Each(func(_ int, s *goquery.Selection) {
		if href, ok := s.Attr("href"); ok {
			add(href)
		}
	})
	doc.Find("img[src], script[src]").Each(func(_ int, s *goquery.Selection) {
		if src, ok := s.Attr("src"); ok {
			add(src)
		}
	})
	for _, match := range urlPattern.FindAllString(string(body), -1) {
		add(match)
	}

	return out, nil
}

// tokenizeLinks is the fallback path for markup goquery's stricter parser
// rejects outright. html.Tokenizer never errors on malformed input, so it
// recovers hrefs/srcs a full DOM parse would otherwise lose entirely.
func tokenizeLinks(body []byte, base *url.URL) []string {
	seen := make(map[string]struct{})
	var out []string

	add := func(raw string) {
		if raw == "" {
			return
		}
		refURL, err := url.Parse(raw)
		if err != nil {
			return
		}
		resolved := base.ResolveReference(refURL).String()
		if !urlnorm.IsHTTPScheme(resolved) {
			return
		}
		normalized, err := urlnorm.Normalize(resolved)
		if err != nil {
			return
		}
		if _, ok := seen[normalized]; ok {
			return
		}
		seen[normalized] = struct{}{}
		out = append(out, normalized)
	}

	z := html.NewTokenizer(bytes.NewReader(body))
	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			break
		}
		if tt != html.StartTagToken && tt != html.SelfClosingTagToken {
			continue
		}
		tok := z.Token()
		attr := "href"
		if tok.Data == "img" || tok.Data == "script" {
			attr = "src"
		} else if tok.Data != "a" && tok.Data != "link" {
			continue
		}
		for _, a := range tok.Attr {
			if a.Key == attr {
				add(a.Val)
			}
		}
	}

	for _, match := range urlPattern.FindAllString(string(body), -1) {
		add(match)
	}

	return out
}

// Field length caps of spec.md §4.4.
const (
	maxTitle       = 500
	maxAuthor      = 200
	maxDescription = 1000
	maxKeywords    = 500
	maxPublishTime = 50
)

func truncate(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) > max {
		return s[:max]
	}
	return s
}

// Meta extracts page metadata with first-match precedence per spec.md §4.4.
func Meta(body []byte) store.Metadata {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return store.Metadata{}
	}

	metaContent := func(sel string) string {
		s := doc.Find(sel).First()
		v, _ := s.Attr("content")
		return v
	}

	var m store.Metadata

	// title: <title> then og:title
	if t := doc.Find("title").First().Text(); t != "" {
		m.Title = t
	}
	if og := metaContent(`meta[property="og:title"]`); og != "" && m.Title == "" {
		m.Title = og
	}
	m.Title = truncate(m.Title, maxTitle)

	// author: meta[name=author], then article:author, then <a rel=author>
	if v := metaContent(`meta[name="author"]`); v != "" {
		m.Author = v
	}
	if v := metaContent(`meta[property="article:author"]`); v != "" && m.Author == "" {
		m.Author = v
	}
	if m.Author == "" {
		if v := doc.Find(`a[rel="author"]`).First().Text(); v != "" {
			m.Author = v
		}
	}
	m.Author = truncate(m.Author, maxAuthor)

	// description: meta[name=description] then og:description
	if v := metaContent(`meta[name="description"]`); v != "" {
		m.Description = v
	}
	if v := metaContent(`meta[property="og:description"]`); v != "" && m.Description == "" {
		m.Description = v
	}
	m.Description = truncate(m.Description, maxDescription)

	// keywords
	m.Keywords = truncate(metaContent(`meta[name="keywords"]`), maxKeywords)

	// publish_time: article:published_time, then <time datetime> (or text), then itemprop=datePublished
	if v := metaContent(`meta[property="article:published_time"]`); v != "" {
		m.PublishTime = v
	}
	if m.PublishTime == "" {
		t := doc.Find("time").First()
		if dt, ok := t.Attr("datetime"); ok && dt != "" {
			m.PublishTime = dt
		} else if txt := t.Text(); txt != "" {
			m.PublishTime = txt
		}
	}
	if m.PublishTime == "" {
		if v := metaContent(`meta[itemprop="datePublished"]`); v != "" {
			m.PublishTime = v
		}
	}
	m.PublishTime = truncate(m.PublishTime, maxPublishTime)

	return m
}
