package extract

import (
	"net/url"
	"testing"
)

// tokenizeLinks is only reachable from Links when goquery's parser errors,
// which it almost never does against in-memory bytes; exercise it directly.
func TestTokenizeLinks_RecoversHrefsAndSrcs(t *testing.T) {
	base, err := url.Parse("https://example.com/dir/")
	if err != nil {
		t.Fatalf("parse base: %v", err)
	}

	body := []byte(`<a href="/a">a</a><img src="/b.png"><script src="/c.js">`)
	links := tokenizeLinks(body, base)

	want := []string{
		"https://example.com/a",
		"https://example.com/b.png",
		"https://example.com/c.js",
	}
	if len(links) != len(want) {
		t.Fatalf("got %v, want %v", links, want)
	}
	for i, w := range want {
		if links[i] != w {
			t.Errorf("link[%d] = %q, want %q", i, links[i], w)
		}
	}
}
