package urlnorm_test

import (
	"testing"

	"github.com/fenwick-labs/taskcrawl/urlnorm"
)

func TestNormalize(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"http://Example.com/Path/", "http://Example.com/Path"},
		{"http://example.com", "http://example.com/"},
		{"http://example.com/", "http://example.com/"},
		{"http://example.com/a/b/#frag", "http://example.com/a/b"},
		{"http://example.com/a?x=1&y=2", "http://example.com/a?x=1&y=2"},
		{"HTTP://example.com/a", "http://example.com/a"},
		{"  http://example.com/a  ", "http://example.com/a"},
	}
	for _, c := range cases {
		got, err := urlnorm.Normalize(c.in)
		if err != nil {
			t.Fatalf("Normalize(%q) error: %v", c.in, err)
		}
		if got != c.want {
			t.Errorf("Normalize(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	inputs := []string{"http://example.com/a/b/", "http://example.com", "http://example.com/a?x=1"}
	for _, in := range inputs {
		once, err := urlnorm.Normalize(in)
		if err != nil {
			t.Fatalf("Normalize(%q): %v", in, err)
		}
		twice, err := urlnorm.Normalize(once)
		if err != nil {
			t.Fatalf("Normalize(%q) (second pass): %v", once, err)
		}
		if once != twice {
			t.Errorf("Normalize not idempotent: %q -> %q -> %q", in, once, twice)
		}
	}
}

func TestNormalizeRejectsInvalid(t *testing.T) {
	for _, in := range []string{"", "not-a-url", "/relative/path"} {
		if _, err := urlnorm.Normalize(in); err == nil {
			t.Errorf("Normalize(%q) expected error, got nil", in)
		}
	}
}

func TestSameDomain(t *testing.T) {
	cases := []struct {
		a, b string
		want bool
	}{
		{"http://www.example.com/a", "http://example.com/b", true},
		{"http://example.com/a", "http://www.example.com/b", true},
		{"http://example.com/a", "http://other.com/b", false},
		{"http://blog.example.com/a", "http://example.com/b", false},
	}
	for _, c := range cases {
		if got := urlnorm.SameDomain(c.a, c.b); got != c.want {
			t.Errorf("SameDomain(%q, %q) = %v, want %v", c.a, c.b, got, c.want)
		}
	}
}
