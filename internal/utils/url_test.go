package utils

import (
	"reflect"
	"testing"
)

func TestNormalizeURL(t *testing.T) {
	normalized, domain, err := NormalizeURL("https://Example.com/path?utm_source=test&x=1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if domain != "example.com" {
		t.Fatalf("unexpected domain: %s", domain)
	}
	if normalized != "https://example.com/path?x=1" {
		t.Fatalf("unexpected normalized url: %s", normalized)
	}
}

func TestExtractURLs(t *testing.T) {
	urls := ExtractURLs("see http://a.com and https://b.org/x?y=1 but not ftp://c.net")
	want := []string{"http://a.com", "https://b.org/x?y=1"}
	if !reflect.DeepEqual(urls, want) {
		t.Fatalf("unexpected urls: %v", urls)
	}
	if got := ExtractURLs("no links here, just www.example.com"); len(got) != 0 {
		t.Fatalf("expected no urls, got %v", got)
	}
}

func TestLinkHostsDedupes(t *testing.T) {
	hosts := LinkHosts("https://Example.com/a https://example.com/b http://bücher.de")
	want := []string{"example.com", "xn--bcher-kva.de"}
	if !reflect.DeepEqual(hosts, want) {
		t.Fatalf("unexpected hosts: %v", hosts)
	}
}
