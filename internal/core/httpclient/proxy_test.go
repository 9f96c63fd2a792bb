package httpclient

import "testing"

func TestNoProxyMatches(t *testing.T) {
	tests := []struct {
		name    string
		host    string
		noProxy string
		want    bool
	}{
		{"exact match", "internal.example.com", "internal.example.com", true},
		{"subdomain of bare entry", "api.internal.example.com", "internal.example.com", true},
		{"dotted entry matches subdomain", "api.example.com", ".example.com", true},
		{"dotted entry matches bare domain", "example.com", ".example.com", true},
		{"unrelated host", "example.org", "internal.example.com", false},
		{"wildcard matches everything", "anything.test", "*", true},
		{"multiple entries", "foo.bar", "baz.qux,foo.bar,other.com", true},
		{"empty list matches nothing", "example.com", "", false},
		{"case insensitive", "Example.COM", "example.com", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := noProxyMatches(tt.host, tt.noProxy); got != tt.want {
				t.Errorf("noProxyMatches(%q, %q) = %v, want %v", tt.host, tt.noProxy, got, tt.want)
			}
		})
	}
}

func TestProxyConfigExplicitOverridesEnv(t *testing.T) {
	t.Setenv("https_proxy", "http://from-env:8080")
	cfg := ProxyConfig{HTTPSProxy: "http://from-config:9090"}

	req := mustRequest("https://example.com")
	u, err := cfg.proxyFunc(req)
	if err != nil {
		t.Fatalf("proxyFunc: %v", err)
	}
	if u == nil || u.Host != "from-config:9090" {
		t.Fatalf("expected explicit config proxy, got %v", u)
	}
}

func TestProxyConfigFallsBackToEnv(t *testing.T) {
	t.Setenv("http_proxy", "http://from-env:8080")
	cfg := ProxyConfig{}

	req := mustRequest("http://example.com")
	u, err := cfg.proxyFunc(req)
	if err != nil {
		t.Fatalf("proxyFunc: %v", err)
	}
	if u == nil || u.Host != "from-env:8080" {
		t.Fatalf("expected env proxy, got %v", u)
	}
}

func TestProxyConfigNoProxyWins(t *testing.T) {
	t.Setenv("http_proxy", "http://from-env:8080")
	cfg := ProxyConfig{NoProxy: "example.com"}

	req := mustRequest("http://example.com")
	u, err := cfg.proxyFunc(req)
	if err != nil {
		t.Fatalf("proxyFunc: %v", err)
	}
	if u != nil {
		t.Fatalf("expected no proxy for no_proxy match, got %v", u)
	}
}
