// Package http builds the proxy-aware HTTP client used by the job API client
// and the retry/backoff helpers shared with the push channel.
package http

import (
	"crypto/tls"
	nethttp "net/http"
	"os"

	"golang.org/x/net/http2"

	"github.com/airstrike/airstrike/internal/config"
	"github.com/airstrike/airstrike/internal/logging"
)

// NewAPIClient creates the HTTP client for the job API.
//
// Key features:
//   - Proxy support (uses ConfigureHTTPClient as base)
//   - HTTP/2 with runtime toggle (DISABLE_HTTP2 env var)
//   - HTTP/2 disabled when a proxy is active unless FORCE_HTTP2=true
//   - No client-wide timeout; every call carries its own context deadline
//   - Optional proxy warmup, sent ahead of the first request rather than here
func NewAPIClient(cfg *config.Config, logger *logging.Logger) (*nethttp.Client, error) {
	client, err := ConfigureHTTPClient(cfg, logger)
	if err != nil {
		return nil, err
	}

	defer func() { client.Transport = withWarmup(client.Transport, cfg, logger) }()

	tr, ok := client.Transport.(*nethttp.Transport)
	if !ok {
		// Wrapped by the NTLM negotiator; leave the transport alone
		return client, nil
	}

	tr.ForceAttemptHTTP2 = true
	_ = http2.ConfigureTransport(tr)

	if os.Getenv("DISABLE_HTTP2") == "true" || (proxyActive(cfg) && os.Getenv("FORCE_HTTP2") != "true") {
		tr.ForceAttemptHTTP2 = false
		tr.TLSNextProto = make(map[string]func(string, *tls.Conn) nethttp.RoundTripper)
	}

	return client, nil
}

// proxyActive trusts the configured mode first; only "system" mode consults the environment.
func proxyActive(cfg *config.Config) bool {
	switch cfg.ProxyMode {
	case "no-proxy", "":
		return false
	case "system":
		return os.Getenv("HTTP_PROXY") != "" || os.Getenv("HTTPS_PROXY") != "" ||
			os.Getenv("http_proxy") != "" || os.Getenv("https_proxy") != ""
	default:
		return cfg.ProxyHost != ""
	}
}
