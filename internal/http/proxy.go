package http

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	nethttp "net/http"
	"net/url"
	"strings"
	"sync"

	ntlmssp "github.com/Azure/go-ntlmssp"
	"golang.org/x/net/http/httpproxy"

	"github.com/airstrike/airstrike/internal/config"
	"github.com/airstrike/airstrike/internal/constants"
	"github.com/airstrike/airstrike/internal/logging"
)

// ConfigureHTTPClient configures an HTTP client with proxy settings.
// The returned client has no overall timeout; callers bound each request with a context.
func ConfigureHTTPClient(cfg *config.Config, logger *logging.Logger) (*nethttp.Client, error) {
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	transport := newTransport()

	proxy, err := ProxyFunc(cfg, logger)
	if err != nil {
		return nil, err
	}
	transport.Proxy = proxy

	var rt nethttp.RoundTripper = transport
	if strings.ToLower(cfg.ProxyMode) == "ntlm" && transport.Proxy != nil {
		// NTLM handshakes with the proxy on top of the plain transport
		rt = ntlmssp.Negotiator{RoundTripper: transport}
	}

	return &nethttp.Client{Transport: rt}, nil
}

// withWarmup wraps rt so the first request through a configured proxy is
// preceded by a warmup request. Nothing is sent until that first request.
func withWarmup(rt nethttp.RoundTripper, cfg *config.Config, logger *logging.Logger) nethttp.RoundTripper {
	// Only warm up if credentials are complete and warmup is requested
	if !cfg.ProxyWarmup || !proxyActive(cfg) || NeedsProxyPassword(cfg) {
		return rt
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &warmupTransport{
		next:   rt,
		url:    strings.TrimRight(cfg.APIBaseURL, "/") + "/",
		logger: logger,
	}
}

type warmupTransport struct {
	next   nethttp.RoundTripper
	url    string
	logger *logging.Logger
	once   sync.Once
}

func (w *warmupTransport) RoundTrip(req *nethttp.Request) (*nethttp.Response, error) {
	w.once.Do(func() {
		// a failed warmup is not fatal; the real request reports its own outcome
		if err := warmupProxy(req.Context(), w.next, w.url); err != nil {
			w.logger.Debug().Err(err).Msg("Proxy warmup failed")
		}
	})
	return w.next.RoundTrip(req)
}

// ProxyFunc returns the proxy selector for cfg, or nil for direct connections.
// The websocket dialer of the push channel shares it with the HTTP client.
func ProxyFunc(cfg *config.Config, logger *logging.Logger) (func(*nethttp.Request) (*url.URL, error), error) {
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	switch mode := strings.ToLower(cfg.ProxyMode); mode {
	case "no-proxy", "":
		return nil, nil

	case "system":
		return nethttp.ProxyFromEnvironment, nil

	case "ntlm", "basic":
		// Fall back to no-proxy if host is missing (incomplete saved config)
		if cfg.ProxyHost == "" {
			logger.Warn().Str("mode", mode).Msg("Proxy host is missing - falling back to direct connection")
			return nil, nil
		}
		if NeedsProxyPassword(cfg) {
			logger.Warn().Msg("Proxy user configured but password missing - proxy auth disabled until password is set")
		}
		return proxyFuncWithBypass(buildProxyURL(cfg), cfg.NoProxy, logger), nil

	default:
		return nil, fmt.Errorf("unsupported proxy mode: %s", cfg.ProxyMode)
	}
}

func newTransport() *nethttp.Transport {
	return &nethttp.Transport{
		DialContext: (&net.Dialer{
			Timeout:   constants.HTTPDialTimeout,
			KeepAlive: constants.HTTPDialKeepAlive,
		}).DialContext,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
		MaxIdleConns:          16,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       constants.HTTPIdleConnTimeout,
		TLSHandshakeTimeout:   constants.HTTPTLSHandshakeTimeout,
		ExpectContinueTimeout: constants.HTTPExpectContinueTimeout,
	}
}

// buildProxyURL constructs a proxy URL from config
func buildProxyURL(cfg *config.Config) *url.URL {
	port := cfg.ProxyPort
	if port == 0 {
		port = 8080 // Default proxy port
	}

	proxyURL := &url.URL{
		Scheme: "http",
		Host:   net.JoinHostPort(cfg.ProxyHost, fmt.Sprintf("%d", port)),
	}

	// Only embed credentials if both user AND password are provided
	if cfg.ProxyUser != "" && cfg.ProxyPassword != "" {
		proxyURL.User = url.UserPassword(cfg.ProxyUser, cfg.ProxyPassword)
	}

	return proxyURL
}

// warmupProxy performs a warmup request to establish the proxy connection.
func warmupProxy(ctx context.Context, rt nethttp.RoundTripper, target string) error {
	ctx, cancel := context.WithTimeout(ctx, constants.ProxyWarmupTimeout)
	defer cancel()

	req, err := nethttp.NewRequestWithContext(ctx, nethttp.MethodGet, target, nil)
	if err != nil {
		return err
	}

	resp, err := rt.RoundTrip(req)
	if err != nil {
		return fmt.Errorf("warmup request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 500 {
		return fmt.Errorf("warmup request returned server error: %d", resp.StatusCode)
	}

	return nil
}

// proxyFuncWithBypass returns a proxy function that respects the NoProxy bypass list.
// If noProxy is empty, behaves identically to nethttp.ProxyURL.
func proxyFuncWithBypass(proxyURL *url.URL, noProxy string, logger *logging.Logger) func(*nethttp.Request) (*url.URL, error) {
	if noProxy == "" {
		return nethttp.ProxyURL(proxyURL)
	}
	pc := httpproxy.Config{
		HTTPProxy:  proxyURL.String(),
		HTTPSProxy: proxyURL.String(),
		NoProxy:    noProxy,
	}
	proxyFunc := pc.ProxyFunc()
	return func(req *nethttp.Request) (*url.URL, error) {
		u := *req.URL
		// websocket URLs are proxied like their http counterparts
		switch u.Scheme {
		case "ws":
			u.Scheme = "http"
		case "wss":
			u.Scheme = "https"
		}
		result, err := proxyFunc(&u)
		if result == nil {
			logger.Debug().Str("host", req.URL.Host).Msg("Proxy bypass (direct connection)")
		} else {
			logger.Debug().Str("host", req.URL.Host).Str("proxy", result.Host).Msg("Proxied")
		}
		return result, err
	}
}

// NeedsProxyPassword reports whether an authenticating proxy has a user but
// no password. The proxy is then used without credentials.
func NeedsProxyPassword(cfg *config.Config) bool {
	mode := strings.ToLower(cfg.ProxyMode)
	if mode != "basic" && mode != "ntlm" {
		return false
	}
	return cfg.ProxyUser != "" && cfg.ProxyPassword == ""
}
