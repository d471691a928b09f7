// Package rewrite implements the origin substitution applied in both
// directions: requests bound for the upstream identity service get their host
// swapped and the custom-domain control headers injected; responses coming
// back get every trace of the upstream origin (body text, Set-Cookie domains,
// Location values) replaced with the tunnel's public origin.
package rewrite

import (
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gingerich/ory-tunnel/internal/metrics"
	"github.com/gingerich/ory-tunnel/internal/model"
)

// Control headers injected on every upstream request. They tell the identity
// service to render origin-relative content against the tunnel's public
// origin instead of issuing its own custom-domain redirects.
const (
	HeaderNoCustomDomainRedirect = "Ory-No-Custom-Domain-Redirect"
	HeaderBaseURLRewrite         = "Ory-Base-Url-Rewrite"
	HeaderBaseURLRewriteToken    = "Ory-Base-Url-Rewrite-Token"
	HeaderCnameSource            = "X-Ory-Cname-Source"
)

// CnameSourceNetwork marks traffic as arriving through the network ingress
// path rather than a vendor-managed CNAME.
const CnameSourceNetwork = "network"

// Rewriter performs the bidirectional substitution. It is stateless beyond
// the values derived from configuration at construction, so a single instance
// is safe for concurrent use across requests.
type Rewriter struct {
	apiKey string

	publicOrigin string // e.g. "https://auth.example.org"
	publicHost   string

	upstreamOrigin string // e.g. "https://project.oryapis.com"
	upstreamHost   string
	upstreamScheme string

	// URL-encoded forms used for Set-Cookie substitution. For ordinary
	// hostnames these equal the plain forms; encoding only differs for
	// hosts carrying reserved characters.
	encUpstreamHost   string
	encUpstreamDomain string
	encPublicHost     string

	metrics *metrics.Metrics
}

// New creates a Rewriter for the given origins. publicOrigin and
// upstreamOrigin must both be absolute URLs (scheme and host); any path,
// query, or trailing slash on them is ignored. The metrics parameter is
// optional; pass nil to disable rewrite counters.
func New(publicOrigin, upstreamOrigin *url.URL, apiKey string, m *metrics.Metrics) (*Rewriter, error) {
	if publicOrigin == nil || publicOrigin.Scheme == "" || publicOrigin.Host == "" {
		return nil, fmt.Errorf("rewrite: public origin must be an absolute URL; got %v", publicOrigin)
	}
	if upstreamOrigin == nil || upstreamOrigin.Scheme == "" || upstreamOrigin.Host == "" {
		return nil, fmt.Errorf("rewrite: upstream origin must be an absolute URL; got %v", upstreamOrigin)
	}

	pub := publicOrigin.Scheme + "://" + publicOrigin.Host
	up := upstreamOrigin.Scheme + "://" + upstreamOrigin.Host

	return &Rewriter{
		apiKey:            apiKey,
		publicOrigin:      pub,
		publicHost:        publicOrigin.Host,
		upstreamOrigin:    up,
		upstreamHost:      upstreamOrigin.Host,
		upstreamScheme:    upstreamOrigin.Scheme,
		encUpstreamHost:   url.QueryEscape(upstreamOrigin.Host),
		encUpstreamDomain: url.QueryEscape(registrableDomain(upstreamOrigin.Host)),
		encPublicHost:     url.QueryEscape(publicOrigin.Host),
		metrics:           m,
	}, nil
}

// OutboundRequest derives the upstream-bound request from an inbound one.
// The target host is replaced with the upstream host, the inbound headers are
// copied over, and the four control headers are set, overwriting any inbound
// value of the same name. The ProxyRequest itself is not modified.
func (r *Rewriter) OutboundRequest(pr *model.ProxyRequest) (*http.Request, error) {
	u := url.URL{
		Scheme:   r.upstreamScheme,
		Host:     r.upstreamHost,
		Path:     pr.Path,
		RawQuery: pr.Query.Encode(),
	}

	req, err := http.NewRequestWithContext(pr.Ctx, pr.Method, u.String(), pr.Body)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}

	if h := pr.Header.Clone(); h != nil {
		req.Header = h
	}
	// Let the transport negotiate gzip itself so textual responses arrive
	// decompressed and the substitution below operates on plain text.
	req.Header.Del("Accept-Encoding")

	req.Header.Set(HeaderNoCustomDomainRedirect, "true")
	req.Header.Set(HeaderBaseURLRewrite, r.publicOrigin)
	req.Header.Set(HeaderBaseURLRewriteToken, r.apiKey)
	req.Header.Set(HeaderCnameSource, CnameSourceNetwork)

	req.Host = r.upstreamHost

	return req, nil
}

// RewriteResponse replaces upstream origin references in the response body,
// Set-Cookie domains, and Location header, in place. Missing parts are
// silently skipped. The only error source is reading a textual body.
func (r *Rewriter) RewriteResponse(resp *model.ProxyResponse) error {
	if err := r.rewriteBody(resp); err != nil {
		return err
	}
	r.rewriteSetCookie(resp.Header)
	r.rewriteLocation(resp.Header)
	return nil
}

// rewriteBody buffers text-family bodies and substitutes the upstream origin.
// Everything else (no body, no Content-Type, binary types) passes through
// untouched so large payloads keep streaming.
func (r *Rewriter) rewriteBody(resp *model.ProxyResponse) error {
	if resp.Body == nil {
		return nil
	}
	if !isTextContentType(resp.Header.Get("Content-Type")) {
		return nil
	}

	data, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		return fmt.Errorf("read upstream body: %w", err)
	}

	body := strings.ReplaceAll(string(data), r.upstreamOrigin, r.publicOrigin)
	if r.metrics != nil && body != string(data) {
		r.metrics.RewritesTotal.WithLabelValues(metrics.RewritePartBody).Inc()
	}

	resp.Body = io.NopCloser(strings.NewReader(body))
	resp.Header.Set("Content-Length", strconv.Itoa(len(body)))
	return nil
}

// rewriteSetCookie splits each Set-Cookie value on "," into individual
// cookies, substitutes the upstream host in each, and re-adds one header per
// cookie in the original order. Two passes run per cookie, broadest first:
// the full upstream host, then its registrable domain. Running narrow before
// broad would leave residue of the full host unmatched by the domain pass.
func (r *Rewriter) rewriteSetCookie(h http.Header) {
	lines := h.Values("Set-Cookie")
	if len(lines) == 0 {
		return
	}

	var cookies []string
	for _, line := range lines {
		for _, c := range strings.Split(line, ",") {
			c = strings.TrimSpace(c)
			if c == "" {
				continue
			}
			rewritten := strings.ReplaceAll(c, r.encUpstreamHost, r.encPublicHost)
			rewritten = strings.ReplaceAll(rewritten, r.encUpstreamDomain, r.encPublicHost)
			if r.metrics != nil && rewritten != c {
				r.metrics.RewritesTotal.WithLabelValues(metrics.RewritePartCookie).Inc()
			}
			cookies = append(cookies, rewritten)
		}
	}

	h.Del("Set-Cookie")
	for _, c := range cookies {
		h.Add("Set-Cookie", c)
	}
}

// rewriteLocation substitutes the upstream origin in redirect targets.
func (r *Rewriter) rewriteLocation(h http.Header) {
	vals := h.Values("Location")
	for i, v := range vals {
		rewritten := strings.ReplaceAll(v, r.upstreamOrigin, r.publicOrigin)
		if rewritten != v {
			vals[i] = rewritten
			if r.metrics != nil {
				r.metrics.RewritesTotal.WithLabelValues(metrics.RewritePartLocation).Inc()
			}
		}
	}
}

// textMediaTypes are the non-text/* media types still treated as textual.
var textMediaTypes = map[string]bool{
	"application/json":       true,
	"application/javascript": true,
	"application/xml":        true,
	"application/xhtml+xml":  true,
}

// isTextContentType reports whether a Content-Type carries text the rewriter
// should buffer and substitute. Absent or unparseable values are not text.
func isTextContentType(ct string) bool {
	if ct == "" {
		return false
	}
	mediaType, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return false
	}
	if strings.HasPrefix(mediaType, "text/") {
		return true
	}
	if textMediaTypes[mediaType] {
		return true
	}
	return strings.HasSuffix(mediaType, "+json") || strings.HasSuffix(mediaType, "+xml")
}

// registrableDomain returns the last two DNS labels of a host, e.g.
// "project.oryapis.com" -> "oryapis.com". Hosts with fewer labels (or a
// port) are returned as-is.
func registrableDomain(host string) string {
	labels := strings.Split(host, ".")
	if len(labels) < 2 {
		return host
	}
	return strings.Join(labels[len(labels)-2:], ".")
}
