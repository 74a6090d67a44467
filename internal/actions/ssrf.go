package actions

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"syscall"
	"time"

	"github.com/rendis/budpipeline/pkg/schema"
)

var blockedHosts = map[string]bool{
	"localhost":                true,
	"metadata.google.internal": true,
	"metadata":                 true,
	"169.254.169.254":          true,
	"instance-data":            true,
}

var cgnat = netip.MustParsePrefix("100.64.0.0/10")

// SSRFGuard rejects outbound requests to internal addresses. URLs are
// checked before dispatch and every dialled address is checked again, so
// DNS answers that change between the two are still caught.
type SSRFGuard struct {
	// AllowPrivate disables address checks. Local development only.
	AllowPrivate bool
	Resolver     *net.Resolver
}

// CheckURL validates scheme and host and resolves the host.
func (g *SSRFGuard) CheckURL(ctx context.Context, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return ssrfError("invalid url %q", raw)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ssrfError("scheme %q is not allowed", u.Scheme)
	}
	host := strings.ToLower(strings.TrimSuffix(u.Hostname(), "."))
	if host == "" {
		return ssrfError("url %q has no host", raw)
	}
	if blockedHosts[host] {
		return ssrfError("host %q is blocked", host)
	}
	if g.AllowPrivate {
		return nil
	}

	if ip, err := netip.ParseAddr(host); err == nil {
		return checkAddr(ip)
	}
	resolver := g.Resolver
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	addrs, err := resolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStepExecution, "resolve %s: %v", host, err).WithCause(err)
	}
	for _, ip := range addrs {
		if err := checkAddr(ip); err != nil {
			return err
		}
	}
	return nil
}

// Client returns an HTTP client whose dialer re-checks every address.
func (g *SSRFGuard) Client(timeout time.Duration) *http.Client {
	dialer := &net.Dialer{Timeout: 10 * time.Second}
	if !g.AllowPrivate {
		dialer.Control = func(_, address string, _ syscall.RawConn) error {
			host, _, err := net.SplitHostPort(address)
			if err != nil {
				return err
			}
			ip, err := netip.ParseAddr(host)
			if err != nil {
				return err
			}
			return checkAddr(ip)
		}
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = dialer.DialContext
	transport.Proxy = nil
	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 5 {
				return fmt.Errorf("stopped after %d redirects", len(via))
			}
			return g.CheckURL(req.Context(), req.URL.String())
		},
	}
}

func checkAddr(ip netip.Addr) error {
	ip = ip.Unmap()
	switch {
	case ip.IsLoopback(), ip.IsPrivate(), ip.IsLinkLocalUnicast(),
		ip.IsLinkLocalMulticast(), ip.IsUnspecified(), ip.IsMulticast(),
		ip.IsInterfaceLocalMulticast(), cgnat.Contains(ip):
		return ssrfError("address %s is not allowed", ip)
	}
	return nil
}

func ssrfError(format string, args ...any) *schema.PipelineError {
	return schema.NewErrorf(schema.ErrCodeActionValidation, "request blocked by SSRF protection: "+format, args...)
}
