package indexing

import (
	"context"
	"net"
	"net/url"
	"strings"

	"github.com/ragmesh/ragmesh/pkg/errors"
)

// Resolver resolves host names. Injected so the guard is testable without DNS.
type Resolver interface {
	LookupIP(ctx context.Context, network, host string) ([]net.IP, error)
}

// URLGuard rejects URLs that could reach internal infrastructure. Caller
// supplied URLs are fetched server-side, so every one passes through here.
type URLGuard struct {
	resolver Resolver
}

// NewURLGuard creates a guard with the given resolver; nil uses net.DefaultResolver.
func NewURLGuard(resolver Resolver) *URLGuard {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	return &URLGuard{resolver: resolver}
}

// Check validates a URL for server-side fetching: http(s) scheme only, no
// dot path segments, and a host that resolves to public addresses only.
func (g *URLGuard) Check(ctx context.Context, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return errors.Wrap(err, errors.KindInvalidRequest, "invalid url")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.Newf(errors.KindInvalidRequest, "unsupported url scheme %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return errors.New(errors.KindInvalidRequest, "url has no host")
	}
	for _, segment := range strings.Split(u.Path, "/") {
		if segment == ".." || segment == "." {
			return errors.New(errors.KindInvalidRequest, "url path traversal is not allowed")
		}
	}

	host := u.Hostname()
	if ip := net.ParseIP(host); ip != nil {
		if isPrivateAddress(ip) {
			return errors.New(errors.KindInvalidRequest, "url resolves to a private address")
		}
		return nil
	}
	ips, err := g.resolver.LookupIP(ctx, "ip", host)
	if err != nil {
		return errors.Wrap(err, errors.KindInvalidRequest, "url host does not resolve")
	}
	for _, ip := range ips {
		if isPrivateAddress(ip) {
			return errors.New(errors.KindInvalidRequest, "url resolves to a private address")
		}
	}
	return nil
}

func isPrivateAddress(ip net.IP) bool {
	return ip.IsLoopback() ||
		ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsUnspecified()
}
