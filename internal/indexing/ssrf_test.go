package indexing

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ragmesh/ragmesh/pkg/errors"
)

type fakeResolver struct {
	ips map[string][]net.IP
}

func (r *fakeResolver) LookupIP(ctx context.Context, network, host string) ([]net.IP, error) {
	if ips, ok := r.ips[host]; ok {
		return ips, nil
	}
	return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
}

func TestURLGuard(t *testing.T) {
	guard := NewURLGuard(&fakeResolver{ips: map[string][]net.IP{
		"example.com":  {net.ParseIP("93.184.216.34")},
		"internal.lan": {net.ParseIP("10.0.0.5")},
		"mixed.com":    {net.ParseIP("93.184.216.34"), net.ParseIP("192.168.1.1")},
	}})
	ctx := context.Background()

	tests := []struct {
		name string
		url  string
		ok   bool
	}{
		{"public host", "https://example.com/docs/page", true},
		{"public ip literal", "https://93.184.216.34/page", true},
		{"path traversal", "https://example.com/a/../etc/passwd", false},
		{"dot segment", "https://example.com/./page", false},
		{"private host", "http://internal.lan/admin", false},
		{"mixed resolution", "https://mixed.com/page", false},
		{"loopback literal", "http://127.0.0.1:8080/", false},
		{"link local", "http://169.254.169.254/latest/meta-data", false},
		{"file scheme", "file:///etc/passwd", false},
		{"no host", "https:///page", false},
		{"unresolvable", "https://nope.invalid/", false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := guard.Check(ctx, tc.url)
			if tc.ok {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Equal(t, errors.KindInvalidRequest, errors.KindOf(err))
			}
		})
	}
}
