// SPDX-License-Identifier: MIT

package netutil

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticResolver map[string][]net.IP

func (r staticResolver) LookupIP(_ context.Context, _ string, host string) ([]net.IP, error) {
	ips, ok := r[host]
	if !ok {
		return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
	}
	return ips, nil
}

func TestValidateURLRejections(t *testing.T) {
	cases := []struct {
		name string
		url  string
	}{
		{"ftp scheme", "ftp://example.com/file.mp4"},
		{"file scheme", "file:///etc/passwd"},
		{"no host", "http:///video.mp4"},
		{"localhost", "http://localhost:8080/v.mp4"},
		{"loopback ip", "http://127.0.0.1/v.mp4"},
		{"private ip", "http://10.0.0.5/v.mp4"},
		{"link local", "http://169.254.169.254/latest/meta-data"},
		{"unspecified", "http://0.0.0.0/v.mp4"},
		{"ipv6 loopback", "http://[::1]/v.mp4"},
		{"garbage", "ht tp://%%%"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ValidateURL(context.Background(), tc.url, nil)
			assert.Error(t, err)
		})
	}
}

func TestValidateURLAcceptsPublic(t *testing.T) {
	u, err := ValidateURL(context.Background(), "https://example.com/clip.mp4", nil)
	require.NoError(t, err)
	assert.Equal(t, "example.com", u.Hostname())
}

func TestValidateURLResolvedPrivate(t *testing.T) {
	resolver := staticResolver{
		"internal.example.com": {net.ParseIP("192.168.1.10")},
		"public.example.com":   {net.ParseIP("93.184.216.34")},
	}

	_, err := ValidateURL(context.Background(), "https://internal.example.com/v.mp4", resolver)
	assert.Error(t, err)

	_, err = ValidateURL(context.Background(), "https://public.example.com/v.mp4", resolver)
	assert.NoError(t, err)

	_, err = ValidateURL(context.Background(), "https://missing.example.com/v.mp4", resolver)
	assert.Error(t, err)
}

func TestNormalizeURL(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"HTTPS://Example.COM/Path", "https://example.com/Path"},
		{"https://example.com:443/a", "https://example.com/a"},
		{"http://example.com:80/a", "http://example.com/a"},
		{"http://example.com:8080/a", "http://example.com:8080/a"},
		{"https://example.com/a#frag", "https://example.com/a"},
		{"https://example.com/a?b=2&a=1", "https://example.com/a?a=1&b=2"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, NormalizeURL(tc.in), tc.in)
	}
}

func TestNormalizeURLIsIdempotent(t *testing.T) {
	in := "HTTPS://Example.com:443/watch?v=xyz&t=10#x"
	once := NormalizeURL(in)
	assert.Equal(t, once, NormalizeURL(once))
}
