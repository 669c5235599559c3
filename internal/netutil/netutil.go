// SPDX-License-Identifier: MIT

// Package netutil validates and normalizes the URLs the pipeline is asked
// to ingest. Only public http(s) targets are acceptable: the daemon sits
// next to internal services and must not be usable as a request proxy.
package netutil

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"sort"
	"strings"
)

// Resolver is the subset of net.Resolver used for host checks.
type Resolver interface {
	LookupIP(ctx context.Context, network, host string) ([]net.IP, error)
}

// ValidateURL parses raw and rejects non-http(s) schemes and hosts that
// point into private, loopback or link-local address space. When resolver
// is non-nil, DNS names are resolved and every returned address is checked.
func ValidateURL(ctx context.Context, raw string, resolver Resolver) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("malformed url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("scheme %q not allowed", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return nil, fmt.Errorf("url has no host")
	}
	if strings.EqualFold(host, "localhost") {
		return nil, fmt.Errorf("loopback host %q not allowed", host)
	}

	if ip := net.ParseIP(host); ip != nil {
		if err := checkIP(ip); err != nil {
			return nil, err
		}
		return u, nil
	}

	if resolver != nil {
		ips, err := resolver.LookupIP(ctx, "ip", host)
		if err != nil {
			return nil, fmt.Errorf("host %q did not resolve: %w", host, err)
		}
		for _, ip := range ips {
			if err := checkIP(ip); err != nil {
				return nil, err
			}
		}
	}
	return u, nil
}

func checkIP(ip net.IP) error {
	switch {
	case ip.IsLoopback():
		return fmt.Errorf("loopback address %s not allowed", ip)
	case ip.IsPrivate():
		return fmt.Errorf("private address %s not allowed", ip)
	case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
		return fmt.Errorf("link-local address %s not allowed", ip)
	case ip.IsUnspecified():
		return fmt.Errorf("unspecified address %s not allowed", ip)
	}
	return nil
}

// NormalizeURL produces the canonical form used for cache and single-flight
// keys: lowercased scheme/host, default ports stripped, fragment dropped
// and the query sorted so key order does not split the cache.
func NormalizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""

	if (u.Scheme == "http" && u.Port() == "80") || (u.Scheme == "https" && u.Port() == "443") {
		u.Host = u.Hostname()
	}

	if u.RawQuery != "" {
		values := u.Query()
		keys := make([]string, 0, len(values))
		for k := range values {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var b strings.Builder
		for _, k := range keys {
			vs := values[k]
			sort.Strings(vs)
			for _, v := range vs {
				if b.Len() > 0 {
					b.WriteByte('&')
				}
				b.WriteString(url.QueryEscape(k))
				b.WriteByte('=')
				b.WriteString(url.QueryEscape(v))
			}
		}
		u.RawQuery = b.String()
	}
	return u.String()
}
