// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package registration

import (
	"fmt"
	"net"
	"net/url"
)

// validateRedirectURI validates a redirect URI per RFC 8252:
//   - HTTPS is allowed for any address (web-based redirects)
//   - HTTP is only allowed for loopback addresses (127.0.0.1, [::1],
//     localhost)
//
// Registration uses the strict policy: no private-use schemes, no
// fragments, no wildcards.
func validateRedirectURI(uri string) error {
	if uri == "" {
		return fmt.Errorf("redirect URI must not be empty")
	}

	parsed, err := url.Parse(uri)
	if err != nil {
		return fmt.Errorf("invalid redirect URI %q: %w", uri, err)
	}
	if !parsed.IsAbs() {
		return fmt.Errorf("redirect URI %q must be absolute", uri)
	}
	if parsed.Fragment != "" {
		return fmt.Errorf("redirect URI %q must not contain a fragment", uri)
	}
	if parsed.Host == "" {
		return fmt.Errorf("redirect URI %q must have a host", uri)
	}

	switch parsed.Scheme {
	case "https":
		return nil
	case "http":
		if isLoopbackHost(parsed.Hostname()) {
			return nil
		}
		return fmt.Errorf("redirect URI %q: http is only allowed for loopback addresses", uri)
	default:
		return fmt.Errorf("redirect URI %q: unsupported scheme %q", uri, parsed.Scheme)
	}
}

func isLoopbackHost(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
