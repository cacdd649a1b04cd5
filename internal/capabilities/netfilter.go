package capabilities

import (
	"fmt"
	"net"
	"net/netip"
	"syscall"
)

// blockReason reports why ip may not be dialled, or "" when it may.
func blockReason(ip netip.Addr) string {
	ip = ip.Unmap()
	switch {
	case !ip.IsValid():
		return "invalid address"
	case ip.IsUnspecified():
		return "unspecified address"
	case ip.IsLoopback():
		return "loopback address"
	case ip.IsPrivate():
		return "private address"
	case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
		return "link-local address"
	case ip.IsMulticast(), ip.IsInterfaceLocalMulticast():
		return "multicast address"
	}
	return ""
}

// checkHost rejects literal IP hosts that fail the filter. Hostnames pass
// here and are checked again once resolved, at dial time.
func (f *Fetcher) checkHost(host string) error {
	if f.config.AllowPrivate {
		return nil
	}
	if host == "localhost" {
		return fmt.Errorf("%w: %s: loopback address", ErrFetchBlocked, host)
	}
	ip, err := netip.ParseAddr(host)
	if err != nil {
		return nil
	}
	if reason := blockReason(ip); reason != "" {
		return fmt.Errorf("%w: %s: %s", ErrFetchBlocked, host, reason)
	}
	return nil
}

// control runs for every outbound connection after DNS resolution, so
// names that resolve to internal addresses and redirects are caught too.
func (f *Fetcher) control(_, address string, _ syscall.RawConn) error {
	if f.config.AllowPrivate {
		return nil
	}
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrFetchBlocked, address)
	}
	ip, err := netip.ParseAddr(host)
	if err != nil {
		return fmt.Errorf("%w: %s: unresolved address", ErrFetchBlocked, address)
	}
	if reason := blockReason(ip); reason != "" {
		return fmt.Errorf("%w: %s: %s", ErrFetchBlocked, address, reason)
	}
	return nil
}
