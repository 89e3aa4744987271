// Package signals derives network heuristics from a raw address without
// calling any geo service.
package signals

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"nameguard-service/internal/models"
)

const (
	IPv4 = "ipv4"
	IPv6 = "ipv6"

	DefaultPTRTimeout = time.Second
)

var ErrInvalidAddress = errors.New("invalid network address")

// Resolver is the reverse-DNS surface of *net.Resolver.
type Resolver interface {
	LookupAddr(ctx context.Context, addr string) ([]string, error)
}

// Derived holds the raw, not yet hashed, heuristics for one address.
type Derived struct {
	Addr         netip.Addr
	IPVersion    string
	SubnetPrefix string
	PseudoASN    string
	PTR          models.Signal[string]
}

type Deriver struct {
	resolver   Resolver
	ptrTimeout time.Duration
	logger     *zap.Logger
}

func NewDeriver(resolver Resolver, ptrTimeout time.Duration, logger *zap.Logger) *Deriver {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	if ptrTimeout <= 0 {
		ptrTimeout = DefaultPTRTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Deriver{resolver: resolver, ptrTimeout: ptrTimeout, logger: logger}
}

// ParseAddr accepts plain addresses and host:port pairs and unmaps
// IPv4-in-IPv6 addresses.
func ParseAddr(raw string) (netip.Addr, error) {
	raw = strings.TrimSpace(raw)
	if ap, err := netip.ParseAddrPort(raw); err == nil {
		return ap.Addr().Unmap(), nil
	}
	addr, err := netip.ParseAddr(strings.Trim(raw, "[]"))
	if err != nil {
		return netip.Addr{}, fmt.Errorf("%w: %q", ErrInvalidAddress, raw)
	}
	return addr.Unmap(), nil
}

// Derive computes every local heuristic. Reverse DNS is bounded by the PTR
// timeout; its failure only leaves the PTR signal absent.
func (d *Deriver) Derive(ctx context.Context, raw string) (Derived, error) {
	addr, err := ParseAddr(raw)
	if err != nil {
		return Derived{}, err
	}
	out := Derived{
		Addr:         addr,
		IPVersion:    IPVersion(addr),
		SubnetPrefix: SubnetPrefix(addr),
		PseudoASN:    PseudoASN(addr),
	}
	out.PTR = d.lookupPTR(ctx, addr)
	return out, nil
}

func (d *Deriver) lookupPTR(ctx context.Context, addr netip.Addr) models.Signal[string] {
	ctx, cancel := context.WithTimeout(ctx, d.ptrTimeout)
	defer cancel()

	ip := addr.String()
	names, err := d.resolver.LookupAddr(ctx, ip)
	if err != nil || len(names) == 0 {
		if err != nil {
			d.logger.Debug("reverse dns lookup failed", zap.String("ip", ip), zap.Error(err))
		}
		return models.None[string]()
	}
	host := strings.ToLower(strings.TrimSuffix(names[0], "."))
	if host == "" || host == ip {
		return models.None[string]()
	}
	return models.Some(host)
}

func IPVersion(addr netip.Addr) string {
	if addr.Is4() {
		return IPv4
	}
	return IPv6
}

// SubnetPrefix is the /24 network for IPv4 and the /48 network for IPv6.
func SubnetPrefix(addr netip.Addr) string {
	if addr.Is4() {
		b := addr.As4()
		return fmt.Sprintf("%d.%d.%d.0/24", b[0], b[1], b[2])
	}
	b := addr.As16()
	return fmt.Sprintf("%02x%02x:%02x%02x:%02x%02x::/48", b[0], b[1], b[2], b[3], b[4], b[5])
}

// PseudoASN approximates the provider block from the first two octets.
func PseudoASN(addr netip.Addr) string {
	if addr.Is4() {
		b := addr.As4()
		return strconv.Itoa(int(b[0])*256 + int(b[1]))
	}
	b := addr.As16()
	return "v6-" + strconv.Itoa(int(b[0])*256+int(b[1]))
}

// IsLocal reports private, loopback, link-local and unspecified addresses.
func IsLocal(addr netip.Addr) bool {
	return addr.IsLoopback() || addr.IsPrivate() || addr.IsLinkLocalUnicast() ||
		addr.IsLinkLocalMulticast() || addr.IsUnspecified()
}
