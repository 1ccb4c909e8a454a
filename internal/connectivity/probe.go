package connectivity

import (
	"context"
	"fmt"
	"net"
	"strings"

	psnet "github.com/shirou/gopsutil/v3/net"
)

// Sample is the result of one probe pass.
type Sample struct {
	Reachable    bool
	PerInterface map[string]bool
}

// NetworkProbe samples the host's network state. Implementations may block on I/O; the
// Monitor never calls them while holding a lock.
type NetworkProbe interface {
	Probe(ctx context.Context) (Sample, error)
}

// ProbeFunc adapts a function to NetworkProbe.
type ProbeFunc func(ctx context.Context) (Sample, error)

func (f ProbeFunc) Probe(ctx context.Context) (Sample, error) {
	return f(ctx)
}

// InterfaceProbe reports reachable when at least one non-ignored interface is up and
// carries an address that is neither loopback nor link-local.
type InterfaceProbe struct {
	IgnorePrefixes []string
	list           func(context.Context) (psnet.InterfaceStatList, error)
}

func NewInterfaceProbe(ignorePrefixes []string) *InterfaceProbe {
	return &InterfaceProbe{
		IgnorePrefixes: ignorePrefixes,
		list:           psnet.InterfacesWithContext,
	}
}

func (p *InterfaceProbe) Probe(ctx context.Context) (Sample, error) {
	stats, err := p.list(ctx)
	if err != nil {
		return Sample{}, fmt.Errorf("list interfaces: %w", err)
	}

	s := Sample{PerInterface: make(map[string]bool, len(stats))}
	for _, iface := range stats {
		if p.ignored(iface.Name) {
			continue
		}
		up := hasFlag(iface.Flags, "up") && hasRoutableAddr(iface.Addrs)
		s.PerInterface[iface.Name] = up
		if up {
			s.Reachable = true
		}
	}
	return s, nil
}

func (p *InterfaceProbe) ignored(name string) bool {
	for _, prefix := range p.IgnorePrefixes {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

func hasFlag(flags []string, want string) bool {
	for _, f := range flags {
		if strings.EqualFold(f, want) {
			return true
		}
	}
	return false
}

func hasRoutableAddr(addrs psnet.InterfaceAddrList) bool {
	for _, a := range addrs {
		ip, _, err := net.ParseCIDR(a.Addr)
		if err != nil {
			ip = net.ParseIP(a.Addr)
		}
		if ip == nil || ip.IsLoopback() || ip.IsUnspecified() {
			continue
		}
		// Link-local addresses exist without any lease or route.
		if ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
			continue
		}
		return true
	}
	return false
}

// StaticProbe always reports the same answer. Used where interface state is meaningless
// (containers, tests) and with the hub probe as the real signal.
type StaticProbe bool

func (p StaticProbe) Probe(context.Context) (Sample, error) {
	return Sample{Reachable: bool(p)}, nil
}

// WithHubProbe requires a TCP connection to addr to succeed in addition to the base probe.
func WithHubProbe(base NetworkProbe, addr string, dialer *net.Dialer) NetworkProbe {
	if addr == "" {
		return base
	}
	return ProbeFunc(func(ctx context.Context) (Sample, error) {
		s, err := base.Probe(ctx)
		if err != nil || !s.Reachable {
			return s, err
		}
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			s.Reachable = false
			return s, nil
		}
		conn.Close()
		return s, nil
	})
}
