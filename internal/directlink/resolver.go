package directlink

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultInterfacePrefix = "p2p"
	DefaultSubnetPrefix    = "192.168.49."

	defaultResolveInterval = 500 * time.Millisecond
	defaultResolveTimeout  = 10 * time.Second
)

// ErrNoAddress is returned when no interface matches the direct-link
// convention before the resolve timeout.
var ErrNoAddress = errors.New("no direct-link address found")

// Interface is the slice of a network interface the resolver inspects.
type Interface struct {
	Name  string
	Addrs []net.IP
}

// SystemInterfaces lists the host's interfaces.
func SystemInterfaces() ([]Interface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("list interfaces: %w", err)
	}
	out := make([]Interface, 0, len(ifaces))
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		entry := Interface{Name: iface.Name}
		for _, a := range addrs {
			if ipnet, ok := a.(*net.IPNet); ok {
				entry.Addrs = append(entry.Addrs, ipnet.IP)
			}
		}
		out = append(out, entry)
	}
	return out, nil
}

// ResolverConfig wires a Resolver.
type ResolverConfig struct {
	Log             *zap.Logger
	InterfacePrefix string
	SubnetPrefix    string
	Interval        time.Duration
	Timeout         time.Duration
	// List defaults to SystemInterfaces.
	List func() ([]Interface, error)
}

// Resolver finds this device's own address on the direct link.
type Resolver struct {
	log             *zap.Logger
	interfacePrefix string
	subnetPrefix    string
	interval        time.Duration
	timeout         time.Duration
	list            func() ([]Interface, error)
}

// NewResolver builds a resolver.
func NewResolver(cfg ResolverConfig) *Resolver {
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if cfg.InterfacePrefix == "" && cfg.SubnetPrefix == "" {
		cfg.InterfacePrefix, cfg.SubnetPrefix = DefaultInterfacePrefix, DefaultSubnetPrefix
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultResolveInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultResolveTimeout
	}
	if cfg.List == nil {
		cfg.List = SystemInterfaces
	}
	return &Resolver{
		log:             cfg.Log,
		interfacePrefix: cfg.InterfacePrefix,
		subnetPrefix:    cfg.SubnetPrefix,
		interval:        cfg.Interval,
		timeout:         cfg.Timeout,
		list:            cfg.List,
	}
}

// Resolve polls the interface list until an IPv4 address matches, the
// resolve timeout passes, or ctx ends.
func (r *Resolver) Resolve(ctx context.Context) (net.IP, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		ifaces, err := r.list()
		if err != nil {
			r.log.Warn("list interfaces", zap.Error(err))
		} else if ip, ok := Match(ifaces, r.interfacePrefix, r.subnetPrefix); ok {
			return ip, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrNoAddress, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Match returns the first IPv4 address on an interface whose name starts
// with ifacePrefix, or failing that the first IPv4 address that starts with
// subnetPrefix.
func Match(ifaces []Interface, ifacePrefix, subnetPrefix string) (net.IP, bool) {
	if ifacePrefix != "" {
		for _, iface := range ifaces {
			if !strings.HasPrefix(iface.Name, ifacePrefix) {
				continue
			}
			for _, ip := range iface.Addrs {
				if v4 := ip.To4(); v4 != nil {
					return v4, true
				}
			}
		}
	}
	if subnetPrefix != "" {
		for _, iface := range ifaces {
			for _, ip := range iface.Addrs {
				if v4 := ip.To4(); v4 != nil && strings.HasPrefix(v4.String(), subnetPrefix) {
					return v4, true
				}
			}
		}
	}
	return nil, false
}
