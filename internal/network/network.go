package network

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"strings"

	ma "github.com/multiformats/go-multiaddr"

	"idwallet/go-core/internal/transport"
	"idwallet/go-core/pkg/models"
)

const (
	srvService = "xmpp-client"
	srvProto   = "tcp"
)

var ErrNoRecords = errors.New("network: no client service records")

// SRVResolver is satisfied by *net.Resolver.
type SRVResolver interface {
	LookupSRV(ctx context.Context, service, proto, name string) (string, []*net.SRV, error)
}

type Options struct {
	Resolver SRVResolver
	Online   func() bool
	Logger   *slog.Logger
}

// Directory answers reachability and directory lookups for the session.
type Directory struct {
	resolver SRVResolver
	online   func() bool
	logger   *slog.Logger
}

func New(opts Options) *Directory {
	if opts.Resolver == nil {
		opts.Resolver = net.DefaultResolver
	}
	if opts.Online == nil {
		opts.Online = HasUsableInterface
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Directory{resolver: opts.Resolver, online: opts.Online, logger: opts.Logger}
}

func (d *Directory) IsOnline() bool {
	return d.online()
}

// Lookup resolves the client endpoint of domain via _xmpp-client._tcp SRV
// records. A domain that is itself an IP literal is returned as is.
func (d *Directory) Lookup(ctx context.Context, domain string) (models.Endpoint, error) {
	domain = strings.TrimSuffix(strings.TrimSpace(domain), ".")
	if domain == "" {
		return models.Endpoint{}, errors.New("network: domain is required")
	}
	if literal(domain) {
		return models.Endpoint{Host: domain, Port: transport.DefaultPort, Literal: true}, nil
	}
	_, records, err := d.resolver.LookupSRV(ctx, srvService, srvProto, domain)
	if err != nil {
		return models.Endpoint{}, fmt.Errorf("lookup %s srv: %w", domain, err)
	}
	best := pick(records)
	if best == nil {
		return models.Endpoint{}, ErrNoRecords
	}
	host := strings.TrimSuffix(best.Target, ".")
	ep := models.Endpoint{Host: host, Port: int(best.Port), Literal: literal(host)}
	if ep.Port <= 0 {
		ep.Port = transport.DefaultPort
	}
	if addr, err := Multiaddr(ep); err == nil {
		d.logger.Debug("directory lookup resolved", "domain", domain, "endpoint", addr.String())
	}
	return ep, nil
}

// pick returns the record with the lowest priority, preferring heavier
// weights within a priority. Records pointing at "." are skipped.
func pick(records []*net.SRV) *net.SRV {
	usable := make([]*net.SRV, 0, len(records))
	for _, r := range records {
		if r == nil || strings.TrimSuffix(r.Target, ".") == "" {
			continue
		}
		usable = append(usable, r)
	}
	if len(usable) == 0 {
		return nil
	}
	sort.SliceStable(usable, func(i, j int) bool {
		if usable[i].Priority != usable[j].Priority {
			return usable[i].Priority < usable[j].Priority
		}
		return usable[i].Weight > usable[j].Weight
	})
	return usable[0]
}

func literal(host string) bool {
	return net.ParseIP(strings.Trim(host, "[]")) != nil
}

// Multiaddr renders ep as /ip4, /ip6 or /dns multiaddr with a tcp component.
func Multiaddr(ep models.Endpoint) (ma.Multiaddr, error) {
	host := strings.Trim(ep.Host, "[]")
	if host == "" {
		return nil, errors.New("network: endpoint host is required")
	}
	proto := "dns"
	if ip := net.ParseIP(host); ip != nil {
		proto = "ip6"
		if ip.To4() != nil {
			proto = "ip4"
		}
	}
	port := ep.Port
	if port <= 0 {
		port = transport.DefaultPort
	}
	return ma.NewMultiaddr("/" + proto + "/" + host + "/tcp/" + strconv.Itoa(port))
}

// HasUsableInterface reports whether any interface that is up carries a
// non-loopback unicast address.
func HasUsableInterface() bool {
	ifaces, err := net.Interfaces()
	if err != nil {
		return false
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			var ip net.IP
			switch v := addr.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			}
			if ip != nil && ip.IsGlobalUnicast() {
				return true
			}
		}
	}
	return false
}
