// Package discovery advertises and finds collabx gateways on the local
// network over mDNS.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"
)

const (
	DefaultService = "_collabx._tcp"
	DefaultDomain  = "local."

	txtPath    = "path"
	txtVersion = "version"
)

var ErrNoPeers = errors.New("no collabx gateways found")

// Peer is a gateway found by Browse.
type Peer struct {
	Instance string
	HostName string
	Port     int
	Addrs    []net.IP
	Path     string
	Version  string
}

// URL returns the WebSocket endpoint of the peer, preferring IPv4.
func (p Peer) URL() string {
	host := strings.TrimSuffix(p.HostName, ".")
	if len(p.Addrs) > 0 {
		host = p.Addrs[0].String()
	}
	path := p.Path
	if path == "" {
		path = "/ws"
	}
	return fmt.Sprintf("ws://%s%s", net.JoinHostPort(host, strconv.Itoa(p.Port)), path)
}

// Advertisement is a live mDNS registration.
type Advertisement struct {
	server *zeroconf.Server
	logger *zap.Logger
}

// Advertise registers instance under service on every interface. The TXT
// record carries the WebSocket path and the build version.
func Advertise(instance, service, domain string, port int, wsPath, version string, logger *zap.Logger) (*Advertisement, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if service == "" {
		service = DefaultService
	}
	if domain == "" {
		domain = DefaultDomain
	}

	server, err := zeroconf.Register(instance, service, domain, port, buildTXT(wsPath, version), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to register mDNS service: %w", err)
	}

	logger.Info("mDNS service registered",
		zap.String("instance", instance),
		zap.String("service", service),
		zap.Int("port", port))

	return &Advertisement{server: server, logger: logger}, nil
}

// Shutdown withdraws the registration.
func (a *Advertisement) Shutdown() {
	if a == nil || a.server == nil {
		return
	}
	a.server.Shutdown()
	a.logger.Info("mDNS service withdrawn")
}

// Browser is the subset of *zeroconf.Resolver used by Browse. Browse must
// close entries once ctx is done.
type Browser interface {
	Browse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error
}

// Browse collects peers until ctx is done. A nil browser uses a resolver on
// every interface.
func Browse(ctx context.Context, browser Browser, service, domain string) ([]Peer, error) {
	entries, err := startBrowse(ctx, browser, service, domain)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var peers []Peer
	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				return peers, nil
			}
			if entry == nil || seen[entry.Instance] {
				continue
			}
			seen[entry.Instance] = true
			peers = append(peers, peerFromEntry(entry))
		case <-ctx.Done():
			return peers, nil
		}
	}
}

// First browses until the first peer is found or ctx is done.
func First(ctx context.Context, browser Browser, service, domain string) (Peer, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	entries, err := startBrowse(ctx, browser, service, domain)
	if err != nil {
		return Peer{}, err
	}
	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				return Peer{}, ErrNoPeers
			}
			if entry != nil {
				return peerFromEntry(entry), nil
			}
		case <-ctx.Done():
			return Peer{}, ErrNoPeers
		}
	}
}

func startBrowse(ctx context.Context, browser Browser, service, domain string) (<-chan *zeroconf.ServiceEntry, error) {
	if browser == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize mDNS resolver: %w", err)
		}
		browser = resolver
	}
	if service == "" {
		service = DefaultService
	}
	if domain == "" {
		domain = DefaultDomain
	}

	entries := make(chan *zeroconf.ServiceEntry)
	if err := browser.Browse(ctx, service, domain, entries); err != nil {
		return nil, fmt.Errorf("failed to browse for mDNS services: %w", err)
	}
	return entries, nil
}

func buildTXT(wsPath, version string) []string {
	txt := []string{txtPath + "=" + wsPath}
	if version != "" {
		txt = append(txt, txtVersion+"="+version)
	}
	return txt
}

func peerFromEntry(entry *zeroconf.ServiceEntry) Peer {
	p := Peer{
		Instance: entry.Instance,
		HostName: entry.HostName,
		Port:     entry.Port,
	}
	p.Addrs = append(p.Addrs, entry.AddrIPv4...)
	p.Addrs = append(p.Addrs, entry.AddrIPv6...)

	for _, kv := range entry.Text {
		key, value, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		switch key {
		case txtPath:
			p.Path = value
		case txtVersion:
			p.Version = value
		}
	}
	return p
}
