// Package discovery provides LAN peer advertisement and lookup via mDNS,
// adapted from the teacher's cmd/can-server/mdns.go startMDNS helper and
// retargeted at advertising this node's UDP endpoint instead of the
// teacher's TCP CAN-bridge service. This is session *setup* tooling per
// spec.md §1's exclusion of "lobby" — it never touches Session or
// PeerEndpoint state, only resolves a remote address the caller later
// hands to session.New.
package discovery

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/grandcat/zeroconf"
)

// ServiceType is the mDNS service type this package advertises and
// browses under, paralleling the teacher's "_can-server._tcp".
const ServiceType = "_lockstep._udp"

// Peer is one discovered participant's resolved UDP address.
type Peer struct {
	Instance string
	Addr     string // "host:port", ready to hand to session.New's peerAddrs
}

// Advertise registers instance (defaulting to "lockstep-<hostname>" if
// empty) under ServiceType at udpPort, with meta as free-form TXT
// records. It returns a cleanup function; safe to call even if the
// caller wants discovery disabled (pass a cancelled ctx).
func Advertise(ctx context.Context, instance string, udpPort int, meta []string) (func(), error) {
	if instance == "" {
		host, _ := os.Hostname()
		instance = fmt.Sprintf("lockstep-%s", host)
	}
	svc, err := zeroconf.Register(instance, ServiceType, "local.", udpPort, meta, nil)
	if err != nil {
		return nil, fmt.Errorf("discovery advertise: %w", err)
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		svc.Shutdown()
	}()
	return func() { close(done); svc.Shutdown(); time.Sleep(50 * time.Millisecond) }, nil
}

// Browse listens for ServiceType announcements for timeout and returns
// every distinct peer seen, excluding any instance name in exclude (the
// caller's own advertised instance, to avoid discovering itself).
func Browse(ctx context.Context, timeout time.Duration, exclude map[string]bool) ([]Peer, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("discovery browse: new resolver: %w", err)
	}

	entries := make(chan *zeroconf.ServiceEntry, 16)
	browseCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var peers []Peer
	seen := make(map[string]bool)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for entry := range entries {
			if exclude[entry.Instance] || seen[entry.Instance] {
				continue
			}
			addr := addrFromEntry(entry)
			if addr == "" {
				continue
			}
			seen[entry.Instance] = true
			peers = append(peers, Peer{Instance: entry.Instance, Addr: addr})
		}
	}()

	if err := resolver.Browse(browseCtx, ServiceType, "local.", entries); err != nil {
		return nil, fmt.Errorf("discovery browse: %w", err)
	}
	<-browseCtx.Done()
	<-done
	return peers, nil
}

func addrFromEntry(entry *zeroconf.ServiceEntry) string {
	if len(entry.AddrIPv4) == 0 {
		return ""
	}
	return net.JoinHostPort(entry.AddrIPv4[0].String(), fmt.Sprint(entry.Port))
}
