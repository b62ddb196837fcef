// Package discovery advertises and locates a qemud bridge endpoint over
// mDNS/DNS-SD, adapted from the connection-discovery helper used to
// locate network-attached instruments before dialing them.
package discovery

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
)

// ServiceType is the DNS-SD service type qemud bridges advertise under.
const ServiceType = "_qemud._tcp"

// Host represents one discovered qemud bridge endpoint.
type Host struct {
	Instance  string // advertised name, e.g. "qemud on pluto-guest"
	Hostname  string // DNS hostname, e.g. "pluto-guest.local."
	Addresses []net.IP
	Port      int
	TXT       []string
}

// Advertise registers a qemud bridge endpoint on the local network and
// returns a handle whose Shutdown stops advertising it. instance is the
// human-readable name; txt carries free-form metadata (e.g. the set of
// registered service names).
func Advertise(instance string, port int, txt []string) (*zeroconf.Server, error) {
	server, err := zeroconf.Register(instance, ServiceType, "local.", port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("discovery: advertise failed: %w", err)
	}
	return server, nil
}

// Discover performs a blocking mDNS browse for qemud bridge endpoints.
// It returns cleaned and deduplicated host entries.
func Discover(timeout time.Duration) ([]Host, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("discovery: resolver error: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	resultMap := make(map[string]Host)

	done := make(chan struct{})
	go func() {
		for {
			select {
			case e, ok := <-entries:
				if !ok {
					close(done)
					return
				}
				if e == nil {
					continue
				}

				addrs := make([]net.IP, 0, len(e.AddrIPv4)+len(e.AddrIPv6))
				addrs = append(addrs, e.AddrIPv4...)
				addrs = append(addrs, e.AddrIPv6...)

				key := fmt.Sprintf("%s|%d", e.HostName, e.Port)
				resultMap[key] = Host{
					Instance:  cleanInstance(e.Instance),
					Hostname:  e.HostName,
					Addresses: addrs,
					Port:      e.Port,
					TXT:       append([]string{}, e.Text...),
				}

			case <-ctx.Done():
				close(done)
				return
			}
		}
	}()

	if err := resolver.Browse(ctx, ServiceType, "local.", entries); err != nil {
		return nil, fmt.Errorf("discovery: browse error: %w", err)
	}

	<-done

	out := make([]Host, 0, len(resultMap))
	for _, h := range resultMap {
		out = append(out, h)
	}
	return out, nil
}

// cleanInstance removes Zeroconf escape sequences: "\ " => " "
func cleanInstance(s string) string {
	return strings.ReplaceAll(s, `\ `, " ")
}
