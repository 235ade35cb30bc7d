package transport

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// ErrNoRecords is returned when a domain publishes no usable SRV record.
var ErrNoRecords = errors.New("no SRV records")

// Resolver discovers the outbound proxy of a domain (RFC 3263 SRV step).
type Resolver struct {
	// NameServer is the DNS server, "host" or "host:port". Empty means the
	// first server of /etc/resolv.conf.
	NameServer string
	// Timeout bounds each query, 5s when zero.
	Timeout time.Duration
}

// SRV is one service record.
type SRV struct {
	Target   string
	Port     uint16
	Priority uint16
	Weight   uint16
}

// Addr returns target:port without the trailing dot.
func (s SRV) Addr() string {
	return net.JoinHostPort(strings.TrimSuffix(s.Target, "."), strconv.Itoa(int(s.Port)))
}

// srvService maps a transport to its SRV service and protocol labels.
func srvService(transport string) (string, string) {
	switch strings.ToLower(transport) {
	case "tcp":
		return "_sip", "_tcp"
	case "tls":
		return "_sips", "_tcp"
	case "ws":
		return "_sip", "_ws"
	case "wss":
		return "_sips", "_ws"
	default:
		return "_sip", "_udp"
	}
}

// LookupSRV returns the SRV records of domain for transport, lowest
// priority first and, within a priority, heaviest weight first.
func (r *Resolver) LookupSRV(ctx context.Context, domain, transport string) ([]SRV, error) {
	service, proto := srvService(transport)
	name := service + "." + proto + "." + dns.Fqdn(domain)

	m := new(dns.Msg)
	m.SetQuestion(name, dns.TypeSRV)
	m.RecursionDesired = true

	nameserver, err := r.nameserver()
	if err != nil {
		return nil, err
	}

	client := &dns.Client{Timeout: r.timeout()}
	resp, _, err := client.ExchangeContext(ctx, m, nameserver)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", name, err)
	}
	if resp.Rcode != dns.RcodeSuccess {
		return nil, &net.DNSError{
			Err:        dns.RcodeToString[resp.Rcode],
			Name:       name,
			IsNotFound: resp.Rcode == dns.RcodeNameError,
		}
	}

	var recs []SRV
	for _, ans := range resp.Answer {
		if rr, ok := ans.(*dns.SRV); ok && rr.Target != "." {
			recs = append(recs, SRV{
				Target:   rr.Target,
				Port:     rr.Port,
				Priority: rr.Priority,
				Weight:   rr.Weight,
			})
		}
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("%w for %s", ErrNoRecords, name)
	}

	slices.SortStableFunc(recs, func(a, b SRV) int {
		if c := cmp.Compare(a.Priority, b.Priority); c != 0 {
			return c
		}
		return cmp.Compare(b.Weight, a.Weight)
	})
	return recs, nil
}

// Discover returns the host:port to send requests for domain to.
func (r *Resolver) Discover(ctx context.Context, domain, transport string) (string, error) {
	recs, err := r.LookupSRV(ctx, domain, transport)
	if err != nil {
		return "", err
	}
	return recs[0].Addr(), nil
}

func (r *Resolver) timeout() time.Duration {
	if r.Timeout > 0 {
		return r.Timeout
	}
	return 5 * time.Second
}

func (r *Resolver) nameserver() (string, error) {
	if r.NameServer != "" {
		if _, _, err := net.SplitHostPort(r.NameServer); err != nil {
			return net.JoinHostPort(r.NameServer, "53"), nil //nolint:nilerr
		}
		return r.NameServer, nil
	}

	conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil {
		return "", fmt.Errorf("read resolv.conf: %w", err)
	}
	if len(conf.Servers) == 0 {
		return "", &net.DNSError{Err: "no DNS servers configured", Name: "resolv.conf"}
	}
	return net.JoinHostPort(conf.Servers[0], conf.Port), nil
}
