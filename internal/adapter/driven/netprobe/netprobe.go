// Package netprobe answers whether a TCP or UDP port is bound on the host.
package netprobe

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/cakturk/go-netstat/netstat"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/singleflight"

	"github.com/ericfisherdev/vpnpanel/internal/domain/port/driven"
)

// Probe kinds accepted by New.
const (
	KindNetstat = "netstat"
	KindSS      = "ss"
	KindNone    = "none"
)

// Compile-time interface satisfaction checks.
var (
	_ driven.PortProber = (*Prober)(nil)
	_ driven.PortProber = None{}
)

// ListFunc returns the set of locally bound ports.
type ListFunc func(ctx context.Context) (map[int]struct{}, error)

// Prober answers InUse from a port listing. Concurrent callers share a single
// in-flight listing.
type Prober struct {
	list  ListFunc
	group singleflight.Group
}

// NewProber creates a Prober backed by list.
func NewProber(list ListFunc) *Prober {
	return &Prober{list: list}
}

// New returns the prober for kind. timeout bounds the ss command.
func New(kind string, timeout time.Duration) (driven.PortProber, error) {
	switch kind {
	case KindNetstat, "":
		return NewProber(ListNetstat), nil
	case KindSS:
		return NewProber(SSLister(execCommand, timeout)), nil
	case KindNone:
		return None{}, nil
	default:
		return nil, fmt.Errorf("unknown port probe %q", kind)
	}
}

// InUse reports whether port is bound by any process.
func (p *Prober) InUse(ctx context.Context, port int) (bool, error) {
	v, err, _ := p.group.Do("listening", func() (any, error) {
		return p.list(ctx)
	})
	if err != nil {
		return false, fmt.Errorf("probe port %d: %w: %w", port, driven.ErrProbeFailure, err)
	}
	_, used := v.(map[int]struct{})[port]
	return used, nil
}

// None never reports a port as used. It is for hosts where the allocator's
// own bookkeeping is the only source of truth.
type None struct{}

// InUse always reports false.
func (None) InUse(context.Context, int) (bool, error) { return false, nil }

// ListNetstat reads TCP listeners and bound UDP sockets from /proc/net.
func ListNetstat(_ context.Context) (map[int]struct{}, error) {
	ports := make(map[int]struct{})
	listening := func(s *netstat.SockTabEntry) bool { return s.State == netstat.Listen }
	bound := func(*netstat.SockTabEntry) bool { return true }

	var result *multierror.Error
	var succeeded int
	collect := func(fn func(netstat.AcceptFn) ([]netstat.SockTabEntry, error), accept netstat.AcceptFn) {
		entries, err := fn(accept)
		if err != nil {
			result = multierror.Append(result, err)
			return
		}
		succeeded++
		for _, e := range entries {
			if e.LocalAddr != nil {
				ports[int(e.LocalAddr.Port)] = struct{}{}
			}
		}
	}

	collect(netstat.TCPSocks, listening)
	collect(netstat.TCP6Socks, listening)
	collect(netstat.UDPSocks, bound)
	collect(netstat.UDP6Socks, bound)

	// IPv6 tables are absent on hosts with IPv6 disabled.
	if succeeded == 0 {
		return nil, result.ErrorOrNil()
	}
	return ports, nil
}

// CommandFunc runs an external command and returns its standard output.
type CommandFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

func execCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, name, args...).Output()
	if err != nil {
		return nil, fmt.Errorf("%s %v failed: %w", name, args, err)
	}
	return out, nil
}

// SSLister lists bound ports with `ss -tuln`.
func SSLister(run CommandFunc, timeout time.Duration) ListFunc {
	return func(ctx context.Context) (map[int]struct{}, error) {
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		out, err := run(ctx, "ss", "-tuln")
		if err != nil {
			return nil, err
		}
		return ParseSS(out), nil
	}
}

// ParseSS extracts local ports from `ss -tuln` output. The local address is
// the fifth column, e.g. "0.0.0.0:10001", "[::]:443" or "*:53".
func ParseSS(out []byte) map[int]struct{} {
	ports := make(map[int]struct{})
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 5 || fields[0] == "Netid" {
			continue
		}
		local := fields[4]
		i := strings.LastIndexByte(local, ':')
		if i < 0 {
			continue
		}
		if port, err := strconv.Atoi(local[i+1:]); err == nil {
			ports[port] = struct{}{}
		}
	}
	return ports
}
