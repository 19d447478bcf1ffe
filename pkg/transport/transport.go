/*
 * Copyright (C) 2024-2026, lanwatch authors
 *
 * This file is part of lanwatch.
 *
 * lanwatch is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * lanwatch is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <https://www.gnu.org/licenses/>.
 */

// Package transport owns the mDNS multicast sockets and delivers raw
// datagrams to a handler. It never transmits anything.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go4.org/netipx"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
	"golang.org/x/sync/errgroup"

	"github.com/pmkol/lanwatch/pkg/pool"
)

const (
	mdnsPort = 5353

	readBufSize = 64 * 1024

	retryBaseDelay = time.Millisecond * 100
	retryMaxDelay  = time.Second * 5
	maxRetries     = 5

	defaultStopGrace = time.Second * 3
)

// RFC 6762 multicast groups.
var (
	mdnsGroupIPv4 = net.IPv4(224, 0, 0, 251)
	mdnsGroupIPv6 = net.ParseIP("ff02::fb")
)

var (
	nopLogger         = zap.NewNop()
	errMissingHandler = errors.New("missing datagram handler")
	errNoListener     = errors.New("no listener could be started")
)

// Handler consumes one received datagram. It is invoked on a dedicated
// goroutine per datagram and owns payload afterwards.
type Handler interface {
	HandleDatagram(ctx context.Context, payload []byte, src net.Addr, arrivedAt time.Time)
}

type Opts struct {
	// Logger optionally specifies a logger. A nil Logger disables logging.
	Logger *zap.Logger

	// Handler receives every accepted datagram. Cannot be nil.
	Handler Handler

	// DisableIPv4 / DisableIPv6 skip the respective listener. At least one
	// family must remain enabled.
	DisableIPv4 bool
	DisableIPv6 bool

	// Interfaces restricts the multicast group join to these interface
	// names. Empty means all multicast-capable interfaces.
	Interfaces []string

	// IgnoreSources is a list of CIDR prefixes. Datagrams from matching
	// source addresses are dropped before parsing.
	IgnoreSources []string

	// StopGrace bounds how long Stop waits for in-flight datagram
	// processing before sockets are torn down. Default is 3s.
	StopGrace time.Duration

	// MetricsReg optionally registers the transport metrics.
	MetricsReg prometheus.Registerer
}

func (opts *Opts) init() error {
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	if opts.Handler == nil {
		return errMissingHandler
	}
	if opts.DisableIPv4 && opts.DisableIPv6 {
		return errors.New("both address families disabled")
	}
	if opts.StopGrace <= 0 {
		opts.StopGrace = defaultStopGrace
	}
	return nil
}

// Transport runs one receive loop per bound socket. Start and Stop are
// mutually exclusive and idempotent.
type Transport struct {
	opts   Opts
	ignore *netipx.IPSet

	mu         sync.Mutex
	running    bool
	conns      []net.PacketConn
	loops      *errgroup.Group
	cancelRecv context.CancelFunc
	cancelProc context.CancelFunc
	inflight   sync.WaitGroup

	datagramsTotal prometheus.Counter
	ignoredTotal   prometheus.Counter
	recvErrsTotal  prometheus.Counter
	loopsAbandoned prometheus.Counter
}

func New(opts Opts) (*Transport, error) {
	if err := opts.init(); err != nil {
		return nil, err
	}

	t := &Transport{
		opts: opts,
		datagramsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "datagrams_received_total",
			Help: "Datagrams accepted and dispatched for processing.",
		}),
		ignoredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "datagrams_ignored_total",
			Help: "Datagrams dropped by the source address policy.",
		}),
		recvErrsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "receive_errors_total",
			Help: "Transient socket receive errors.",
		}),
		loopsAbandoned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "receive_loops_abandoned_total",
			Help: "Receive loops terminated after exhausting their retry budget.",
		}),
	}

	if len(opts.IgnoreSources) > 0 {
		set, err := buildIPSet(opts.IgnoreSources)
		if err != nil {
			return nil, fmt.Errorf("invalid ignore_sources: %w", err)
		}
		t.ignore = set
	}

	if reg := opts.MetricsReg; reg != nil {
		reg.MustRegister(t.datagramsTotal, t.ignoredTotal, t.recvErrsTotal, t.loopsAbandoned)
	}
	return t, nil
}

func buildIPSet(prefixes []string) (*netipx.IPSet, error) {
	var b netipx.IPSetBuilder
	for _, s := range prefixes {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return nil, fmt.Errorf("bad prefix %q: %w", s, err)
		}
		b.AddPrefix(p)
	}
	return b.IPSet()
}

// Start binds the multicast sockets and launches the receive loops. Starting
// a running transport logs and does nothing.
func (t *Transport) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.running {
		t.opts.Logger.Info("transport already running")
		return nil
	}

	ifaces, err := t.selectInterfaces()
	if err != nil {
		return err
	}

	var conns []net.PacketConn
	if !t.opts.DisableIPv4 {
		c, err := listenIPv4(ifaces)
		if err != nil {
			t.opts.Logger.Warn("ipv4 listener unavailable", zap.Error(err))
		} else {
			conns = append(conns, c)
		}
	}
	if !t.opts.DisableIPv6 {
		c, err := listenIPv6(ifaces)
		if err != nil {
			t.opts.Logger.Warn("ipv6 listener unavailable", zap.Error(err))
		} else {
			conns = append(conns, c)
		}
	}
	if len(conns) == 0 {
		return errNoListener
	}

	recvCtx, cancelRecv := context.WithCancel(context.Background())
	procCtx, cancelProc := context.WithCancel(context.Background())
	g := new(errgroup.Group)
	for _, c := range conns {
		c := c
		g.Go(func() error {
			return t.receiveLoop(recvCtx, procCtx, c)
		})
	}

	t.conns = conns
	t.loops = g
	t.cancelRecv = cancelRecv
	t.cancelProc = cancelProc
	t.running = true
	t.opts.Logger.Info("transport started", zap.Int("listeners", len(conns)))
	return nil
}

// Stop cancels the receive loops, grants in-flight processing a bounded
// grace period, then releases all sockets unconditionally. Stopping a
// stopped transport is a no-op.
func (t *Transport) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.running {
		return
	}

	t.cancelRecv()

	// In-flight processing units get a grace period before their context
	// goes away with the sockets.
	waited := make(chan struct{})
	go func() {
		t.inflight.Wait()
		close(waited)
	}()
	timer := pool.GetTimer(t.opts.StopGrace)
	select {
	case <-waited:
	case <-timer.C:
		t.opts.Logger.Warn("stop grace period elapsed with work in flight")
	}
	pool.ReleaseTimer(timer)

	for _, c := range t.conns {
		_ = c.Close()
	}
	if err := t.loops.Wait(); err != nil {
		t.opts.Logger.Warn("receive loop exit", zap.Error(err))
	}
	t.cancelProc()

	t.conns = nil
	t.loops = nil
	t.running = false
	t.opts.Logger.Info("transport stopped")
}

// receiveLoop reads datagrams until the socket dies or shutdown is signaled.
// Transient errors retry with exponential backoff, a successful read resets
// the budget.
func (t *Transport) receiveLoop(recvCtx, procCtx context.Context, c net.PacketConn) error {
	buf := pool.GetBuf(readBufSize)
	defer buf.Release()
	rb := buf.Bytes()

	laddr := c.LocalAddr()
	retries := 0
	for {
		n, src, err := c.ReadFrom(rb)
		if err != nil {
			if recvCtx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			t.recvErrsTotal.Inc()
			retries++
			if retries > maxRetries {
				t.loopsAbandoned.Inc()
				t.opts.Logger.Error("receive loop abandoned",
					zap.Stringer("listener", laddr),
					zap.Error(err))
				return fmt.Errorf("listener %s: %w", laddr, err)
			}
			delay := retryDelay(retries)
			t.opts.Logger.Warn("receive error",
				zap.Stringer("listener", laddr),
				zap.Int("attempt", retries),
				zap.Duration("retry_in", delay),
				zap.Error(err))
			timer := pool.GetTimer(delay)
			select {
			case <-recvCtx.Done():
				pool.ReleaseTimer(timer)
				return nil
			case <-timer.C:
			}
			pool.ReleaseTimer(timer)
			continue
		}
		retries = 0

		if t.ignored(src) {
			t.ignoredTotal.Inc()
			continue
		}
		t.datagramsTotal.Inc()

		// The read buffer is reused immediately, hand the handler its
		// own copy and re-enter the read without waiting on it.
		payload := make([]byte, n)
		copy(payload, rb[:n])
		arrived := time.Now()
		t.inflight.Add(1)
		go func() {
			defer t.inflight.Done()
			t.opts.Handler.HandleDatagram(procCtx, payload, src, arrived)
		}()
	}
}

// retryDelay returns the backoff before the attempt-th retry (1-based):
// 100ms doubling, capped at 5s.
func retryDelay(attempt int) time.Duration {
	d := retryBaseDelay << (attempt - 1)
	if d > retryMaxDelay {
		return retryMaxDelay
	}
	return d
}

func (t *Transport) ignored(src net.Addr) bool {
	if t.ignore == nil {
		return false
	}
	ua, ok := src.(*net.UDPAddr)
	if !ok {
		return false
	}
	ip, ok := netip.AddrFromSlice(ua.IP)
	if !ok {
		return false
	}
	return t.ignore.Contains(ip.Unmap())
}

func (t *Transport) selectInterfaces() ([]net.Interface, error) {
	if len(t.opts.Interfaces) == 0 {
		return multicastInterfaces(), nil
	}
	var out []net.Interface
	for _, name := range t.opts.Interfaces {
		ifi, err := net.InterfaceByName(name)
		if err != nil {
			return nil, fmt.Errorf("unknown interface %q: %w", name, err)
		}
		out = append(out, *ifi)
	}
	return out, nil
}

func multicastInterfaces() []net.Interface {
	var out []net.Interface
	all, err := net.Interfaces()
	if err != nil {
		return nil
	}
	for _, ifi := range all {
		if ifi.Flags&net.FlagUp != 0 && ifi.Flags&net.FlagMulticast != 0 {
			out = append(out, ifi)
		}
	}
	return out
}

// listenIPv4 binds a reusable UDP socket on port 5353 and joins the
// 224.0.0.251 group on every given interface.
func listenIPv4(ifaces []net.Interface) (net.PacketConn, error) {
	lc := net.ListenConfig{Control: reuseAddr}
	c, err := lc.ListenPacket(context.Background(), "udp4", net.JoinHostPort("224.0.0.0", strconv.Itoa(mdnsPort)))
	if err != nil {
		return nil, err
	}
	pc := ipv4.NewPacketConn(c.(*net.UDPConn))
	_ = pc.SetMulticastTTL(255)

	joined := 0
	for i := range ifaces {
		if err := pc.JoinGroup(&ifaces[i], &net.UDPAddr{IP: mdnsGroupIPv4}); err == nil {
			joined++
		}
	}
	if joined == 0 {
		c.Close()
		return nil, fmt.Errorf("udp4: failed to join %s on any interface", mdnsGroupIPv4)
	}
	return c, nil
}

// listenIPv6 is the ff02::fb counterpart of listenIPv4.
func listenIPv6(ifaces []net.Interface) (net.PacketConn, error) {
	lc := net.ListenConfig{Control: reuseAddr}
	c, err := lc.ListenPacket(context.Background(), "udp6", net.JoinHostPort("ff02::", strconv.Itoa(mdnsPort)))
	if err != nil {
		return nil, err
	}
	pc := ipv6.NewPacketConn(c.(*net.UDPConn))
	_ = pc.SetMulticastHopLimit(255)

	joined := 0
	for i := range ifaces {
		if err := pc.JoinGroup(&ifaces[i], &net.UDPAddr{IP: mdnsGroupIPv6}); err == nil {
			joined++
		}
	}
	if joined == 0 {
		c.Close()
		return nil, fmt.Errorf("udp6: failed to join %s on any interface", mdnsGroupIPv6)
	}
	return c, nil
}
