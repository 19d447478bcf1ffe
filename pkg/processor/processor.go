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

// Package processor turns raw datagrams into service lifecycle events.
package processor

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pmkol/lanwatch/pkg/event"
	"github.com/pmkol/lanwatch/pkg/filter"
	"github.com/pmkol/lanwatch/pkg/registry"
	"github.com/pmkol/lanwatch/pkg/wire"
)

const defaultTimeout = time.Second * 5

var nopLogger = zap.NewNop()

var (
	errMissingRegistry = errors.New("missing registry")
	errMissingHub      = errors.New("missing event hub")
	errMissingFilter   = errors.New("missing filter")
)

type Opts struct {
	// Logger optionally specifies a logger. A nil Logger disables logging.
	Logger *zap.Logger

	// Registry receives all cache mutations. Cannot be nil.
	Registry *registry.Registry

	// Hub receives advertised and removed events. Cannot be nil.
	Hub *event.Hub

	// Filter is the initial inclusion policy. Cannot be nil. It can be
	// replaced at runtime with SwapFilter.
	Filter *filter.Filter

	// Timeout bounds the processing of one datagram. Default is 5s.
	Timeout time.Duration

	// MetricsReg optionally registers the processor metrics.
	MetricsReg prometheus.Registerer
}

func (opts *Opts) init() error {
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	if opts.Registry == nil {
		return errMissingRegistry
	}
	if opts.Hub == nil {
		return errMissingHub
	}
	if opts.Filter == nil {
		return errMissingFilter
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	return nil
}

// Processor classifies parsed records, consults the filter and mutates the
// registry. One HandleDatagram call is one independent processing unit, any
// number of them may run concurrently.
type Processor struct {
	opts   Opts
	filter atomic.Pointer[filter.Filter]

	parseFailedTotal prometheus.Counter
	recordsTotal     prometheus.Counter
	filteredTotal    prometheus.Counter
	timeoutTotal     prometheus.Counter
}

func New(opts Opts) (*Processor, error) {
	if err := opts.init(); err != nil {
		return nil, err
	}
	p := &Processor{
		opts: opts,
		parseFailedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "parse_failed_total",
			Help: "Datagrams dropped because they failed to parse.",
		}),
		recordsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "records_processed_total",
			Help: "Resource records run through the pipeline.",
		}),
		filteredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "records_filtered_total",
			Help: "Resource records excluded by the filter.",
		}),
		timeoutTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "datagram_timeout_total",
			Help: "Datagrams whose processing hit the per-datagram deadline.",
		}),
	}
	p.filter.Store(opts.Filter)

	if reg := opts.MetricsReg; reg != nil {
		reg.MustRegister(p.parseFailedTotal, p.recordsTotal, p.filteredTotal, p.timeoutTotal)
	}
	return p, nil
}

// SwapFilter atomically replaces the inclusion policy. In-flight datagrams
// may still finish under the old one.
func (p *Processor) SwapFilter(f *filter.Filter) {
	if f == nil {
		return
	}
	p.filter.Store(f)
}

// HandleDatagram runs one processing unit over a raw datagram. It never
// returns an error: every failure is local to this datagram, logged, and
// leaves the registry untouched beyond the records already applied.
func (p *Processor) HandleDatagram(ctx context.Context, payload []byte, src net.Addr, arrivedAt time.Time) {
	ctx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	defer cancel()

	msg, err := wire.Parse(payload)
	if err != nil {
		p.parseFailedTotal.Inc()
		p.opts.Logger.Warn("dropped malformed datagram",
			zap.Error(err),
			zap.Int("len", len(payload)),
			zap.Stringer("from", src))
		return
	}
	if !msg.IsResponse() {
		// Queries are somebody else's business, lanwatch only observes
		// answers.
		return
	}

	// Answers first, then additionals, both in wire order.
	records := make([]wire.ResourceRecord, 0, len(msg.Answers)+len(msg.Additionals))
	records = append(records, msg.Answers...)
	records = append(records, msg.Additionals...)

	for i := range records {
		select {
		case <-ctx.Done():
			p.timeoutTotal.Inc()
			p.opts.Logger.Warn("datagram processing deadline exceeded",
				zap.Stringer("from", src),
				zap.Time("arrived_at", arrivedAt),
				zap.Int("records_left", len(records)-i))
			return
		default:
		}
		p.processRecord(&records[i], src)
	}
}

func (p *Processor) processRecord(rr *wire.ResourceRecord, src net.Addr) {
	p.recordsTotal.Inc()

	typeName := rr.TypeName()
	if !p.filter.Load().ShouldInclude(rr.Name, typeName) {
		p.filteredTotal.Inc()
		return
	}

	rec := event.Record{
		Name:       rr.Name,
		Type:       typeName,
		Data:       rr.Data,
		TTL:        rr.TTL,
		Source:     src,
		ObservedAt: time.Now(),
		Goodbye:    rr.TTL == 0,
	}

	if rec.Goodbye {
		// A goodbye for a name we never saw is a silent no-op.
		prev, ok := p.opts.Registry.Remove(rec.Name)
		if ok {
			p.opts.Hub.Publish(event.Event{Kind: event.KindRemoved, Record: prev})
		}
		return
	}

	isNew := p.opts.Registry.AddOrUpdate(rec)
	p.opts.Hub.Publish(event.Event{Kind: event.KindAdvertised, Record: rec, IsNew: isNew})
}
