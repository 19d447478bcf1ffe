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

// Package registry holds the live, TTL-governed view of advertised services.
package registry

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pmkol/lanwatch/pkg/event"
)

const defaultSweepInterval = time.Second * 10

var nopLogger = zap.NewNop()

type Opts struct {
	// Logger optionally specifies a logger. A nil Logger disables logging.
	Logger *zap.Logger

	// Hub receives one expired event per entry removed by the sweep.
	// Every registry publishes through its hub unconditionally.
	// Hub cannot be nil.
	Hub *event.Hub

	// SweepInterval is the period of the background expiration sweep.
	// Default is 10s.
	SweepInterval time.Duration
}

func (opts *Opts) init() {
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = defaultSweepInterval
	}
}

// Registry is a concurrency-safe map from service name (exact wire form,
// case-sensitive) to its latest record. Single-key mutations are
// linearizable, snapshots are copy-on-read.
type Registry struct {
	opts Opts

	mu      sync.RWMutex
	entries map[string]event.Record

	sweepMu   sync.Mutex
	sweepStop chan struct{}
	sweepDone chan struct{}
}

func New(opts Opts) *Registry {
	opts.init()
	return &Registry{
		opts:    opts,
		entries: make(map[string]event.Record),
	}
}

// AddOrUpdate stores rec and reports whether the name was previously unknown.
// On update every field is replaced except ObservedAt, which keeps the value
// of the existing entry: a re-advertisement does not push back the expiry
// deadline of the first sighting.
//
// Goodbye records are never stored, they only remove (see Remove).
func (r *Registry) AddOrUpdate(rec event.Record) (isNew bool) {
	if rec.Goodbye {
		r.opts.Logger.Debug("refusing to store goodbye record", zap.String("name", rec.Name))
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	prev, ok := r.entries[rec.Name]
	if ok {
		rec.ObservedAt = prev.ObservedAt
	}
	r.entries[rec.Name] = rec
	return !ok
}

// Remove deletes the entry for name and returns it. Removing an unknown name
// is a no-op.
func (r *Registry) Remove(name string) (event.Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.entries[name]
	if ok {
		delete(r.entries, name)
	}
	return rec, ok
}

// GetAll returns a point-in-time snapshot of all entries that are not
// currently expired. Entries past their TTL but not yet swept are hidden
// here while still counted by Len.
func (r *Registry) GetAll() map[string]event.Record {
	now := time.Now()

	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]event.Record, len(r.entries))
	for name, rec := range r.entries {
		if rec.Expired(now) {
			continue
		}
		out[name] = rec
	}
	return out
}

// Len returns the raw number of stored entries, including ones that are
// expired but not yet removed by the sweep.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// StartSweeper starts the background expiration sweep. It is a no-op if the
// sweeper is already running.
func (r *Registry) StartSweeper() {
	r.sweepMu.Lock()
	defer r.sweepMu.Unlock()

	if r.sweepStop != nil {
		return
	}
	r.sweepStop = make(chan struct{})
	r.sweepDone = make(chan struct{})
	go r.sweepLoop(r.sweepStop, r.sweepDone)
	r.opts.Logger.Info("expiration sweeper started", zap.Duration("interval", r.opts.SweepInterval))
}

// StopSweeper disables future sweep ticks and waits for an in-flight sweep
// to finish. It is a no-op if the sweeper is not running.
func (r *Registry) StopSweeper() {
	r.sweepMu.Lock()
	defer r.sweepMu.Unlock()

	if r.sweepStop == nil {
		return
	}
	close(r.sweepStop)
	<-r.sweepDone
	r.sweepStop = nil
	r.sweepDone = nil
	r.opts.Logger.Info("expiration sweeper stopped")
}

func (r *Registry) sweepLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(r.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			r.sweep(time.Now())
		}
	}
}

// sweep removes every entry expired at now and publishes exactly one expired
// event per removal. Publishing happens outside the lock; subscriber
// failures are contained by the hub and never reach the timer.
func (r *Registry) sweep(now time.Time) {
	r.mu.Lock()
	var expired []event.Record
	for name, rec := range r.entries {
		if rec.Expired(now) {
			expired = append(expired, rec)
			delete(r.entries, name)
		}
	}
	r.mu.Unlock()

	for _, rec := range expired {
		r.opts.Logger.Debug("service expired",
			zap.String("name", rec.Name),
			zap.String("type", rec.Type),
			zap.Uint32("ttl", rec.TTL))
		r.opts.Hub.Publish(event.Event{Kind: event.KindExpired, Record: rec})
	}
}
