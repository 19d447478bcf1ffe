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

// Package export mirrors the live service view into external sinks. Sinks
// are observers: the registry never reads anything back from them.
package export

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/pmkol/lanwatch/pkg/event"
	"github.com/pmkol/lanwatch/pkg/pool"
)

var nopLogger = zap.NewNop()

type RedisOpts struct {
	// Client cannot be nil.
	Client redis.Cmdable

	// ClientCloser closes Client when RedisExporter.Close is called.
	// Optional.
	ClientCloser io.Closer

	// ClientTimeout specifies the timeout for redis commands.
	// Default is 1s.
	ClientTimeout time.Duration

	// KeyPrefix is prepended to every service name key.
	KeyPrefix string

	// Logger optionally specifies a logger. A nil Logger disables logging.
	Logger *zap.Logger
}

func (opts *RedisOpts) init() error {
	if opts.Client == nil {
		return errors.New("nil redis client")
	}
	if opts.ClientTimeout <= 0 {
		opts.ClientTimeout = time.Second
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	return nil
}

// RedisExporter keeps one redis key per live advertisement: advertised
// events set the key with the record's TTL, removed and expired events
// delete it. Redis outages only mute the mirror, they never touch the
// observation pipeline.
type RedisExporter struct {
	opts           RedisOpts
	clientDisabled uint32
}

func NewRedisExporter(opts RedisOpts) (*RedisExporter, error) {
	if err := opts.init(); err != nil {
		return nil, err
	}
	return &RedisExporter{opts: opts}, nil
}

// Subscribe attaches the exporter to the hub.
func (r *RedisExporter) Subscribe(h *event.Hub) {
	h.Subscribe(r.handle)
}

func (r *RedisExporter) handle(e event.Event) {
	if r.disabled() {
		return
	}

	key := r.opts.KeyPrefix + e.Record.Name
	ctx, cancel := context.WithTimeout(context.Background(), r.opts.ClientTimeout)
	defer cancel()

	var err error
	switch e.Kind {
	case event.KindAdvertised:
		data := packRecord(&e.Record)
		defer data.Release()
		ttl := time.Duration(e.Record.TTL) * time.Second
		err = r.opts.Client.Set(ctx, key, data.Bytes(), ttl).Err()
	case event.KindRemoved, event.KindExpired:
		err = r.opts.Client.Del(ctx, key).Err()
	default:
		return
	}

	if err != nil {
		r.opts.Logger.Warn("redis export", zap.Stringer("kind", e.Kind), zap.Error(err))
		r.disableClient()
	}
}

func (r *RedisExporter) disabled() bool {
	return atomic.LoadUint32(&r.clientDisabled) != 0
}

// disableClient mutes the exporter and starts a background ping loop that
// re-enables it once redis answers again.
func (r *RedisExporter) disableClient() {
	if atomic.CompareAndSwapUint32(&r.clientDisabled, 0, 1) {
		r.opts.Logger.Warn("redis export temporarily disabled")
		go func() {
			const maxBackoff = time.Second * 30
			backoff := time.Millisecond * 100
			for {
				time.Sleep(backoff)
				ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond*500)
				err := r.opts.Client.Ping(ctx).Err()
				cancel()
				if err != nil {
					if backoff >= maxBackoff {
						backoff = maxBackoff
					} else {
						backoff += time.Duration(rand.Intn(1000))*time.Millisecond + time.Second
					}
					r.opts.Logger.Warn("redis ping failed", zap.Error(err), zap.Duration("next_ping", backoff))
					continue
				}
				atomic.StoreUint32(&r.clientDisabled, 0)
				r.opts.Logger.Info("redis export re-enabled")
				return
			}
		}()
	}
}

func (r *RedisExporter) Close() error {
	if c := r.opts.ClientCloser; c != nil {
		return c.Close()
	}
	return nil
}

// packRecord serializes a record as observedAt(8) | ttl(4) | typeLen(2) |
// type | rdata. The returned buffer must be released by the caller.
func packRecord(rec *event.Record) *pool.Buffer {
	buf := pool.GetBuf(8 + 4 + 2 + len(rec.Type) + len(rec.Data))
	b := buf.Bytes()
	binary.BigEndian.PutUint64(b[:8], uint64(rec.ObservedAt.Unix()))
	binary.BigEndian.PutUint32(b[8:12], rec.TTL)
	binary.BigEndian.PutUint16(b[12:14], uint16(len(rec.Type)))
	off := 14 + copy(b[14:], rec.Type)
	copy(b[off:], rec.Data)
	return buf
}

// unpackRecord is the inverse of packRecord.
func unpackRecord(b []byte) (event.Record, error) {
	if len(b) < 14 {
		return event.Record{}, errors.New("payload too short")
	}
	typeLen := int(binary.BigEndian.Uint16(b[12:14]))
	if len(b) < 14+typeLen {
		return event.Record{}, errors.New("truncated type field")
	}
	rec := event.Record{
		ObservedAt: time.Unix(int64(binary.BigEndian.Uint64(b[:8])), 0),
		TTL:        binary.BigEndian.Uint32(b[8:12]),
		Type:       string(b[14 : 14+typeLen]),
	}
	if data := b[14+typeLen:]; len(data) > 0 {
		rec.Data = append([]byte(nil), data...)
	}
	return rec, nil
}
