package pool

import (
	"fmt"
	"math/bits"
	"sync"
)

// Buffer is a pooled byte buffer. Call Release exactly once when done, after
// which the buffer must not be touched again.
type Buffer struct {
	b     []byte
	shard int
}

func (b *Buffer) Bytes() []byte {
	return b.b
}

func (b *Buffer) Len() int {
	return len(b.b)
}

func (b *Buffer) Release() {
	if b.shard >= 0 {
		pools[b.shard].Put(b.b[:cap(b.b)])
		b.b = nil
	}
}

// Buffers are pooled in power-of-two size classes up to 128 KiB. Larger
// requests fall through to plain allocation.
const maxShard = 17

var pools = func() []*sync.Pool {
	ps := make([]*sync.Pool, maxShard+1)
	for i := range ps {
		size := 1 << i
		ps[i] = &sync.Pool{
			New: func() any { return make([]byte, size) },
		}
	}
	return ps
}()

// GetBuf returns a Buffer of exactly size bytes. The content is not zeroed.
func GetBuf(size int) *Buffer {
	if size <= 0 {
		panic(fmt.Sprintf("pool.GetBuf: invalid size %d", size))
	}
	shard := bits.Len(uint(size - 1))
	if shard > maxShard {
		return &Buffer{b: make([]byte, size), shard: -1}
	}
	return &Buffer{b: pools[shard].Get().([]byte)[:size], shard: shard}
}
