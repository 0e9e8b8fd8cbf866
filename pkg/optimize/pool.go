package optimize

import (
	"sync"
)

// BytePool recycles fixed-size read buffers, such as the buffer the
// ffmpeg frame scanner reads encoder output into.
type BytePool struct {
	pool sync.Pool
	size int
}

func NewBytePool(size int) *BytePool {
	p := &BytePool{size: size}
	p.pool.New = func() interface{} {
		buf := make([]byte, size)
		return &buf
	}
	return p
}

// Size is the length of buffers handed out by Get.
func (p *BytePool) Size() int {
	return p.size
}

func (p *BytePool) Get() []byte {
	return *(p.pool.Get().(*[]byte))
}

// Put returns b to the pool. Buffers smaller than the pool size are dropped.
func (p *BytePool) Put(b []byte) {
	if cap(b) < p.size {
		return
	}
	b = b[:p.size]
	p.pool.Put(&b)
}
