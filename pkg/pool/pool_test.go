package pool

import (
	"testing"
)

func TestFixedBufferPool(t *testing.T) {
	size := int64(1024)
	fp := NewFixedBuffer(size)

	// Get
	ptr := fp.Get()
	if len(*ptr) != int(size) {
		t.Errorf("got len %d, want %d", len(*ptr), size)
	}
	if cap(*ptr) != int(size) {
		t.Errorf("got cap %d, want %d", cap(*ptr), size)
	}

	// Put
	fp.Put(ptr)

	// A reused buffer comes back at its full length even if the
	// previous user shrank it.
	shrunk := fp.Get()
	*shrunk = (*shrunk)[:10]
	fp.Put(shrunk)
	again := fp.Get()
	if len(*again) != int(size) {
		t.Errorf("reused buffer has len %d, want %d", len(*again), size)
	}
	fp.Put(again)

	// Put invalid size (should be ignored)
	small := make([]byte, 10)
	fp.Put(&small)

	// Put nil
	fp.Put(nil)
}
