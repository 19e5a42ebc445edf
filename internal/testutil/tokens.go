package testutil

import (
	"encoding/binary"
	"sync"

	"github.com/google/uuid"
)

// TokenSource returns a deterministic session token generator. The n-th
// token carries n in its trailing bytes, so test failures print stable,
// readable tokens instead of random ones.
//
// The returned function is safe for concurrent use.
func TokenSource() func() uuid.UUID {
	var mu sync.Mutex
	var n uint32
	return func() uuid.UUID {
		mu.Lock()
		defer mu.Unlock()
		n++
		var u uuid.UUID
		binary.BigEndian.PutUint32(u[12:], n)
		u[6] = (u[6] & 0x0f) | 0x40
		u[8] = (u[8] & 0x3f) | 0x80
		return u
	}
}
