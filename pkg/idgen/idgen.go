// Package idgen hands out 64-bit identifiers that sort by creation time.
//
// Layout, high bit first:
//
//	1 bit unused | 41 bits milliseconds since Epoch | 10 bits worker | 12 bits sequence
//
// Uniqueness holds inside one process. Two processes sharing a worker tag
// can collide; assigning distinct tags is the operator's job.
package idgen

import (
	"fmt"
	"sync"
	"time"
)

const (
	workerBits   = 10
	sequenceBits = 12

	MaxWorker   = 1<<workerBits - 1
	maxSequence = 1<<sequenceBits - 1

	workerShift = sequenceBits
	timeShift   = sequenceBits + workerBits
)

// Epoch is 2024-01-01T00:00:00Z.
var Epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type Generator struct {
	mu     sync.Mutex
	worker int64
	lastMS int64
	seq    int64
	now    func() time.Time
}

// New returns a generator for the given worker tag (0..MaxWorker).
func New(worker int64) (*Generator, error) {
	if worker < 0 || worker > MaxWorker {
		return nil, fmt.Errorf("idgen: worker %d out of range [0,%d]", worker, MaxWorker)
	}
	return &Generator{worker: worker, now: time.Now}, nil
}

// Generate returns the next identifier. Values from one Generator are
// strictly increasing, also when the wall clock steps backwards.
func (g *Generator) Generate() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := g.now().Sub(Epoch).Milliseconds()
	if ms < g.lastMS {
		// clock went backwards, stay on the last tick
		ms = g.lastMS
	}
	if ms == g.lastMS {
		g.seq = (g.seq + 1) & maxSequence
		if g.seq == 0 {
			// sequence exhausted, borrow the next millisecond
			ms = g.lastMS + 1
		}
	} else {
		g.seq = 0
	}
	g.lastMS = ms

	return uint64(ms)<<timeShift | uint64(g.worker)<<workerShift | uint64(g.seq)
}

// Decompose splits an identifier back into its parts.
func Decompose(id uint64) (t time.Time, worker int64, seq int64) {
	ms := int64(id >> timeShift)
	worker = int64(id>>workerShift) & MaxWorker
	seq = int64(id) & maxSequence
	return Epoch.Add(time.Duration(ms) * time.Millisecond), worker, seq
}
