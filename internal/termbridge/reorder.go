package termbridge

import (
	"log"
	"sort"

	"github.com/chardonnay/korTTY/internal/sshterminal"
)

// maxHeldFrames bounds the reorder window. When it is exceeded the missing
// frames are given up on and delivery resumes at the oldest held frame.
const maxHeldFrames = 1024

// reorderBuffer releases frames strictly by sequence number.
type reorderBuffer struct {
	next uint64
	held map[uint64]sshterminal.OutputFrame
}

func newReorderBuffer() *reorderBuffer {
	return &reorderBuffer{next: 1, held: make(map[uint64]sshterminal.OutputFrame)}
}

// push accepts f and returns the frames that are now ready, in order. dup is
// set when f was already delivered or is already held.
func (r *reorderBuffer) push(f sshterminal.OutputFrame) (ready []sshterminal.OutputFrame, dup bool) {
	if f.Seq < r.next {
		return nil, true
	}
	if _, ok := r.held[f.Seq]; ok {
		return nil, true
	}
	r.held[f.Seq] = f

	if len(r.held) > maxHeldFrames {
		seqs := make([]uint64, 0, len(r.held))
		for s := range r.held {
			seqs = append(seqs, s)
		}
		sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
		log.Printf("[bridge] protocol error: frames %d..%d never arrived, skipping", r.next, seqs[0]-1)
		r.next = seqs[0]
	}

	for {
		next, ok := r.held[r.next]
		if !ok {
			break
		}
		delete(r.held, r.next)
		r.next++
		ready = append(ready, next)
	}
	return ready, false
}

// waiting reports how many frames are held behind a gap.
func (r *reorderBuffer) waiting() int { return len(r.held) }
