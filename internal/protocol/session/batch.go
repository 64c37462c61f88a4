package session

import "net"

// Batch gathers the bytes of one socket write. Control records and small
// segments are copied into a contiguous buffer; segments above the coalesce
// threshold are referenced in place.
type Batch struct {
	threshold int
	bufs      net.Buffers
	cur       []byte
	n         int
}

func NewBatch(threshold int) *Batch {
	return &Batch{threshold: threshold}
}

// Append copies p into the batch.
func (b *Batch) Append(p []byte) {
	b.cur = append(b.cur, p...)
	b.n += len(p)
}

// AppendSegment copies p when small, otherwise references it.
func (b *Batch) AppendSegment(p []byte) {
	if len(p) <= b.threshold {
		b.Append(p)
		return
	}
	b.flush()
	b.bufs = append(b.bufs, p)
	b.n += len(p)
}

// Tail exposes the contiguous buffer for append-style encoders. The caller
// must hand the result back through SetTail.
func (b *Batch) Tail() []byte {
	return b.cur
}

func (b *Batch) SetTail(p []byte) {
	b.n += len(p) - len(b.cur)
	b.cur = p
}

func (b *Batch) flush() {
	if len(b.cur) == 0 {
		return
	}
	b.bufs = append(b.bufs, b.cur)
	b.cur = nil
}

// Buffers finalizes the batch for a vectored write.
func (b *Batch) Buffers() net.Buffers {
	b.flush()
	return b.bufs
}

// Len is the total byte count gathered so far.
func (b *Batch) Len() int {
	return b.n
}

func (b *Batch) Reset() {
	b.bufs = nil
	b.cur = nil
	b.n = 0
}
