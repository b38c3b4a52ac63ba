package hal

// Fragment is one contiguous run of a scatter/gather I/O buffer.
type Fragment struct {
	// Data is the virtual mapping of the fragment, used by polled
	// transfers and by software hosts.
	Data []byte

	// Physical is the bus address of the fragment, used by DMA engines.
	// It must fit, together with the fragment length, within the first
	// 4 GB of the bus address space for descriptor-chain DMA.
	Physical uint64
}

// IOBuffer is an ordered sequence of scatter/gather fragments with a
// current logical offset. The core only reads fragment metadata and copies
// through the transport; it does not own buffer lifetime.
type IOBuffer struct {
	Fragments []Fragment

	offset int
}

// NewIOBuffer wraps a single contiguous buffer as an IOBuffer. The
// physical address is taken verbatim; software hosts may pass zero.
func NewIOBuffer(data []byte, physical uint64) *IOBuffer {
	return &IOBuffer{
		Fragments: []Fragment{{Data: data, Physical: physical}},
	}
}

// Length returns the total byte length across all fragments.
func (b *IOBuffer) Length() int {
	total := 0
	for i := range b.Fragments {
		total += len(b.Fragments[i].Data)
	}
	return total
}

// Offset returns the buffer's current logical offset.
func (b *IOBuffer) Offset() int {
	return b.offset
}

// SetOffset sets the buffer's current logical offset.
func (b *IOBuffer) SetOffset(offset int) {
	b.offset = offset
}

// Seek locates the fragment containing the given logical offset, relative
// to the buffer's current offset. It returns the fragment index and the
// byte offset within that fragment. If the offset is at or beyond the end
// of the buffer, the returned index equals len(Fragments).
func (b *IOBuffer) Seek(offset int) (index, within int) {
	offset += b.offset
	for index = range b.Fragments {
		size := len(b.Fragments[index].Data)
		if offset < size {
			return index, offset
		}
		offset -= size
	}
	return len(b.Fragments), 0
}
