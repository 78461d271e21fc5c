package cache

// Gap is a half-open run [Start, End) of sequence numbers with no known entity.
// End is the next known sequence number, or the slice's SeqEnd.
type Gap struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// Len is the number of missing sequence numbers in the gap.
func (g Gap) Len() int64 {
	return g.End - g.Start
}

// SequentialSlice is a view of sequence numbers [SeqStart, SeqEnd) of a
// group. Data[i] holds the entity with sequence SeqStart+i when Known(i) is
// true and the zero value otherwise. MaxSeq is the highest sequence number
// the group holds, which may lie past SeqEnd.
type SequentialSlice[T any] struct {
	SeqStart int64
	SeqEnd   int64
	MaxSeq   int64
	Data     []T

	known []bool
}

// NewSequentialSlice returns a slice of seqEnd-seqStart unknown slots.
func NewSequentialSlice[T any](seqStart, seqEnd int64) *SequentialSlice[T] {
	if seqEnd < seqStart {
		seqEnd = seqStart
	}
	n := seqEnd - seqStart
	return &SequentialSlice[T]{
		SeqStart: seqStart,
		SeqEnd:   seqEnd,
		Data:     make([]T, n),
		known:    make([]bool, n),
	}
}

// Len is the number of slots, always SeqEnd-SeqStart.
func (s *SequentialSlice[T]) Len() int {
	return len(s.Data)
}

// Put stores entity at seq. It reports false if seq lies outside the slice.
func (s *SequentialSlice[T]) Put(seq int64, entity T) bool {
	if seq < s.SeqStart || seq >= s.SeqEnd {
		return false
	}
	i := seq - s.SeqStart
	s.Data[i] = entity
	s.known[i] = true
	if seq > s.MaxSeq {
		s.MaxSeq = seq
	}
	return true
}

// At returns the entity at seq and whether it is known.
func (s *SequentialSlice[T]) At(seq int64) (T, bool) {
	var zero T
	if seq < s.SeqStart || seq >= s.SeqEnd {
		return zero, false
	}
	i := seq - s.SeqStart
	return s.Data[i], s.known[i]
}

// Known reports whether slot i holds an entity.
func (s *SequentialSlice[T]) Known(i int) bool {
	return i >= 0 && i < len(s.known) && s.known[i]
}

// Entities returns the known entities in sequence order.
func (s *SequentialSlice[T]) Entities() []T {
	out := make([]T, 0, len(s.Data))
	for i, entity := range s.Data {
		if s.known[i] {
			out = append(out, entity)
		}
	}
	return out
}

// Complete reports whether every slot is known.
func (s *SequentialSlice[T]) Complete() bool {
	return len(s.Gaps()) == 0
}

// Gaps returns the runs of unknown slots in ascending order. For known
// sequences 2, 3, 7 and 10 over [1, 11) they are [1,2), [4,7) and [8,10).
func (s *SequentialSlice[T]) Gaps() []Gap {
	var gaps []Gap
	var start int64
	inGap := false
	for i := range s.Data {
		seq := s.SeqStart + int64(i)
		switch {
		case !s.known[i] && !inGap:
			start, inGap = seq, true
		case s.known[i] && inGap:
			gaps = append(gaps, Gap{Start: start, End: seq})
			inGap = false
		}
	}
	if inGap {
		gaps = append(gaps, Gap{Start: start, End: s.SeqEnd})
	}
	return gaps
}
