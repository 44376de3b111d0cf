package workflow

import (
	"math/bits"

	"aideps/internal/stage"
)

// StageSet is a set of stage ids.
type StageSet uint8

func bit(id stage.ID) StageSet {
	if !id.Valid() {
		return 0
	}
	return 1 << (uint(id) - 1)
}

// SetOf builds a set from ids; invalid ids are ignored.
func SetOf(ids ...stage.ID) StageSet {
	var s StageSet
	for _, id := range ids {
		s |= bit(id)
	}
	return s
}

func (s StageSet) Has(id stage.ID) bool { return id.Valid() && s&bit(id) != 0 }

func (s StageSet) With(id stage.ID) StageSet { return s | bit(id) }

func (s StageSet) Without(id stage.ID) StageSet { return s &^ bit(id) }

func (s StageSet) Len() int { return bits.OnesCount8(uint8(s)) }

// Max returns the highest stage in the set, or 0 when empty.
func (s StageSet) Max() stage.ID {
	if s == 0 {
		return 0
	}
	return stage.ID(bits.Len8(uint8(s)))
}

// Prefix returns the longest run {1..k} contained in s.
func (s StageSet) Prefix() StageSet {
	var out StageSet
	for id := stage.First; id <= stage.Last; id++ {
		if !s.Has(id) {
			break
		}
		out = out.With(id)
	}
	return out
}

// IDs lists the members in ascending order.
func (s StageSet) IDs() []stage.ID {
	out := make([]stage.ID, 0, s.Len())
	for id := stage.First; id <= stage.Last; id++ {
		if s.Has(id) {
			out = append(out, id)
		}
	}
	return out
}

// Ints is IDs as plain integers, for transport and storage.
func (s StageSet) Ints() []int {
	ids := s.IDs()
	out := make([]int, len(ids))
	for i, id := range ids {
		out[i] = int(id)
	}
	return out
}
