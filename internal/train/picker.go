package train

import (
	"cmp"
	"math/rand/v2"
	"slices"
	"strconv"
	"strings"
)

// Picker chooses the next track for a train that reached the end of its
// current one. Implementations must be deterministic for a given seed.
type Picker interface {
	Next(trainID, current string, tracks []string) string
}

// PickerFunc adapts a function into a Picker.
type PickerFunc func(trainID, current string, tracks []string) string

// Next calls f.
func (f PickerFunc) Next(trainID, current string, tracks []string) string {
	return f(trainID, current, tracks)
}

// RandomPicker picks uniformly among all tracks, including the current one.
type RandomPicker struct {
	rng *rand.Rand
}

// NewRandomPicker returns a PCG-backed picker seeded with seed.
func NewRandomPicker(seed uint64) *RandomPicker {
	return &RandomPicker{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

// Next implements Picker.
func (p *RandomPicker) Next(_, current string, tracks []string) string {
	if len(tracks) == 0 {
		return current
	}
	return tracks[p.rng.IntN(len(tracks))]
}

// Compare orders train IDs naturally, so T2 sorts before T10.
func Compare(a, b string) int {
	pa, na, oka := splitNumericSuffix(a)
	pb, nb, okb := splitNumericSuffix(b)
	if oka && okb && pa == pb {
		if c := cmp.Compare(na, nb); c != 0 {
			return c
		}
	}
	return strings.Compare(a, b)
}

// SortByID sorts trains by ID in natural order.
func SortByID(trains []*Train) {
	slices.SortFunc(trains, func(a, b *Train) int { return Compare(a.ID, b.ID) })
}

func splitNumericSuffix(id string) (string, int, bool) {
	i := len(id)
	for i > 0 && id[i-1] >= '0' && id[i-1] <= '9' {
		i--
	}
	if i == len(id) {
		return id, 0, false
	}
	n, err := strconv.Atoi(id[i:])
	if err != nil {
		return id, 0, false
	}
	return id[:i], n, true
}
