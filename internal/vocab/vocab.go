package vocab

import "strings"

// Control token indices in the fixed vocabulary.
const (
	PadID     = 0
	UnknownID = 1
	StartID   = 2
	EndID     = 3
)

// chars lists the vocabulary in index order: padding, unknown, start and end
// markers, the lowercase alphabet, then space and the punctuation kept by the
// corpus normalization.
var chars = buildChars()

func buildChars() []rune {
	cs := []rune{'-', '#', '<', '>'}
	for c := 'a'; c <= 'z'; c++ {
		cs = append(cs, c)
	}
	return append(cs, ' ', '.', ',', '?')
}

// Symbols returns the vocabulary characters in index order.
func Symbols() string { return string(chars) }

// Table maps transcript characters to token ids and back. Every vectorized
// text has exactly the same length, so batches stack without ragged edges.
type Table struct {
	maxLen int
	index  map[rune]int
}

// New returns a Table that vectorizes to exactly maxLen ids.
func New(maxLen int) *Table {
	idx := make(map[rune]int, len(chars))
	for i, c := range chars {
		idx[c] = i
	}
	return &Table{maxLen: maxLen, index: idx}
}

// Size returns the number of symbols in the vocabulary.
func (t *Table) Size() int { return len(chars) }

// MaxLen returns the fixed output length of Vectorize.
func (t *Table) MaxLen() int { return t.maxLen }

// Vectorize lowercases text, truncates it so the wrapped form fits, surrounds
// it with the start and end markers and right-pads with the padding id to
// exactly MaxLen entries. Characters outside the vocabulary map to the
// unknown id. The mapping is deterministic and never fails.
func (t *Table) Vectorize(text string) []int {
	runes := []rune(strings.ToLower(text))
	if len(runes) > t.maxLen-2 {
		runes = runes[:t.maxLen-2]
	}

	ids := make([]int, 0, t.maxLen)
	ids = append(ids, StartID)
	for _, r := range runes {
		id, ok := t.index[r]
		if !ok {
			id = UnknownID
		}
		ids = append(ids, id)
	}
	ids = append(ids, EndID)
	for len(ids) < t.maxLen {
		ids = append(ids, PadID)
	}
	return ids
}

// Decode maps ids back to their characters. Out-of-range ids decode to the
// unknown character.
func (t *Table) Decode(ids []int) string {
	var b strings.Builder
	for _, id := range ids {
		if id < 0 || id >= len(chars) {
			b.WriteRune(chars[UnknownID])
			continue
		}
		b.WriteRune(chars[id])
	}
	return b.String()
}
