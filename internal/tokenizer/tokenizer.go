package tokenizer

import (
	queue "github.com/emirpasic/gods/queues/priorityqueue"

	"github.com/arbalest-llm/arbalest/internal/ggml"
)

// utf8Len returns the byte length of the UTF-8 code point starting
// with b, by the high nibble of its first byte. Continuation bytes
// (high nibble 8 to B) classify as 1 so malformed input degrades to
// per-byte symbols instead of failing.
var utf8LenTable = [16]int{1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 2, 2, 3, 4}

func utf8Len(b byte) int {
	return utf8LenTable[b>>4]
}

// ByteFallbackOffset maps a raw byte to its token id: byte + 3.
const ByteFallbackOffset = 3

// symbol is one node of the working doubly-linked list over the input.
// A merged-away symbol has n == 0.
type symbol struct {
	prev, next int
	off, n     int
}

// bigram is a pending merge candidate. size freezes the combined
// length at enqueue time so stale entries can be detected after one
// side has been merged into something else.
type bigram struct {
	left, right int
	score       float32
	size        int
}

// Tokenizer runs the score-maximizing merge over a scored vocabulary.
type Tokenizer struct {
	vocab *ggml.Vocab
}

func New(vocab *ggml.Vocab) *Tokenizer {
	return &Tokenizer{vocab: vocab}
}

// Tokenize encodes text. With bos, the result starts with the BOS id
// regardless of content.
func (t *Tokenizer) Tokenize(text string, bos bool) []int32 {
	var output []int32
	if bos {
		output = append(output, ggml.TokenBOS)
	}
	if len(text) == 0 {
		return output
	}

	// split into UTF-8 code points
	var symbols []symbol
	for offs := 0; offs < len(text); {
		n := utf8Len(text[offs])
		if n > len(text)-offs {
			n = len(text) - offs
		}
		idx := len(symbols)
		next := idx + 1
		if offs+n == len(text) {
			next = -1
		}
		symbols = append(symbols, symbol{prev: idx - 1, next: next, off: offs, n: n})
		offs += n
	}

	// highest score first, ties to the leftmost pair
	work := queue.NewWith(func(a, b interface{}) int {
		x, y := a.(*bigram), b.(*bigram)
		switch {
		case x.score > y.score:
			return -1
		case x.score < y.score:
			return 1
		case x.left < y.left:
			return -1
		case x.left > y.left:
			return 1
		}
		return 0
	})

	tryAdd := func(left, right int) {
		if left == -1 || right == -1 {
			return
		}
		merged := text[symbols[left].off : symbols[right].off+symbols[right].n]
		id, ok := t.vocab.TokenToID[merged]
		if !ok || int(id) >= len(t.vocab.IDToToken) {
			return
		}
		work.Enqueue(&bigram{
			left:  left,
			right: right,
			score: t.vocab.IDToToken[id].Score,
			size:  len(merged),
		})
	}

	for i := 1; i < len(symbols); i++ {
		tryAdd(i-1, i)
	}

	// keep substituting the highest scoring pairs for as long as we can
	for !work.Empty() {
		v, _ := work.Dequeue()
		bg := v.(*bigram)
		left := &symbols[bg.left]
		right := &symbols[bg.right]

		// one side already merged away, or the pair is stale
		if left.n == 0 || right.n == 0 || left.n+right.n != bg.size {
			continue
		}

		left.n += right.n
		right.n = 0

		left.next = right.next
		if right.next >= 0 {
			symbols[right.next].prev = bg.left
		}

		tryAdd(left.prev, bg.left)
		tryAdd(bg.left, left.next)
	}

	for i := 0; i != -1; i = symbols[i].next {
		sym := symbols[i]
		piece := text[sym.off : sym.off+sym.n]
		if id, ok := t.vocab.TokenToID[piece]; ok {
			output = append(output, id)
			continue
		}
		// unknown pieces fall back to raw bytes
		for j := 0; j < sym.n; j++ {
			output = append(output, int32(piece[j])+ByteFallbackOffset)
		}
	}
	return output
}

// TokenToStr returns the bytes of a token id, or "" when out of range.
func (t *Tokenizer) TokenToStr(id int32) string {
	if id < 0 || int(id) >= len(t.vocab.IDToToken) {
		return ""
	}
	return t.vocab.IDToToken[id].Text
}
