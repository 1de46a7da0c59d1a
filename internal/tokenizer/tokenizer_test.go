package tokenizer

import (
	"testing"

	"github.com/arbalest-llm/arbalest/internal/ggml"
)

// buildVocab assembles a scored vocabulary with the fixed specials at
// ids 0..2 and byte tokens at byte+3, then the given entries.
func buildVocab(entries map[string]float32) *ggml.Vocab {
	v := &ggml.Vocab{TokenToID: make(map[string]int32)}
	add := func(text string, score float32) int32 {
		id := int32(len(v.IDToToken))
		v.IDToToken = append(v.IDToToken, ggml.TokenScore{Text: text, Score: score})
		if _, dup := v.TokenToID[text]; !dup {
			v.TokenToID[text] = id
		}
		return id
	}
	add("<unk>", 0)
	add("<s>", 0)
	add("</s>", 0)
	for b := 0; b < 256; b++ {
		add(string([]byte{byte(b)}), 0)
	}
	for text, score := range entries {
		add(text, score)
	}
	return v
}

func idOf(t *testing.T, v *ggml.Vocab, text string) int32 {
	t.Helper()
	id, ok := v.TokenToID[text]
	if !ok {
		t.Fatalf("vocab entry %q missing", text)
	}
	return id
}

func TestUTF8LenTable(t *testing.T) {
	tests := []struct {
		b    byte
		want int
	}{
		{0x00, 1},
		{'a', 1},
		{0x7F, 1},
		{0xBF, 1}, // continuation byte degrades to 1
		{0xC3, 2},
		{0xDF, 2},
		{0xE2, 3},
		{0xEF, 3},
		{0xF0, 4},
	}
	for _, tt := range tests {
		if got := utf8Len(tt.b); got != tt.want {
			t.Errorf("utf8Len(%#x) = %d, want %d", tt.b, got, tt.want)
		}
		if n := utf8Len(tt.b); n < 1 || n > 4 {
			t.Errorf("utf8Len(%#x) = %d out of range", tt.b, n)
		}
	}
}

func TestByteFallback(t *testing.T) {
	// scenario: "a" and "b" are known, 0x01 is not a merge target
	v := buildVocab(map[string]float32{})
	// "a" and "b" have no tokens of their own beyond the byte tokens, so
	// name lookup finds them at their byte ids
	tok := New(v)

	ids := tok.Tokenize("a\x01b", false)
	want := []int32{int32('a') + 3, 0x01 + 3, int32('b') + 3}
	if len(ids) != len(want) {
		t.Fatalf("ids = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("ids = %v, want %v", ids, want)
		}
	}
}

func TestMergeAppliesLowScorePair(t *testing.T) {
	// "ab" exists with a low score; the single-step merge still wins
	// over emitting "a" and "b" because final symbols emit merged text
	v := buildVocab(map[string]float32{"ab": -1})
	tok := New(v)

	ids := tok.Tokenize("ab", false)
	if len(ids) != 1 || ids[0] != idOf(t, v, "ab") {
		t.Fatalf("ids = %v, want [%d]", ids, idOf(t, v, "ab"))
	}
}

func TestMergeOrderByScore(t *testing.T) {
	// "hello" (-1) outranks "he" (-2) and "llo" (-3): the merge chain
	// must reach the single best token
	v := buildVocab(map[string]float32{
		"he":    -2,
		"llo":   -3,
		"hello": -1,
		"hel":   -4,
		"lo":    -5,
		"ll":    -6,
		"el":    -7,
	})
	tok := New(v)

	ids := tok.Tokenize("hello", false)
	if len(ids) != 1 || ids[0] != idOf(t, v, "hello") {
		t.Fatalf("ids = %v, want [%d] (hello)", ids, idOf(t, v, "hello"))
	}
}

func TestRoundTripBytes(t *testing.T) {
	v := buildVocab(map[string]float32{
		"he": -2, "llo": -3, "hello": -1, "wor": -2, "ld": -2,
	})
	tok := New(v)

	tests := []string{
		"",
		"hello",
		"hello world",
		"caf\xc3\xa9",       // é
		"\xe2\x82\xac10",    // €10
		"\xf0\x9f\x99\x82!", // emoji
		"line\nbreak",
		"\x00\x01\x02",
	}
	for _, text := range tests {
		ids := tok.Tokenize(text, false)
		var sb []byte
		for _, id := range ids {
			sb = append(sb, tok.TokenToStr(id)...)
		}
		if string(sb) != text {
			t.Errorf("round trip of %q = %q via %v", text, sb, ids)
		}
	}
}

func TestBOSInjection(t *testing.T) {
	v := buildVocab(nil)
	tok := New(v)

	ids := tok.Tokenize("abc", true)
	if len(ids) == 0 || ids[0] != ggml.TokenBOS {
		t.Fatalf("ids = %v, want BOS first", ids)
	}
	if ids2 := tok.Tokenize("", true); len(ids2) != 1 || ids2[0] != ggml.TokenBOS {
		t.Fatalf("empty input with bos = %v", ids2)
	}
	if ids3 := tok.Tokenize("", false); len(ids3) != 0 {
		t.Fatalf("empty input = %v, want none", ids3)
	}
}

func TestStaleCandidateSkipped(t *testing.T) {
	// "ab" and "bc" both exist; after "ab" merges (higher score), the
	// queued "bc" candidate is stale and must be skipped
	v := buildVocab(map[string]float32{
		"ab": -1,
		"bc": -2,
	})
	tok := New(v)

	ids := tok.Tokenize("abc", false)
	want := []int32{idOf(t, v, "ab"), int32('c') + 3}
	if len(ids) != 2 || ids[0] != want[0] || ids[1] != want[1] {
		t.Fatalf("ids = %v, want %v", ids, want)
	}
}

func TestFixedTokenIDs(t *testing.T) {
	if ggml.TokenBOS != 1 || ggml.TokenEOS != 2 || ggml.TokenNL != 13 {
		t.Fatalf("fixed token ids changed: bos=%d eos=%d nl=%d",
			ggml.TokenBOS, ggml.TokenEOS, ggml.TokenNL)
	}
}
