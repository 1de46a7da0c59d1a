package sampler

import (
	"math"
	"math/rand"
	"sort"
)

// TokenData is one sampling candidate.
type TokenData struct {
	ID    int32
	Logit float32
	P     float32
}

// TokenDataArray is the candidate set the ring of samplers whittles
// down. Sorted tracks descending-logit order so repeated samplers can
// skip the sort.
type TokenDataArray struct {
	Data   []TokenData
	Sorted bool
}

func NewTokenDataArray(logits []float32) *TokenDataArray {
	data := make([]TokenData, len(logits))
	for i, l := range logits {
		data[i] = TokenData{ID: int32(i), Logit: l}
	}
	return &TokenDataArray{Data: data}
}

func (c *TokenDataArray) sortByLogit() {
	if c.Sorted {
		return
	}
	sort.SliceStable(c.Data, func(i, j int) bool {
		return c.Data[i].Logit > c.Data[j].Logit
	})
	c.Sorted = true
}

// Softmax sorts descending and fills P with exp-normalized logits.
func Softmax(c *TokenDataArray) {
	c.sortByLogit()
	maxL := c.Data[0].Logit
	var cum float64
	for i := range c.Data {
		p := math.Exp(float64(c.Data[i].Logit - maxL))
		c.Data[i].P = float32(p)
		cum += p
	}
	for i := range c.Data {
		c.Data[i].P /= float32(cum)
	}
}

// TopK keeps the k best candidates, never fewer than minKeep.
func TopK(c *TokenDataArray, k, minKeep int) {
	if k < minKeep {
		k = minKeep
	}
	if k > len(c.Data) {
		k = len(c.Data)
	}
	c.sortByLogit()
	c.Data = c.Data[:k]
}

// TopP keeps the smallest prefix with cumulative probability >= p.
func TopP(c *TokenDataArray, p float32, minKeep int) {
	if p >= 1 {
		return
	}
	Softmax(c)
	var cum float32
	last := len(c.Data)
	for i := range c.Data {
		cum += c.Data[i].P
		if cum >= p && i+1 >= minKeep {
			last = i + 1
			break
		}
	}
	c.Data = c.Data[:last]
}

// TailFree prunes the flat tail by the normalized second derivative of
// the sorted probability curve.
func TailFree(c *TokenDataArray, z float32, minKeep int) {
	if z >= 1 || len(c.Data) <= 2 {
		return
	}
	Softmax(c)

	first := make([]float32, len(c.Data)-1)
	for i := range first {
		first[i] = c.Data[i].P - c.Data[i+1].P
	}
	second := make([]float32, len(first)-1)
	var sum float32
	for i := range second {
		second[i] = float32(math.Abs(float64(first[i] - first[i+1])))
		sum += second[i]
	}
	if sum > 0 {
		for i := range second {
			second[i] /= sum
		}
	}

	var cum float32
	last := len(c.Data)
	for i := range second {
		cum += second[i]
		if cum > z && i+1 >= minKeep {
			last = i + 1
			break
		}
	}
	c.Data = c.Data[:last]
}

// Typical keeps candidates whose surprise is closest to the entropy of
// the distribution (locally typical sampling).
func Typical(c *TokenDataArray, p float32, minKeep int) {
	if p >= 1 {
		return
	}
	Softmax(c)

	var entropy float64
	for _, d := range c.Data {
		if d.P > 0 {
			entropy += -float64(d.P) * math.Log(float64(d.P))
		}
	}

	shifted := make([]float64, len(c.Data))
	for i, d := range c.Data {
		shifted[i] = math.Abs(-math.Log(float64(d.P)) - entropy)
	}
	idx := make([]int, len(c.Data))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return shifted[idx[a]] < shifted[idx[b]] })

	var cum float32
	last := len(idx)
	for i, j := range idx {
		cum += c.Data[j].P
		if cum >= p && i+1 >= minKeep {
			last = i + 1
			break
		}
	}

	kept := make([]TokenData, last)
	for i := 0; i < last; i++ {
		kept[i] = c.Data[idx[i]]
	}
	c.Data = kept
	c.Sorted = false
}

func Temperature(c *TokenDataArray, temp float32) {
	for i := range c.Data {
		c.Data[i].Logit /= temp
	}
}

// RepetitionPenalty dampens tokens present in lastTokens: negative
// logits are multiplied by the penalty, positive ones divided, so the
// token always becomes less likely.
func RepetitionPenalty(c *TokenDataArray, lastTokens []int32, penalty float32) {
	if len(lastTokens) == 0 || penalty == 1 {
		return
	}
	seen := make(map[int32]struct{}, len(lastTokens))
	for _, id := range lastTokens {
		seen[id] = struct{}{}
	}
	for i := range c.Data {
		if _, ok := seen[c.Data[i].ID]; !ok {
			continue
		}
		if c.Data[i].Logit <= 0 {
			c.Data[i].Logit *= penalty
		} else {
			c.Data[i].Logit /= penalty
		}
	}
	c.Sorted = false
}

// FrequencyAndPresencePenalties applies OpenAI-style additive
// penalties by occurrence count in lastTokens.
func FrequencyAndPresencePenalties(c *TokenDataArray, lastTokens []int32, alphaFrequency, alphaPresence float32) {
	if len(lastTokens) == 0 || (alphaFrequency == 0 && alphaPresence == 0) {
		return
	}
	counts := make(map[int32]int, len(lastTokens))
	for _, id := range lastTokens {
		counts[id]++
	}
	for i := range c.Data {
		n, ok := counts[c.Data[i].ID]
		if !ok {
			continue
		}
		c.Data[i].Logit -= float32(n)*alphaFrequency + alphaPresence
	}
	c.Sorted = false
}

// ClassifierFreeGuidance steers logits away from an unconditional
// (guidance) pass: l' = g + scale*(l - g).
func ClassifierFreeGuidance(logits, guidanceLogits []float32, scale float32) {
	for i := range logits {
		logits[i] = guidanceLogits[i] + scale*(logits[i]-guidanceLogits[i])
	}
}

// Greedy returns the id of the highest logit.
func Greedy(c *TokenDataArray) int32 {
	best := 0
	for i := 1; i < len(c.Data); i++ {
		if c.Data[i].Logit > c.Data[best].Logit {
			best = i
		}
	}
	return c.Data[best].ID
}

// Token samples from the candidate distribution with the context RNG.
func Token(c *TokenDataArray, rng *rand.Rand) int32 {
	Softmax(c)
	r := rng.Float64()
	var cum float64
	for _, d := range c.Data {
		cum += float64(d.P)
		if r < cum {
			return d.ID
		}
	}
	return c.Data[len(c.Data)-1].ID
}

// Mirostat (v1) targets a constant surprise tau, adapting mu by eta.
// m is the candidate count used to estimate the Zipf exponent, nVocab
// the full vocabulary size.
func Mirostat(c *TokenDataArray, rng *rand.Rand, tau, eta float32, m int, nVocab int, mu *float32) int32 {
	Softmax(c)

	var sumTiBi, sumTiSq float64
	for i := 0; i < m-1 && i < len(c.Data)-1; i++ {
		ti := math.Log(float64(i+2) / float64(i+1))
		bi := math.Log(float64(c.Data[i].P) / float64(c.Data[i+1].P))
		sumTiBi += ti * bi
		sumTiSq += ti * ti
	}
	sHat := sumTiBi / sumTiSq

	epsilonHat := sHat - 1
	k := math.Pow(
		(epsilonHat*math.Pow(2, float64(*mu)))/(1-math.Pow(float64(nVocab), -epsilonHat)),
		1/sHat)

	TopK(c, int(k), 1)
	token := Token(c, rng)

	observed := observedSurprise(c, token)
	*mu -= eta * (observed - tau)
	return token
}

// MirostatV2 truncates to candidates under the current surprise budget
// and adapts mu from the sampled token.
func MirostatV2(c *TokenDataArray, rng *rand.Rand, tau, eta float32, mu *float32) int32 {
	Softmax(c)

	keep := len(c.Data)
	for i, d := range c.Data {
		if float32(-math.Log2(float64(d.P))) > *mu && i > 0 {
			keep = i
			break
		}
	}
	c.Data = c.Data[:keep]

	Softmax(c)
	token := Token(c, rng)

	observed := observedSurprise(c, token)
	*mu -= eta * (observed - tau)
	return token
}

func observedSurprise(c *TokenDataArray, token int32) float32 {
	for _, d := range c.Data {
		if d.ID == token {
			return float32(-math.Log2(float64(d.P)))
		}
	}
	return 0
}
