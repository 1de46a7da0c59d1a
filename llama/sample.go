package llama

import (
	"time"

	"github.com/arbalest-llm/arbalest/internal/sampler"
)

// TokenData and TokenDataArray re-export the sampler candidate types.
type TokenData = sampler.TokenData
type TokenDataArray = sampler.TokenDataArray

// NewCandidates builds the candidate array over the current logits.
func (c *Context) NewCandidates() *TokenDataArray {
	return sampler.NewTokenDataArray(c.logits)
}

func (c *Context) timeSample(f func()) {
	start := time.Now()
	f()
	c.tSampleUs += time.Since(start).Microseconds()
}

// The sampler ring: thin stateless transforms over a candidate array,
// timed against the context's sample counter.

func (c *Context) SampleSoftmax(cands *TokenDataArray) {
	c.timeSample(func() { sampler.Softmax(cands) })
}

func (c *Context) SampleTopK(cands *TokenDataArray, k, minKeep int) {
	c.timeSample(func() { sampler.TopK(cands, k, minKeep) })
}

func (c *Context) SampleTopP(cands *TokenDataArray, p float32, minKeep int) {
	c.timeSample(func() { sampler.TopP(cands, p, minKeep) })
}

func (c *Context) SampleTailFree(cands *TokenDataArray, z float32, minKeep int) {
	c.timeSample(func() { sampler.TailFree(cands, z, minKeep) })
}

func (c *Context) SampleTypical(cands *TokenDataArray, p float32, minKeep int) {
	c.timeSample(func() { sampler.Typical(cands, p, minKeep) })
}

func (c *Context) SampleTemperature(cands *TokenDataArray, temp float32) {
	c.timeSample(func() { sampler.Temperature(cands, temp) })
}

func (c *Context) SampleRepetitionPenalty(cands *TokenDataArray, lastTokens []Token, penalty float32) {
	c.timeSample(func() { sampler.RepetitionPenalty(cands, lastTokens, penalty) })
}

func (c *Context) SampleFrequencyAndPresencePenalties(cands *TokenDataArray, lastTokens []Token, alphaFrequency, alphaPresence float32) {
	c.timeSample(func() {
		sampler.FrequencyAndPresencePenalties(cands, lastTokens, alphaFrequency, alphaPresence)
	})
}

// SampleClassifierFreeGuidance mixes this context's logits away from
// the guidance context's logits.
func (c *Context) SampleClassifierFreeGuidance(guidance *Context, scale float32) {
	c.timeSample(func() { sampler.ClassifierFreeGuidance(c.logits, guidance.logits, scale) })
}

func (c *Context) SampleTokenGreedy(cands *TokenDataArray) Token {
	var t Token
	c.timeSample(func() { t = sampler.Greedy(cands) })
	c.nSample++
	return t
}

func (c *Context) SampleToken(cands *TokenDataArray) Token {
	var t Token
	c.timeSample(func() { t = sampler.Token(cands, c.rng) })
	c.nSample++
	return t
}

func (c *Context) SampleTokenMirostat(cands *TokenDataArray, tau, eta float32, m int, mu *float32) Token {
	var t Token
	c.timeSample(func() { t = sampler.Mirostat(cands, c.rng, tau, eta, m, c.NVocab(), mu) })
	c.nSample++
	return t
}

func (c *Context) SampleTokenMirostatV2(cands *TokenDataArray, tau, eta float32, mu *float32) Token {
	var t Token
	c.timeSample(func() { t = sampler.MirostatV2(cands, c.rng, tau, eta, mu) })
	c.nSample++
	return t
}
