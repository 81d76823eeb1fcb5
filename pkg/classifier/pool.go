package classifier

import "github.com/tagsift/tagsift/pkg/domain"

// Pool accumulates token frequencies across a set of documents. Training
// builds one pool from positive examples and one from negative examples; a
// third pool of random cache content serves as background noise.
type Pool struct {
	tokens domain.TokenSet
	total  int
}

// NewPool creates an empty pool
func NewPool() *Pool {
	return &Pool{tokens: domain.TokenSet{}}
}

// Add merges a document's token set into the pool
func (p *Pool) Add(tokens domain.TokenSet) {
	for token, freq := range tokens {
		p.tokens[token] += freq
		p.total += freq
	}
}

// Frequency returns the pooled frequency of a token, zero if absent
func (p *Pool) Frequency(token string) int {
	if p == nil {
		return 0
	}
	return p.tokens[token]
}

// Total returns the sum of all token frequencies in the pool
func (p *Pool) Total() int {
	if p == nil {
		return 0
	}
	return p.total
}

// Size returns the number of distinct tokens
func (p *Pool) Size() int {
	if p == nil {
		return 0
	}
	return len(p.tokens)
}

func (p *Pool) each(fn func(token string)) {
	if p == nil {
		return
	}
	for token := range p.tokens {
		fn(token)
	}
}
