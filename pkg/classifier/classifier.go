package classifier

import (
	"math"
	"sort"

	"github.com/tagsift/tagsift/pkg/domain"
)

const (
	// spambayes-style smoothing prior for tokens with little evidence
	unknownWordStrength = 0.45
	unknownWordProb     = 0.5

	// clue selection bounds for scoring
	minClueStrength = 0.1
	maxClues        = 150
)

// Probability estimates how strongly a token indicates tag membership. It is
// the positive-to-negative occurrence ratio pulled toward 0.5 in proportion to
// how little evidence the token has. Bias scales the positive pool's weight.
// The background pool counts as additional negative evidence so that tokens
// common everywhere score near neutral.
func Probability(positive, negative, background *Pool, token string, bias float64) float64 {
	posCount := float64(positive.Frequency(token)) * bias
	negCount := float64(negative.Frequency(token) + background.Frequency(token))
	posTotal := float64(positive.Total()) * bias
	negTotal := float64(negative.Total() + background.Total())

	n := posCount + negCount
	if n <= 0 {
		return unknownWordProb
	}

	var posRatio, negRatio float64
	if posTotal > 0 {
		posRatio = posCount / posTotal
	}
	if negTotal > 0 {
		negRatio = negCount / negTotal
	}
	if posRatio+negRatio == 0 {
		return unknownWordProb
	}

	ratio := posRatio / (posRatio + negRatio)
	return (unknownWordStrength*unknownWordProb + n*ratio) / (unknownWordStrength + n)
}

// Model holds precomputed per-token clue probabilities for one trained tag.
// Once built it is immutable and safe for concurrent use.
type Model struct {
	clues map[string]domain.Clue
}

// NewModel precomputes clue probabilities for every token seen in the
// background, positive or negative pool. The pools are not retained.
func NewModel(positive, negative, background *Pool, bias float64) *Model {
	if bias <= 0 {
		bias = 1.0
	}
	clues := map[string]domain.Clue{}

	add := func(token string) {
		if _, ok := clues[token]; ok {
			return
		}
		clues[token] = domain.Clue{
			Token:       token,
			Probability: Probability(positive, negative, background, token, bias),
		}
	}
	background.each(add)
	positive.each(add)
	negative.each(add)

	return &Model{clues: clues}
}

// selectClues picks the clues for tokens present in the item, strongest
// first, dropping weak clues and capping the count. Ties break on token text
// so scoring is deterministic.
func (m *Model) selectClues(item domain.TokenSet) []domain.Clue {
	selected := make([]domain.Clue, 0, len(item))
	for token := range item {
		clue, ok := m.clues[token]
		if !ok || clue.Strength() < minClueStrength {
			continue
		}
		selected = append(selected, clue)
	}
	sort.Slice(selected, func(i, j int) bool {
		si, sj := selected[i].Strength(), selected[j].Strength()
		if si != sj {
			return si > sj
		}
		return selected[i].Token < selected[j].Token
	})
	if len(selected) > maxClues {
		selected = selected[:maxClues]
	}
	return selected
}

// Classify scores an item's token set against the model, returning the
// probability in [0,1] that the item belongs to the tag. Uses chi-square
// combining of the selected clues, taken from spambayes: the S and H products
// are carried with explicit exponents to avoid underflow on long clue lists.
func (m *Model) Classify(item domain.TokenSet) float64 {
	selected := m.selectClues(item)
	if len(selected) == 0 {
		return unknownWordProb
	}

	h, s := 1.0, 1.0
	hExp, sExp := 0, 0
	for _, clue := range selected {
		s *= 1.0 - clue.Probability
		h *= clue.Probability
		if s < 1e-200 {
			var e int
			s, e = math.Frexp(s)
			sExp += e
		}
		if h < 1e-200 {
			var e int
			h, e = math.Frexp(h)
			hExp += e
		}
	}

	sLog := math.Log(s) + float64(sExp)*math.Ln2
	hLog := math.Log(h) + float64(hExp)*math.Ln2

	n := len(selected)
	sProb := 1.0 - chi2Q(-2.0*sLog, 2*n)
	hProb := 1.0 - chi2Q(-2.0*hLog, 2*n)
	return (sProb - hProb + 1.0) / 2.0
}

// Clues returns the clues the model would use to score the item, strongest
// first. This backs the synchronous clue query endpoint.
func (m *Model) Clues(item domain.TokenSet) []domain.Clue {
	return m.selectClues(item)
}

// chi2Q returns prob(chisq >= x2) with v degrees of freedom.
//
// Algorithm taken from
// http://spambayes.cvs.sourceforge.net/spambayes/spambayes/spambayes/chi2.py?view=markup
func chi2Q(x2 float64, v int) float64 {
	if v <= 0 || v%2 != 0 {
		return -1.0
	}

	m := x2 / 2.0
	sum := math.Exp(-m)
	term := sum
	for i := 1; i <= v/2; i++ {
		term *= m / float64(i)
		sum += term
	}
	if sum > 1.0 {
		sum = 1.0
	}
	return sum
}
