package domain

import "math"

// Clue is a token-level contribution to a classification decision
type Clue struct {
	Token       string  `json:"clue"`
	Probability float64 `json:"prob"`
}

// Strength is the distance of the clue's probability from indifference;
// stronger clues dominate the chi-square combination
func (c Clue) Strength() float64 {
	return math.Abs(0.5 - c.Probability)
}
