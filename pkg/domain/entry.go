package domain

import "time"

// Entry represents a syndicated item held in the item cache. FullID is the
// stable external identifier; ID is the internal numeric id assigned on first
// insert and stable across updates.
type Entry struct {
	ID              int64     `db:"id"`
	FullID          string    `db:"full_id"`
	FeedID          int64     `db:"feed_id"`
	Content         string    `db:"content"`
	Updated         time.Time `db:"updated"`
	CreatedAt       time.Time `db:"created_at"`
	TokenGeneration int64     `db:"token_generation"`
	Tokenized       bool      `db:"tokenized"`
}

// Feed groups entries; deleting a feed does not cascade to its entries
type Feed struct {
	ID        int64     `db:"id"`
	Title     string    `db:"title"`
	CreatedAt time.Time `db:"created_at"`
}

// Token is a single tokenizer output with its in-document frequency
type Token struct {
	Text      string `db:"token" json:"token"`
	Frequency int    `db:"frequency" json:"frequency"`
}

// TokenSet is the tokenizer output for one entry, keyed by token text
type TokenSet map[string]int

// Total returns the sum of all token frequencies
func (ts TokenSet) Total() int {
	total := 0
	for _, f := range ts {
		total += f
	}
	return total
}
