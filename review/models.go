package review

import "time"

const (
	MinRating = 1
	MaxRating = 5
)

// Review is one party's rating of the other after a completed deal.
type Review struct {
	ID         int64
	DealID     int64
	ReviewerID int64
	RevieweeID int64
	Rating     int
	Comment    string
	CreatedAt  time.Time
}

// Stats summarizes the reviews a party has received.
type Stats struct {
	Count   int
	Average float64
	Recent  []Review
}
