package coordinator

import "math"

const eloK = 32

// Delta returns the rating points the winner gains and the loser loses.
// Standard logistic expected score on the 400-point scale, K=32, rounded to
// the nearest integer. Always >= 0 and symmetric by construction.
func Delta(winnerRating, loserRating int) int {
	expected := 1 / (1 + math.Pow(10, float64(loserRating-winnerRating)/400))
	return int(math.Round(eloK * (1 - expected)))
}
