package poll

// ResolveWinner returns the option index with the most votes. Ties go to the
// lowest index and an empty tally yields option 0.
func ResolveWinner(tally map[int]int64) int {
	winner := 0
	var best int64 = -1

	for idx, count := range tally {
		if count > best || (count == best && idx < winner) {
			winner = idx
			best = count
		}
	}

	return winner
}
