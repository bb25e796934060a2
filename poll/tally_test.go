package poll

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolveWinner(t *testing.T) {
	tests := []struct {
		name  string
		tally map[int]int64
		want  int
	}{
		{name: "empty", tally: map[int]int64{}, want: 0},
		{name: "nil", tally: nil, want: 0},
		{name: "no votes", tally: map[int]int64{0: 0, 1: 0, 2: 0}, want: 0},
		{name: "clear winner", tally: map[int]int64{0: 1, 1: 3, 2: 0}, want: 1},
		{name: "tie goes to lowest index", tally: map[int]int64{0: 1, 1: 4, 2: 4, 3: 4}, want: 1},
		{name: "tie between last options", tally: map[int]int64{0: 0, 3: 2, 2: 2}, want: 2},
		{name: "single option", tally: map[int]int64{4: 0}, want: 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ResolveWinner(tt.tally))
		})
	}
}

func TestResolveWinnerIsStable(t *testing.T) {
	tally := map[int]int64{}
	for i := 0; i < 10; i++ {
		tally[i] = 7
	}

	for i := 0; i < 100; i++ {
		assert.Equal(t, 0, ResolveWinner(tally))
	}
}
