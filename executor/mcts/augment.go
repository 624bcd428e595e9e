package mcts

import "github.com/brensch/sixzero/game"

// Symmetries is the number of board transforms in the dihedral group.
const Symmetries = 8

// transform maps (row, col) through symmetry k: k/2 quarter turns, then a
// mirror across the vertical axis when k is odd.
func transform(k, row, col int) (int, int) {
	const last = game.BoardSize - 1
	for i := 0; i < k/2; i++ {
		row, col = last-col, row
	}
	if k%2 == 1 {
		col = last - col
	}
	return row, col
}

// augment writes the eight transformed copies of b into dst, which must hold
// Symmetries*BoardCapacity cells.
func augment(b *game.Board, dst []float32) {
	for k := 0; k < Symmetries; k++ {
		out := dst[k*game.BoardCapacity : (k+1)*game.BoardCapacity]
		for row := 0; row < game.BoardSize; row++ {
			for col := 0; col < game.BoardSize; col++ {
				r, c := transform(k, row, col)
				out[r*game.BoardSize+c] = float32(b.At(row, col))
			}
		}
	}
}

// recover8 averages the eight transformed policies back into the original
// orientation.
func recover8(policies []float32, dst []float32) {
	clear(dst)
	for k := 0; k < Symmetries; k++ {
		src := policies[k*game.BoardCapacity : (k+1)*game.BoardCapacity]
		for row := 0; row < game.BoardSize; row++ {
			for col := 0; col < game.BoardSize; col++ {
				r, c := transform(k, row, col)
				dst[row*game.BoardSize+col] += src[r*game.BoardSize+c]
			}
		}
	}
	for i := range dst {
		dst[i] /= Symmetries
	}
}
