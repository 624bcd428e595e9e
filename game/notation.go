package game

import (
	"errors"
	"fmt"
	"strings"
)

var ErrBadNotation = errors.New("position must be a row letter a-o followed by a column letter A-O")

// Notation renders the move as a lowercase row letter followed by an
// uppercase column letter, e.g. "hH" for the center.
func (m Move) Notation() string {
	if !m.Valid() {
		return "??"
	}
	return string([]byte{byte('a' + m.Row), byte('A' + m.Col)})
}

// ParseMove reads a position in Notation form. Non-letters are ignored so
// "h H\n" parses like "hH".
func ParseMove(s string) (Move, error) {
	letters := make([]byte, 0, 2)
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') {
			letters = append(letters, c)
		}
	}
	if len(letters) != 2 {
		return Move{}, fmt.Errorf("%q: %w", strings.TrimSpace(s), ErrBadNotation)
	}
	m := Move{Row: int(letters[0]) - 'a', Col: int(letters[1]) - 'A'}
	if !m.Valid() {
		return Move{}, fmt.Errorf("%q: %w", strings.TrimSpace(s), ErrBadNotation)
	}
	return m, nil
}
