// Package board is the board-simulation collaborator: it replays one game's
// move-text and yields the position key for the initial setup plus every ply.
package board

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/freeeve/pgn/v3"
)

// StartingKey is the position key of the unmodified initial setup.
const StartingKey = "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq -"

// moveNumberRegex matches move numbers like "1." or "12..."
var moveNumberRegex = regexp.MustCompile(`\d+\.+\s*`)

// Key returns the position key for a game state: the FEN truncated to its
// first four fields (placement, side to move, castling, en passant). Move
// counters are excluded so transpositions within a game collapse to one key.
func Key(gs *pgn.GameState) string {
	fen := gs.ToFEN()
	fields := 0
	for i := 0; i < len(fen); i++ {
		if fen[i] == ' ' {
			fields++
			if fields == 4 {
				return fen[:i]
			}
		}
	}
	return fen
}

// GamePositions replays move-text like
// "1. e4 { [%eval 0.2] } 1... e5 2. Nf3 Nc6 1-0" and returns the starting
// key plus the key after every ply, in order. Clock/eval comments, NAGs,
// annotation suffixes and the result token are skipped. On an unparseable
// move the keys collected so far are returned along with the error.
func GamePositions(movetext string) ([]string, error) {
	gs := pgn.NewStartingPosition()
	keys := []string{Key(gs)}

	cleaned := moveNumberRegex.ReplaceAllString(stripComments(movetext), "")
	for _, token := range strings.Fields(cleaned) {
		san := cleanSAN(token)
		if san == "" {
			continue
		}
		mv, err := pgn.ParseSAN(gs, san)
		if err != nil {
			return keys, fmt.Errorf("parse %q: %w", san, err)
		}
		if err := pgn.ApplyMove(gs, mv); err != nil {
			return keys, fmt.Errorf("apply %q: %w", san, err)
		}
		keys = append(keys, Key(gs))
	}
	return keys, nil
}

// stripComments removes { ... } comment blocks (lichess clock and eval
// annotations). PGN comments do not nest.
func stripComments(s string) string {
	if !strings.ContainsRune(s, '{') {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	inComment := false
	for i := 0; i < len(s); i++ {
		switch {
		case inComment:
			if s[i] == '}' {
				inComment = false
			}
		case s[i] == '{':
			inComment = true
		default:
			b.WriteByte(s[i])
		}
	}
	return b.String()
}

// cleanSAN strips annotation glyphs from a token and drops non-move tokens
// (NAGs, result markers, stray punctuation).
func cleanSAN(token string) string {
	switch token {
	case "1-0", "0-1", "1/2-1/2", "*":
		return ""
	}
	if token[0] == '$' {
		return ""
	}
	san := strings.TrimRight(token, "+#!?")
	if san == "" {
		return ""
	}
	return san
}
