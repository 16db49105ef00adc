// Package chessrules is the reference ChessEngine: a thin, pure,
// deterministic wrapper over github.com/corentings/chess/v2 (the
// teacher's move-legality dependency) exposing exactly the narrow
// interface spec.md §4.1 names. No I/O, no state beyond what's passed
// in — GameCore owns replay and persistence.
package chessrules

import (
	"errors"
	"fmt"
	"strings"

	nchess "github.com/corentings/chess/v2"
)

var (
	ErrIllegalMove  = errors.New("illegal move")
	ErrMalformedFEN = errors.New("malformed FEN")
)

// State wraps a *nchess.Game snapshot. It is not safe to mutate
// concurrently; callers reconstruct a fresh State per operation from
// the authoritative move list, matching GameCore's replay-per-call
// design.
type State struct {
	game *nchess.Game
}

// AppliedMove is the result of a successful ApplyMove.
type AppliedMove struct {
	SAN       string
	From      string
	To        string
	Piece     string
	Captured  string
	Promotion string
	NewFEN    string
	NewPGN    string
}

// TerminalReason mirrors spec.md's terminal() classification.
type TerminalReason string

const (
	ReasonNone                 TerminalReason = ""
	ReasonCheckmate            TerminalReason = "checkmate"
	ReasonStalemate            TerminalReason = "stalemate"
	ReasonThreefold            TerminalReason = "threefold"
	ReasonInsufficientMaterial TerminalReason = "insufficient_material"
	ReasonFiftyMove            TerminalReason = "fifty_move"
)

// TerminalStatus is the result of the terminal() classification.
type TerminalStatus struct {
	Over    bool
	Reason  TerminalReason
	InCheck bool
}

const StartFEN = "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1"

// LoadFEN parses a FEN string into a State.
func LoadFEN(fen string) (*State, error) {
	fen = strings.TrimSpace(fen)
	if fen == "" {
		fen = StartFEN
	}
	fenFunc, err := nchess.FEN(fen)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFEN, err)
	}
	g := nchess.NewGame(fenFunc)
	if g == nil {
		return nil, ErrMalformedFEN
	}
	return &State{game: g}, nil
}

// ReplayUCI reconstructs a State from the standard start position by
// applying a sequence of UCI moves. GameCore's LiveGame replay uses
// ReplaySAN, since moves are stored as SAN; this UCI variant lets a
// position be rebuilt from UCI move lists as well.
func ReplayUCI(moves []string) (*State, error) {
	g := nchess.NewGame()
	notation := nchess.UCINotation{}
	for _, mv := range moves {
		pos := g.Position()
		move, err := notation.Decode(pos, strings.ToLower(strings.TrimSpace(mv)))
		if err != nil {
			return nil, fmt.Errorf("%w: replay move %q: %v", ErrIllegalMove, mv, err)
		}
		if err := g.Move(move, nil); err != nil {
			return nil, fmt.Errorf("%w: replay move %q: %v", ErrIllegalMove, mv, err)
		}
	}
	return &State{game: g}, nil
}

// ReplaySAN reconstructs a State from initialFEN by applying a
// sequence of SAN moves, matching invariant §3: "replay of g.moves
// from g.initialFEN must equal the stored pgn".
func ReplaySAN(initialFEN string, sans []string) (*State, error) {
	st, err := LoadFEN(initialFEN)
	if err != nil {
		return nil, err
	}
	notation := nchess.AlgebraicNotation{}
	for _, san := range sans {
		pos := st.game.Position()
		move, err := notation.Decode(pos, strings.TrimSpace(san))
		if err != nil {
			return nil, fmt.Errorf("%w: replay san %q: %v", ErrIllegalMove, san, err)
		}
		if err := st.game.Move(move, nil); err != nil {
			return nil, fmt.Errorf("%w: replay san %q: %v", ErrIllegalMove, san, err)
		}
	}
	return st, nil
}

// ApplyMove parses san (or, failing that, uci) against the state's
// current position and applies it, returning the encoded result.
func ApplyMove(st *State, moveStr string) (AppliedMove, error) {
	if st == nil || st.game == nil {
		return AppliedMove{}, fmt.Errorf("%w: nil state", ErrIllegalMove)
	}
	raw := strings.TrimSpace(moveStr)
	if raw == "" {
		return AppliedMove{}, fmt.Errorf("%w: empty move", ErrIllegalMove)
	}
	pos := st.game.Position()

	var move *nchess.Move
	sanNotation := nchess.AlgebraicNotation{}
	if mv, err := sanNotation.Decode(pos, raw); err == nil {
		move = mv
	} else if mv, err := (nchess.UCINotation{}).Decode(pos, strings.ToLower(raw)); err == nil {
		move = mv
	} else {
		return AppliedMove{}, fmt.Errorf("%w: %v", ErrIllegalMove, err)
	}

	san := sanNotation.Encode(pos, move)
	from := move.S1().String()
	to := move.S2().String()
	piece := ""
	if p := pos.Board().Piece(move.S1()); p != nchess.NoPiece {
		piece = p.String()
	}
	captured := ""
	if p := pos.Board().Piece(move.S2()); p != nchess.NoPiece {
		captured = p.String()
	}
	promotion := ""
	if move.Promo() != nchess.NoPieceType {
		promotion = move.Promo().String()
	}

	if err := st.game.Move(move, nil); err != nil {
		return AppliedMove{}, fmt.Errorf("%w: %v", ErrIllegalMove, err)
	}

	return AppliedMove{
		SAN:       san,
		From:      from,
		To:        to,
		Piece:     piece,
		Captured:  captured,
		Promotion: promotion,
		NewFEN:    st.game.FEN(),
		NewPGN:    st.game.String(),
	}, nil
}

// Turn returns the side to move.
func Turn(st *State) string {
	if st == nil || st.game == nil {
		return ""
	}
	if st.game.Position().Turn() == nchess.White {
		return "white"
	}
	return "black"
}

// LegalMoves returns every legal SAN move from the current position.
func LegalMoves(st *State) []string {
	if st == nil || st.game == nil {
		return nil
	}
	pos := st.game.Position()
	valid := pos.ValidMoves()
	notation := nchess.AlgebraicNotation{}
	out := make([]string, 0, len(valid))
	for _, mv := range valid {
		out = append(out, notation.Encode(pos, &mv))
	}
	return out
}

// Terminal classifies whether the position is game-over.
func Terminal(st *State) TerminalStatus {
	if st == nil || st.game == nil {
		return TerminalStatus{}
	}
	inCheck := false
	if moves := st.game.Moves(); len(moves) > 0 {
		inCheck = moves[len(moves)-1].HasTag(nchess.Check)
	}

	switch st.game.Outcome() {
	case nchess.NoOutcome:
		return TerminalStatus{Over: false, InCheck: inCheck}
	case nchess.Draw:
		switch st.game.Method() {
		case nchess.ThreefoldRepetition:
			return TerminalStatus{Over: true, Reason: ReasonThreefold, InCheck: inCheck}
		case nchess.FiftyMoveRule:
			return TerminalStatus{Over: true, Reason: ReasonFiftyMove, InCheck: inCheck}
		case nchess.InsufficientMaterial:
			return TerminalStatus{Over: true, Reason: ReasonInsufficientMaterial, InCheck: inCheck}
		case nchess.Stalemate:
			return TerminalStatus{Over: true, Reason: ReasonStalemate, InCheck: inCheck}
		default:
			return TerminalStatus{Over: true, Reason: ReasonStalemate, InCheck: inCheck}
		}
	default: // WhiteWon / BlackWon
		return TerminalStatus{Over: true, Reason: ReasonCheckmate, InCheck: inCheck}
	}
}

// Winner returns "white"/"black"/"" (empty meaning draw or ongoing).
func Winner(st *State) string {
	if st == nil || st.game == nil {
		return ""
	}
	switch st.game.Outcome() {
	case nchess.WhiteWon:
		return "white"
	case nchess.BlackWon:
		return "black"
	default:
		return ""
	}
}

// FEN returns the current position's FEN.
func FEN(st *State) string {
	if st == nil || st.game == nil {
		return ""
	}
	return st.game.FEN()
}

// PGN returns the current game's move text.
func PGN(st *State) string {
	if st == nil || st.game == nil {
		return ""
	}
	return st.game.String()
}
