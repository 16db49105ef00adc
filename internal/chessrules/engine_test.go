package chessrules

import (
	"errors"
	"testing"
)

func TestApplyMoveScholarsMateEndsInCheckmate(t *testing.T) {
	st, err := LoadFEN(StartFEN)
	if err != nil {
		t.Fatalf("LoadFEN: %v", err)
	}
	moves := []string{"e4", "e5", "Qh5", "Nc6", "Bc4", "Nf6", "Qxf7"}
	for _, mv := range moves {
		if _, err := ApplyMove(st, mv); err != nil {
			t.Fatalf("ApplyMove(%q): %v", mv, err)
		}
	}
	term := Terminal(st)
	if !term.Over || term.Reason != ReasonCheckmate {
		t.Fatalf("expected checkmate, got %+v", term)
	}
	if Winner(st) != "white" {
		t.Fatalf("expected white to win scholar's mate, got %q", Winner(st))
	}
}

func TestApplyMoveRejectsIllegalMove(t *testing.T) {
	st, err := LoadFEN(StartFEN)
	if err != nil {
		t.Fatalf("LoadFEN: %v", err)
	}
	if _, err := ApplyMove(st, "e5"); err == nil {
		t.Fatal("expected e5 to be illegal as White's first move")
	} else if !errors.Is(err, ErrIllegalMove) {
		t.Fatalf("expected ErrIllegalMove, got %v", err)
	}
}

func TestReplaySANMatchesDirectApplication(t *testing.T) {
	direct, err := LoadFEN(StartFEN)
	if err != nil {
		t.Fatalf("LoadFEN: %v", err)
	}
	sans := []string{}
	for _, mv := range []string{"e4", "e5", "Nf3", "Nc6"} {
		applied, err := ApplyMove(direct, mv)
		if err != nil {
			t.Fatalf("ApplyMove(%q): %v", mv, err)
		}
		sans = append(sans, applied.SAN)
	}

	replayed, err := ReplaySAN(StartFEN, sans)
	if err != nil {
		t.Fatalf("ReplaySAN: %v", err)
	}
	if FEN(replayed) != FEN(direct) {
		t.Fatalf("replayed FEN %q != direct FEN %q", FEN(replayed), FEN(direct))
	}
}

func TestTurnAlternates(t *testing.T) {
	st, _ := LoadFEN(StartFEN)
	if Turn(st) != "white" {
		t.Fatalf("expected white to move first, got %q", Turn(st))
	}
	if _, err := ApplyMove(st, "e4"); err != nil {
		t.Fatalf("ApplyMove: %v", err)
	}
	if Turn(st) != "black" {
		t.Fatalf("expected black to move after 1.e4, got %q", Turn(st))
	}
}

func TestLegalMovesNonEmptyAtStart(t *testing.T) {
	st, _ := LoadFEN(StartFEN)
	moves := LegalMoves(st)
	if len(moves) != 20 {
		t.Fatalf("expected 20 legal moves from the start position, got %d", len(moves))
	}
}

func TestLoadFENRejectsMalformedInput(t *testing.T) {
	if _, err := LoadFEN("not a fen"); err == nil {
		t.Fatal("expected malformed FEN to error")
	} else if !errors.Is(err, ErrMalformedFEN) {
		t.Fatalf("expected ErrMalformedFEN, got %v", err)
	}
}
