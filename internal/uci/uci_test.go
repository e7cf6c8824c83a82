package uci

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseInfoFullLine(t *testing.T) {
	a := assert.New(t)

	f := ParseInfo("info depth 24 seldepth 31 multipv 1 score cp 35 nodes 8430111 nps 1520000 hashfull 412 tbhits 0 time 5544 pv e2e4 e7e5 g1f3 b8c6")
	a.Equal(24, f["depth"])
	a.Equal(31, f["seldepth"])
	a.Equal(1, f["multipv"])
	a.Equal(35, f["score_cp"])
	a.Equal(8430111, f["nodes"])
	a.Equal(1520000, f["nps"])
	a.Equal("e2e4 e7e5 g1f3 b8c6", f["pv"])
	a.NotContains(f, "score_mate")
	a.NotContains(f, "hashfull")
	a.NotContains(f, "time")
}

func TestParseInfoMateScore(t *testing.T) {
	a := assert.New(t)

	f := ParseInfo("info depth 12 seldepth 14 score mate -3 nodes 51234 pv h7h8q")
	a.Equal(-3, f["score_mate"])
	a.NotContains(f, "score_cp")
	a.Equal("h7h8q", f["pv"])
}

func TestParseInfoBoundAnnotations(t *testing.T) {
	a := assert.New(t)

	// "lowerbound" trails the score value and must be skipped like any
	// other unknown token.
	f := ParseInfo("info depth 10 score cp 50 lowerbound nodes 777 nps 100")
	a.Equal(50, f["score_cp"])
	a.Equal(777, f["nodes"])
	a.Equal(100, f["nps"])
}

func TestParseInfoCurrmoveOnly(t *testing.T) {
	a := assert.New(t)

	// Progress lines without recognised fields still parse as an info
	// line, just with nothing in it.
	f := ParseInfo("info currmove e2e4 currmovenumber 1")
	a.NotNil(f)
	a.Empty(f)
}

func TestParseInfoTruncatedAndMalformed(t *testing.T) {
	a := assert.New(t)

	f := ParseInfo("info depth")
	a.NotNil(f)
	a.Empty(f)

	f = ParseInfo("info depth twelve nodes 5")
	a.NotContains(f, "depth")
	a.Equal(5, f["nodes"])

	// A bare "pv" with no moves after it contributes nothing.
	f = ParseInfo("info depth 3 pv")
	a.Equal(3, f["depth"])
	a.NotContains(f, "pv")
}

func TestParseInfoRejectsOtherLines(t *testing.T) {
	a := assert.New(t)

	a.Nil(ParseInfo("bestmove e2e4 ponder e7e5"))
	a.Nil(ParseInfo("Stockfish 16 by the Stockfish developers"))
	a.Nil(ParseInfo(""))
	a.Nil(ParseInfo("   "))
	// Prefix alone is not enough, the first token must be "info".
	a.Nil(ParseInfo("information overload"))
}

func TestParseBestmove(t *testing.T) {
	a := assert.New(t)

	move, ok := ParseBestmove("bestmove e2e4")
	a.True(ok)
	a.Equal("e2e4", move)

	move, ok = ParseBestmove("bestmove e2e4 ponder e7e5")
	a.True(ok)
	a.Equal("e2e4", move)

	move, ok = ParseBestmove("bestmove (none)")
	a.True(ok)
	a.Equal("(none)", move)

	_, ok = ParseBestmove("bestmove")
	a.False(ok)

	_, ok = ParseBestmove("uciok")
	a.False(ok)
}
