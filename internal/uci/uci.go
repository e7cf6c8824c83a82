// Package uci parses the subset of UCI engine output the server consumes:
// "info" search updates and the final "bestmove" line.
package uci

import (
	"strconv"
	"strings"
)

// Fields holds the recognised key/value pairs of a single engine line.
// Values are ints and strings when freshly parsed; after a record is
// rehydrated from its stored blob the numbers come back as json.Number,
// so consumers must not assume concrete numeric types.
type Fields map[string]any

// ParseInfo parses an "info" search update. It returns nil when the line
// is not an info line, otherwise a map containing whichever of depth,
// seldepth, multipv, nodes, nps, score_cp, score_mate and pv were present
// and well formed. Unrecognised tokens are skipped, so engine extras like
// hashfull or wdl do not disturb the scan. Everything after the pv keyword
// is the move list.
func ParseInfo(line string) Fields {
	tokens := strings.Fields(line)
	if len(tokens) == 0 || tokens[0] != "info" {
		return nil
	}
	out := Fields{}
	for i := 0; i < len(tokens); i++ {
		switch tok := tokens[i]; tok {
		case "depth", "seldepth", "nodes", "nps", "multipv":
			if i+1 < len(tokens) {
				if v, err := strconv.Atoi(tokens[i+1]); err == nil {
					out[tok] = v
				}
				i++
			}
		case "score":
			if i+2 < len(tokens) {
				if v, err := strconv.Atoi(tokens[i+2]); err == nil {
					switch tokens[i+1] {
					case "cp":
						out["score_cp"] = v
					case "mate":
						out["score_mate"] = v
					}
				}
				i += 2
			}
		case "pv":
			if i+1 < len(tokens) {
				out["pv"] = strings.Join(tokens[i+1:], " ")
				return out
			}
		}
	}
	return out
}

// ParseBestmove extracts the move from a "bestmove" line. Engines report
// "(none)" for positions with no legal move; that is returned verbatim.
func ParseBestmove(line string) (string, bool) {
	tokens := strings.Fields(line)
	if len(tokens) >= 2 && tokens[0] == "bestmove" {
		return tokens[1], true
	}
	return "", false
}
