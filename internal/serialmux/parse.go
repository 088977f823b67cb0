package serialmux

import "strings"

// LineKind classifies a line printed by the controller.
type LineKind int

const (
	LineInfo LineKind = iota
	LineAck
	LineError
)

// ClassifyLine sorts controller output. The firmware echoes accepted
// commands prefixed with "ok" and reports rejected ones with "error",
// "err" or "invalid"; anything else is informational.
func ClassifyLine(line string) LineKind {
	l := strings.ToLower(strings.TrimSpace(line))
	switch {
	case l == "":
		return LineInfo
	case strings.HasPrefix(l, "ok"), strings.HasPrefix(l, "ack"):
		return LineAck
	case strings.HasPrefix(l, "err"), strings.HasPrefix(l, "invalid"), strings.Contains(l, "unknown command"):
		return LineError
	}
	return LineInfo
}
