package pbx

import (
	"strconv"
	"strings"
)

// Dispatch parses one client command line and invokes the corresponding
// TU or Registry operation against tu. Unknown verbs, and known verbs
// given the wrong number of arguments, are silently ignored — matching
// the original, which never sends an error notification for a malformed
// command line.
//
// Grammar:
//
//	pickup
//	hangup
//	dial <digits>
//	chat <rest of line>
//
// "chat" is special: everything after its first space is one verbatim
// argument, embedded spaces included. Every other verb takes at most one
// token after the verb itself.
func Dispatch(reg *Registry, tu *TU, line string) {
	if line == "" {
		return
	}

	verb, rest, hasArg := strings.Cut(line, " ")
	switch verb {
	case "chat":
		msg := ""
		if hasArg {
			msg = rest
		}
		reg.RecordChat(tu.Chat(msg))
	case "pickup":
		if hasArg {
			return
		}
		tu.Pickup()
	case "hangup":
		if hasArg {
			return
		}
		tu.Hangup()
	case "dial":
		if !hasArg || strings.Contains(rest, " ") {
			return
		}
		ext, err := strconv.Atoi(rest)
		reg.Dial(tu, ext, err == nil)
	default:
		// Unrecognized verb: ignored, same as the source's dispatch loop.
	}
}
