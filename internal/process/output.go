package process

import (
	"bytes"
	"unicode/utf8"
)

// maxHeldEscape bounds how far back an unterminated escape sequence is
// looked for; longer fragments are released as they are.
const maxHeldEscape = 256

const esc = 0x1b

// splitComplete cuts b before a trailing escape sequence or UTF-8 rune that
// the child has not finished writing yet. ready is safe to deliver; rest
// must be prepended to the next read.
func splitComplete(b []byte) (ready, rest []byte) {
	cut := len(b)
	from := max(0, len(b)-maxHeldEscape)
	if i := bytes.LastIndexByte(b[from:], esc); i >= 0 && !escapeComplete(b[from+i:]) {
		cut = from + i
	}
	for j := cut - 1; j >= 0 && j >= cut-utf8.UTFMax; j-- {
		if !utf8.RuneStart(b[j]) {
			continue
		}
		if !utf8.FullRune(b[j:cut]) {
			cut = j
		}
		break
	}
	return b[:cut], b[cut:]
}

// escapeComplete reports whether seq, which starts with ESC, holds a whole
// control sequence. Malformed sequences count as complete.
func escapeComplete(seq []byte) bool {
	if len(seq) < 2 {
		return false
	}
	switch seq[1] {
	case '[': // CSI: parameters and intermediates up to a final byte
		for _, c := range seq[2:] {
			if c < 0x20 || c > 0x3f {
				return true
			}
		}
		return false
	case ']', 'P', '_', '^', 'X': // string sequences end in BEL or ESC \
		return bytes.IndexByte(seq[2:], 0x07) >= 0
	}
	for _, c := range seq[1:] {
		if c < 0x20 || c > 0x2f {
			return true
		}
	}
	return false
}
