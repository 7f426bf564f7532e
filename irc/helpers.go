package irc

import "strings"

// mIRC-style formatting control codes. https://modern.ircdocs.horse/formatting.html
const (
	ctlBold          = '\x02'
	ctlColor         = '\x03'
	ctlHexColor      = '\x04'
	ctlReverse       = '\x16'
	ctlItalic        = '\x1D'
	ctlUnderline     = '\x1F'
	ctlStrikethrough = '\x1E'
	ctlMonospace     = '\x11'
	ctlReset         = '\x0F'
)

// StripFormatting removes mIRC bold/italic/underline/reverse/strikethrough/
// monospace/reset control codes and \x03-prefixed color codes (including the
// optional foreground/background digit pairs and the IRCv3 \x04 hex-color
// variant) from text. It is used by the dispatcher when logging PRIVMSG/
// NOTICE content so that a formatted message doesn't corrupt a text-mode log
// line; it does not touch the text delivered to other clients, which is
// relayed unmodified.
func StripFormatting(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for i := 0; i < len(text); i++ {
		switch text[i] {
		case ctlBold, ctlReverse, ctlItalic, ctlUnderline, ctlStrikethrough, ctlMonospace, ctlReset:
			continue
		case ctlColor:
			i = skipColorDigits(text, i+1, 2) - 1
			if i+1 < len(text) && text[i+1] == ',' {
				i = skipColorDigits(text, i+2, 2) - 1
			}
		case ctlHexColor:
			i = skipHexColor(text, i+1) - 1
		default:
			b.WriteByte(text[i])
		}
	}
	return b.String()
}

// skipColorDigits advances past up to max ASCII digits starting at i,
// returning the index immediately after the run.
func skipColorDigits(text string, i, max int) int {
	n := 0
	for i < len(text) && n < max && text[i] >= '0' && text[i] <= '9' {
		i++
		n++
	}
	return i
}

// skipHexColor advances past an optional "RRGGBB" triple and an optional
// ",RRGGBB" background, as used by the \x04 hex-color extension.
func skipHexColor(text string, i int) int {
	i = skipHexDigits(text, i, 6)
	if i < len(text) && text[i] == ',' {
		i = skipHexDigits(text, i+1, 6)
	}
	return i
}

func skipHexDigits(text string, i, max int) int {
	n := 0
	for i < len(text) && n < max && isHexDigit(text[i]) {
		i++
		n++
	}
	return i
}

func isHexDigit(b byte) bool {
	return b >= '0' && b <= '9' || b >= 'a' && b <= 'f' || b >= 'A' && b <= 'F'
}
