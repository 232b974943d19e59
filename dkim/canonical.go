package dkim

import (
	"bytes"
	"strings"
)

// CanonicalizeHeaderRelaxed applies the relaxed header algorithm
// (RFC 6376 §3.4.2) and returns "name:value\r\n".
func CanonicalizeHeaderRelaxed(name, value string) string {
	value = strings.ReplaceAll(value, "\r\n", "")
	value = strings.Join(strings.FieldsFunc(value, isWSP), " ")
	return strings.ToLower(strings.TrimSpace(name)) + ":" + value + "\r\n"
}

// CanonicalizeBodyRelaxed applies the relaxed body algorithm
// (RFC 6376 §3.4.4).
func CanonicalizeBodyRelaxed(body []byte) []byte {
	lines := bytes.Split(body, []byte("\r\n"))
	var out bytes.Buffer
	pendingEmpty := 0
	for _, line := range lines {
		line = collapseWSP(line)
		if len(line) == 0 {
			pendingEmpty++
			continue
		}
		for ; pendingEmpty > 0; pendingEmpty-- {
			out.WriteString("\r\n")
		}
		out.Write(line)
		out.WriteString("\r\n")
	}
	return out.Bytes()
}

func collapseWSP(line []byte) []byte {
	var out []byte
	space := false
	for _, b := range line {
		if b == ' ' || b == '\t' {
			space = true
			continue
		}
		if space {
			out = append(out, ' ')
		}
		space = false
		out = append(out, b)
	}
	return out
}

func isWSP(r rune) bool {
	return r == ' ' || r == '\t'
}
