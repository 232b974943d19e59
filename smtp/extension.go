package smtp

import (
	"strconv"
	"strings"
)

// Extension represents an SMTP service extension keyword (RFC 5321 §2.2).
type Extension string

// Extension keywords the engine acts on.
const (
	ExtSTARTTLS            Extension = "STARTTLS"
	ExtAUTH                Extension = "AUTH"
	ExtSIZE                Extension = "SIZE"
	ExtPIPELINING          Extension = "PIPELINING"
	Ext8BITMIME            Extension = "8BITMIME"
	ExtENHANCEDSTATUSCODES Extension = "ENHANCEDSTATUSCODES"
	ExtSMTPUTF8            Extension = "SMTPUTF8"
)

// Extensions holds the set of SMTP extensions advertised in an EHLO response,
// mapped from keyword to parameters (e.g., "AUTH" → "PLAIN LOGIN").
type Extensions map[Extension]string

// Has reports whether the extension set includes the given keyword.
func (e Extensions) Has(ext Extension) bool {
	_, ok := e[ext]
	return ok
}

// Param returns the parameter string for the given extension keyword.
func (e Extensions) Param(ext Extension) string {
	return e[ext]
}

// AuthMechanisms returns the SASL mechanisms listed in the AUTH keyword,
// upper-cased, in advertised order.
func (e Extensions) AuthMechanisms() []string {
	if !e.Has(ExtAUTH) {
		return nil
	}
	return strings.Fields(strings.ToUpper(e.Param(ExtAUTH)))
}

// MaxSize returns the SIZE limit (RFC 1870), or 0 when none was advertised.
func (e Extensions) MaxSize() int64 {
	n, err := strconv.ParseInt(e.Param(ExtSIZE), 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// ParseEHLOResponse parses the lines of a multi-line 250 EHLO response into
// an Extensions map. The first line is the server greeting and is skipped;
// the others are "KEYWORD [params]". The obsolete "AUTH=PLAIN" form is
// accepted too.
func ParseEHLOResponse(lines []string) Extensions {
	exts := make(Extensions)
	for i, line := range lines {
		if i == 0 {
			continue
		}
		keyword, params, _ := strings.Cut(line, " ")
		if k, p, ok := strings.Cut(keyword, "="); ok && strings.EqualFold(k, string(ExtAUTH)) {
			keyword, params = k, strings.TrimSpace(p+" "+params)
		}
		ext := Extension(strings.ToUpper(keyword))
		if prev, seen := exts[ext]; seen && ext == ExtAUTH && prev != "" {
			params = prev + " " + params
		}
		exts[ext] = params
	}
	return exts
}
