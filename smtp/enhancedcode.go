package smtp

import (
	"fmt"
	"strconv"
	"strings"
)

// EnhancedCode represents an enhanced mail system status code as defined in
// RFC 3463. Format is class.subject.detail (e.g., 5.7.8).
type EnhancedCode struct {
	Class   int // 2 = success, 4 = transient failure, 5 = permanent failure
	Subject int
	Detail  int
}

// Enhanced codes the engine reports or tests against (RFC 3463, RFC 5248).
var (
	EnhancedCodeOK              = EnhancedCode{2, 0, 0}
	EnhancedCodeBadDest         = EnhancedCode{5, 1, 1}
	EnhancedCodeBadSenderSyntax = EnhancedCode{5, 1, 7}
	EnhancedCodeMsgTooLarge     = EnhancedCode{5, 3, 4}
	EnhancedCodeInvalidCommand  = EnhancedCode{5, 5, 1}
	EnhancedCodeTempAuthFailure = EnhancedCode{4, 7, 0}
	EnhancedCodeAuthCredentials = EnhancedCode{5, 7, 8}
	EnhancedCodeEncryptRequired = EnhancedCode{5, 7, 11}
)

// String returns the enhanced code formatted as "X.Y.Z" (e.g., "2.1.0").
func (e EnhancedCode) String() string {
	return fmt.Sprintf("%d.%d.%d", e.Class, e.Subject, e.Detail)
}

// IsZero reports whether the enhanced code is the zero value.
func (e EnhancedCode) IsZero() bool {
	return e.Class == 0 && e.Subject == 0 && e.Detail == 0
}

// ParseEnhancedCode splits a leading "X.Y.Z " status code off a reply text
// line. ok is false, and rest is the unchanged text, when the line does not
// start with one.
func ParseEnhancedCode(text string) (code EnhancedCode, rest string, ok bool) {
	head, tail, _ := strings.Cut(text, " ")

	segments := strings.Split(head, ".")
	if len(segments) != 3 {
		return EnhancedCode{}, text, false
	}
	var n [3]int
	for i, seg := range segments {
		v, err := strconv.Atoi(seg)
		if err != nil || v < 0 {
			return EnhancedCode{}, text, false
		}
		n[i] = v
	}
	if n[0] != 2 && n[0] != 4 && n[0] != 5 {
		return EnhancedCode{}, text, false
	}
	return EnhancedCode{n[0], n[1], n[2]}, tail, true
}
