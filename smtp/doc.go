// Package smtp provides the SMTP wire types shared by the micromail engine
// and its client (RFC 5321).
//
// It contains reply codes and their classification, enhanced status codes
// (RFC 3463), the [ReplyError] type that carries a server's literal reply
// text, mailbox and domain parsing, EHLO extension parsing and SASL
// mechanism selection.
//
// # Reply Codes
//
// [ReplyCode] constants cover the codes a submitting client sees. A
// [ReplyError] wraps any reply outside the expected class together with the
// command that provoked it.
//
// # Addresses
//
// [ParseMailbox] validates "local-part@domain" addresses, including quoted
// local-parts, address literals and internationalized domain labels.
// [ValidateDomain] checks a bare host name.
//
// # Authentication
//
// [NewSASLClient] picks the strongest mechanism advertised by the server and
// returns a [github.com/emersion/go-sasl] client for it. [CramMD5Client]
// provides CRAM-MD5, which go-sasl does not ship.
package smtp
