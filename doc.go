// Package micromail composes plain-text mail and delivers it over a
// synchronous SMTP session.
//
// A [Config] describes how to reach the mail exchanger: the local domain
// used in EHLO, the per-operation timeout, the TLS policy and optional
// credentials. A [Mail] holds the envelope addresses, subject, body and
// custom headers. A [Mailer] drives one session at a time:
//
//	cfg, err := micromail.NewConfig("client.example.com")
//	if err != nil { ... }
//	cfg.SetUseTLS(true)
//	cfg.SetAuth("user", "secret")
//
//	m, err := micromail.NewMailer(cfg)
//	if err != nil { ... }
//
//	mail := micromail.NewMail()
//	mail.SetFrom("alice@example.com")
//	mail.SetTo("bob@example.org")
//	mail.SetSubject("Hello")
//	mail.SetBody("Hi Bob")
//
//	if err := m.Send(mail); err != nil {
//		fmt.Println(m.Transcript())
//	}
//
// Failures are returned as *[Error] values whose Kind tells validation,
// connection, TLS, authentication, protocol and internal failures apart.
// Each handle also remembers the message of its last failure, see
// [Mailer.LastError].
package micromail
