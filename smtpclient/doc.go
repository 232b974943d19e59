// Package smtpclient implements a synchronous SMTP submission client
// (RFC 5321) with STARTTLS (RFC 3207) and SASL authentication (RFC 4954).
//
// The client exposes one method per protocol step so that a caller can run
// its own state machine around it:
//
//	c, err := smtpclient.Dial(ctx, "mx.example.com:25")
//	if err != nil { ... }
//	defer c.Close()
//	err = c.Greeting(ctx)
//	err = c.Hello(ctx, "client.example.com")
//	err = c.StartTLS(ctx, &tls.Config{ServerName: "mx.example.com"})
//	err = c.Auth(ctx, sasl.NewPlainClient("", user, pass))
//	err = c.Mail(ctx, "from@example.com")
//	err = c.Rcpt(ctx, "to@example.com")
//	w, err := c.Data(ctx)
//	io.WriteString(w, msg)
//	err = w.Close()
//	err = c.Quit(ctx)
//
// Every method sets the connection deadline from its context. A reply
// outside the expected class is returned as an [smtp.ReplyError]; a failed
// TLS handshake is returned as a [TLSError]; transport failures are returned
// wrapped with the command that was running.
//
// # Tracing
//
// [WithTrace] installs a callback that receives every line written to and
// read from the server. AUTH payloads are redacted before they reach it.
package smtpclient
