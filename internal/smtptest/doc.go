// Package smtptest provides in-process SMTP servers for tests.
//
// [Server] is a scripted server whose reply at any protocol step can be
// overridden, which makes it suitable for driving a client into every
// failure path. [CaptureServer] is a conforming server built on
// github.com/emersion/go-smtp that stores accepted messages for
// inspection. [NewTLSConfig] produces a throwaway certificate and the
// matching client and server TLS configurations.
package smtptest
