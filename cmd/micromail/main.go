package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/alexisbouchez/micromail"
)

// headerFlags collects repeated -header "Name: Value" flags.
type headerFlags []micromail.Header

func (h *headerFlags) String() string {
	parts := make([]string, len(*h))
	for i, hdr := range *h {
		parts[i] = hdr.Name + ": " + hdr.Value
	}
	return strings.Join(parts, ", ")
}

func (h *headerFlags) Set(s string) error {
	name, value, ok := strings.Cut(s, ":")
	if !ok {
		return fmt.Errorf("header %q is not of the form \"Name: Value\"", s)
	}
	*h = append(*h, micromail.Header{Name: strings.TrimSpace(name), Value: strings.TrimSpace(value)})
	return nil
}

func main() {
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	configPath := flag.String(
		"config",
		"./micromail.yaml",
		"path to a YAML configuration file; MICROMAIL_* variables override it",
	)
	from := flag.String("from", "", "sender address")
	to := flag.String("to", "", "recipient address")
	subject := flag.String("subject", "", "subject line")
	bodyFile := flag.String("body-file", "-", `file holding the message body, "-" for stdin`)
	contentType := flag.String("content-type", "", "Content-Type of the body")
	dkimRecord := flag.Bool("dkim-record", false, "print the DKIM DNS record for the configured key and exit")
	showTranscript := flag.Bool("transcript", false, "print the session transcript to stdout")
	level := flag.String(
		"level",
		"info",
		`log level: "info", "debug", or "warn"`,
	)
	var headers headerFlags
	flag.Var(&headers, "header", `extra header "Name: Value", may be repeated`)
	flag.Parse()

	switch *level {
	case "debug":
		log.Logger = log.Logger.Level(zerolog.DebugLevel)
	case "warn":
		log.Logger = log.Logger.Level(zerolog.WarnLevel)
	default:
		log.Logger = log.Logger.Level(zerolog.InfoLevel)
	}

	cfg, err := micromail.LoadConfigFile(*configPath)
	if err != nil {
		log.Error().
			Str("config-path", *configPath).
			Err(err).
			Msg("problem loading the configuration")
		os.Exit(1)
	}

	if *dkimRecord {
		signer := cfg.DKIM()
		if signer == nil {
			log.Error().Msg("no DKIM selector is configured")
			os.Exit(1)
		}
		fmt.Printf("%s IN TXT %q\n", signer.DNSName(), signer.DNSRecord())
		return
	}

	mail, err := buildMail(*from, *to, *subject, *bodyFile, *contentType, headers)
	if err != nil {
		log.Error().Err(err).Msg("problem building the message")
		os.Exit(1)
	}

	mailer, err := micromail.NewMailer(cfg, micromail.WithLogger(log.Logger))
	if err != nil {
		log.Error().Err(err).Msg("problem creating the mailer")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	err = mailer.SendContext(ctx, mail)
	if *showTranscript {
		fmt.Println(mailer.Transcript())
	}
	if err != nil {
		log.Error().
			Stringer("state", mailer.State()).
			Err(err).
			Msg("the message was not delivered")
		stop()
		os.Exit(1)
	}
	log.Info().Str("to", mail.To()).Msg("message delivered")
}

func buildMail(from, to, subject, bodyFile, contentType string, headers []micromail.Header) (*micromail.Mail, error) {
	var r io.Reader = os.Stdin
	if bodyFile != "-" {
		f, err := os.Open(bodyFile)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}
	body, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading body: %w", err)
	}

	m := micromail.NewMail()
	if err := m.SetFrom(from); err != nil {
		return nil, err
	}
	if err := m.SetTo(to); err != nil {
		return nil, err
	}
	if err := m.SetSubject(subject); err != nil {
		return nil, err
	}
	if err := m.SetBody(string(body)); err != nil {
		return nil, err
	}
	if contentType != "" {
		if err := m.SetContentType(contentType); err != nil {
			return nil, err
		}
	}
	for _, h := range headers {
		if err := m.AddHeader(h.Name, h.Value); err != nil {
			return nil, err
		}
	}
	return m, m.Validate()
}
