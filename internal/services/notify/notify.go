// Package notify delivers the end-of-run summary.
package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/rs/zerolog"
)

// DefaultMailCommand is the mailer used for email notifications
const DefaultMailCommand = "s-nail"

// Notifier sends a summary message
type Notifier interface {
	Send(ctx context.Context, message string) error
}

// Config controls email delivery
type Config struct {
	Enabled    bool
	Subject    string
	Recipients []string
	// Attachment is attached to the email when set (the summary document)
	Attachment string
	// Command overrides the mailer binary
	Command string
}

// New returns the notifier for cfg. The message is always logged; it is
// emailed as well when notifications are enabled.
func New(cfg Config, log zerolog.Logger) Notifier {
	logNotifier := NewLogNotifier(log)
	if !cfg.Enabled || len(cfg.Recipients) == 0 {
		return logNotifier
	}
	return Multi{logNotifier, NewEmailNotifier(cfg, log)}
}

// LogNotifier writes the message to the log
type LogNotifier struct {
	log zerolog.Logger
}

// NewLogNotifier creates a notifier that only logs
func NewLogNotifier(log zerolog.Logger) *LogNotifier {
	return &LogNotifier{log: log.With().Str("component", "notify").Logger()}
}

func (n *LogNotifier) Send(ctx context.Context, message string) error {
	n.log.Info().Str("fn", "sendSummary").Msg(message)
	return nil
}

// EmailNotifier pipes the message into a mail command, the way
// `echo msg | s-nail -s subject -a attachment recipients...` would
type EmailNotifier struct {
	cfg Config
	log zerolog.Logger
}

// NewEmailNotifier creates an email notifier
func NewEmailNotifier(cfg Config, log zerolog.Logger) *EmailNotifier {
	if cfg.Command == "" {
		cfg.Command = DefaultMailCommand
	}
	return &EmailNotifier{cfg: cfg, log: log.With().Str("component", "notify").Logger()}
}

// Args returns the mail command arguments
func (n *EmailNotifier) Args() []string {
	args := []string{"-s", n.cfg.Subject}
	if n.cfg.Attachment != "" {
		args = append(args, "-a", n.cfg.Attachment)
	}
	return append(args, n.cfg.Recipients...)
}

func (n *EmailNotifier) Send(ctx context.Context, message string) error {
	if len(n.cfg.Recipients) == 0 {
		return errors.New("no email recipients configured")
	}

	cmd := exec.CommandContext(ctx, n.cfg.Command, n.Args()...)
	cmd.Stdin = strings.NewReader(message)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s failed: %w: %s", n.cfg.Command, err, strings.TrimSpace(stderr.String()))
	}

	n.log.Info().
		Str("fn", "Send").
		Strs("recipients", n.cfg.Recipients).
		Msg("summary email sent")
	return nil
}

// Multi sends to every notifier and joins their errors
type Multi []Notifier

func (m Multi) Send(ctx context.Context, message string) error {
	var errs []error
	for _, n := range m {
		if err := n.Send(ctx, message); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
