// Package notify sends account and experiment notifications over SMTP.
package notify

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/samber/lo"
	"github.com/wneessen/go-mail"

	"github.com/nes-lab/shepherd-server/internal/config"
	"github.com/nes-lab/shepherd-server/internal/domain"
)

// Mailer implements domain.Notifier. With mail disabled it logs and drops the
// message, which keeps dev and test setups free of SMTP infrastructure.
type Mailer struct {
	cfg    config.Config
	logger *slog.Logger
}

var _ domain.Notifier = (*Mailer)(nil)

func NewMailer(cfg config.Config, logger *slog.Logger) *Mailer {
	return &Mailer{cfg: cfg, logger: logger}
}

func (m *Mailer) send(ctx context.Context, recipients []string, subject, body string, attachments []domain.Attachment) error {
	if !m.cfg.MailEnabled {
		m.logger.Debug("mail disabled, dropping message",
			slog.String("subject", subject), slog.Any("recipients", recipients))
		return nil
	}

	msg := mail.NewMsg()
	if err := msg.FromFormat(m.cfg.MailSenderName, m.cfg.MailSender); err != nil {
		return fmt.Errorf("op=notify.send: %w", err)
	}
	if err := msg.To(recipients...); err != nil {
		return fmt.Errorf("op=notify.send: %w", err)
	}
	msg.Subject(subject)
	msg.SetBodyString(mail.TypeTextPlain, body)
	for _, att := range attachments {
		msg.AttachReader(att.Filename, bytes.NewReader(att.Body))
	}

	client, err := mail.NewClient(m.cfg.MailServer,
		mail.WithPort(m.cfg.MailPort),
		mail.WithSSL(),
		mail.WithSMTPAuth(mail.SMTPAuthPlain),
		mail.WithUsername(m.cfg.MailUsername),
		mail.WithPassword(m.cfg.MailPassword),
	)
	if err != nil {
		return fmt.Errorf("op=notify.send: %w", err)
	}
	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("op=notify.send subject=%q: %w", subject, err)
	}
	return nil
}

func (m *Mailer) SendApprovalEmail(ctx context.Context, email, token string) error {
	body := "Welcome to the Shepherd Nova Testbed!" +
		fmt.Sprintf("\n\nUse the following token for registering this Email-Address: %s\n", token) +
		"The client is available at: https://pypi.org/project/shepherd-client/"
	return m.send(ctx, []string{email}, "[Shepherd] Testbed Approval", body, nil)
}

func (m *Mailer) SendVerificationEmail(ctx context.Context, email, token string) error {
	url := fmt.Sprintf("%s/user/verify/%s", m.cfg.ServerURL, token)
	m.logger.Info("verification e-mail sent, account stays deactivated until verified",
		slog.String("email", email))
	body := "Welcome to the Shepherd Nova Testbed! " +
		fmt.Sprintf("You just need to verify your email to complete registration: %s", url)
	return m.send(ctx, []string{email}, "[Shepherd] Email Verification", body, nil)
}

func (m *Mailer) SendRegistrationCompleteEmail(ctx context.Context, email string) error {
	return m.send(ctx, []string{email}, "[Shepherd] Registration Complete",
		"You are now fully registered and can use the Testbed", nil)
}

func (m *Mailer) SendPasswordResetEmail(ctx context.Context, email, token string) error {
	url := fmt.Sprintf("%s/user/reset-password/%s", m.cfg.ServerURL, token)
	body := fmt.Sprintf("Click the link to reset your Testbed account password: %s\n", url) +
		"If you did not request this, please ignore this email"
	return m.send(ctx, []string{email}, "[Shepherd] Password Reset", body, nil)
}

func (m *Mailer) SendExperimentFinishedEmail(ctx context.Context, email string, xp *domain.WebExperiment, allDone bool) error {
	body := FormatExperimentFinished(xp, allDone)

	subject := "[Shepherd] Experiment finished"
	recipients := []string{email}
	if xp.HadErrors() {
		subject += " with errors"
		recipients = lo.Uniq(append(recipients, m.cfg.ContactEmail))
	}
	return m.send(ctx, recipients, subject, body, xp.TerminalOutput(true))
}

func (m *Mailer) SendHerdRebootEmail(ctx context.Context, all, pre, post []string) error {
	return m.send(ctx, []string{m.cfg.ContactEmail}, "[Shepherd] Reboot issued",
		FormatHerdReboot(all, pre, post), nil)
}

// FormatExperimentFinished renders the body of the finished-experiment mail.
func FormatExperimentFinished(xp *domain.WebExperiment, allDone bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Experiment '%s' finished.\n", xp.Experiment.Name)
	b.WriteString(xp.Summary())
	if xp.HadErrors() {
		b.WriteString("\nErrors were encountered during execution:\n")
	}
	if xp.HasMissingData() {
		b.WriteString("- one or more files are missing\n")
	}
	if xp.MaxExitCode() > 0 {
		b.WriteString("- Console-Outputs of failing Observers are attached in this mail and " +
			"have also been sent to the admin.\n")
	}
	if xp.SchedulerError != "" {
		fmt.Fprintf(&b, "- the Scheduler recorded an error: %s\n", xp.SchedulerError)
	}
	if missing := xp.MissingObservers(); len(missing) > 0 {
		fmt.Fprintf(&b, "- %d requested observer(s) was/were unavailable: %s\n",
			len(missing), strings.Join(missing, ", "))
	}
	if xp.HadErrors() {
		b.WriteString("- the testbed is now being rebooted as a precaution\n")
	}

	if n := len(xp.ResultPaths); n > 0 {
		sizeMiB := (xp.ResultSize + 1<<19) >> 20
		fmt.Fprintf(&b, "\nResults can now be downloaded (%d files, %d MiB).\n", n, sizeMiB)
	} else {
		b.WriteString("\nIt seems that no result-files were generated.\n")
	}
	if allDone {
		b.WriteString("\nThere are no further experiments scheduled for you.\n")
	}
	return b.String()
}

// FormatHerdReboot renders the admin notice comparing the online sets before
// and after a fleet reboot.
func FormatHerdReboot(all, pre, post []string) string {
	sorted := func(s []string) []string {
		out := lo.Uniq(s)
		sort.Strings(out)
		return out
	}
	allS := sorted(all)
	missPre := sorted(lo.Without(all, pre...))
	missPost := sorted(lo.Without(all, post...))

	var b strings.Builder
	fmt.Fprintf(&b, "Herd was rebooted with:\n- %s (n=%d)\n", strings.Join(allS, ", "), len(allS))
	if len(missPre) > 0 {
		fmt.Fprintf(&b, "- pre-missing  = %s (n=%d)\n", strings.Join(missPre, ", "), len(missPre))
	}
	if len(missPost) > 0 {
		fmt.Fprintf(&b, "- post-missing = %s (n=%d)\n", strings.Join(missPost, ", "), len(missPost))
	}
	return b.String()
}
