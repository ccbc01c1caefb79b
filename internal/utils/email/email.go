package email

import (
	"fmt"
	"net/smtp"
	"strings"
	"time"

	"github.com/jordan-wright/email"
	"github.com/sirupsen/logrus"

	"github.com/Dan9191/wallet-ledger/internal/config"
	"github.com/Dan9191/wallet-ledger/internal/models"
)

// Sender handles sending emails via SMTP
type Sender struct {
	cfg    *config.Config
	logger *logrus.Logger
	send   func(e *email.Email, addr string, auth smtp.Auth) error
}

// NewSender creates a new email sender
func NewSender(cfg *config.Config, logger *logrus.Logger) *Sender {
	return &Sender{
		cfg:    cfg,
		logger: logger,
		send: func(e *email.Email, addr string, auth smtp.Auth) error {
			return e.Send(addr, auth)
		},
	}
}

// SendReconciliationAlert tells operators that a saga left work for reconciliation
func (s *Sender) SendReconciliationAlert(task *models.ReconciliationTask, reason string) error {
	e := email.NewEmail()
	e.From = s.cfg.SenderEmail
	e.To = []string{s.cfg.OpsEmail}
	e.Subject = fmt.Sprintf("[wallet-ledger] Reconciliation required for saga %s", task.SagaID)
	e.Text = []byte(alertBody(task, reason))

	addr := fmt.Sprintf("%s:%s", s.cfg.SMTPHost, s.cfg.SMTPPort)
	auth := smtp.PlainAuth("", s.cfg.SMTPUsername, s.cfg.SMTPPassword, s.cfg.SMTPHost)
	if err := s.send(e, addr, auth); err != nil {
		s.logger.Errorf("Failed to send reconciliation alert for saga %s: %v", task.SagaID, err)
		return fmt.Errorf("failed to send reconciliation alert: %w", err)
	}

	s.logger.Infof("Reconciliation alert sent to %s: %s", s.cfg.OpsEmail, e.Subject)
	return nil
}

func alertBody(task *models.ReconciliationTask, reason string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Saga %s needs reconciliation: %s.\n\n", task.SagaID, reason)
	if task.ID != 0 {
		fmt.Fprintf(&b, "Reconciliation task: %d\n", task.ID)
	} else {
		b.WriteString("Reconciliation task: NOT QUEUED, manual action required\n")
	}
	fmt.Fprintf(&b, "Detected at: %s\n", time.Now().UTC().Format(time.RFC3339))
	if task.LastError != "" {
		fmt.Fprintf(&b, "Last error: %s\n", task.LastError)
	}

	if len(task.Compensations) > 0 {
		b.WriteString("\nPending compensations:\n")
		for _, c := range task.Compensations {
			fmt.Fprintf(&b, "  - %s %s on user %d (key %s, reverses %s)\n",
				c.Request.Operation, c.Request.Amount.String(), c.AccountID, c.Request.IdempotencyKey, c.Request.Reverses)
		}
	}
	if task.Record != nil {
		fmt.Fprintf(&b, "\nMissing transaction record: %s of %s for user %d",
			task.Record.Type, task.Record.Amount.String(), task.Record.UserID)
		if task.Record.TargetUserID != nil {
			fmt.Fprintf(&b, " to user %d", *task.Record.TargetUserID)
		}
		b.WriteString("\n")
	}
	b.WriteString("\nThe reconciliation worker keeps retrying with the same idempotency keys.\n\nWallet Ledger")
	return b.String()
}
