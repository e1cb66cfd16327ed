package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/mailersend/mailersend-go"

	"github.com/entryline/gatescan/internal/domain"
)

// MailNotifier mails conflict exceptions to the venue's operations address.
type MailNotifier struct {
	client  *mailersend.Mailersend
	from    mailersend.From
	opsTo   string
	Enabled bool
}

func NewMailNotifier(apiKey, fromName, fromEmail, opsEmail string) *MailNotifier {
	n := &MailNotifier{
		Enabled: apiKey != "" && fromEmail != "" && opsEmail != "",
		opsTo:   opsEmail,
		from: mailersend.From{
			Name:  fromName,
			Email: fromEmail,
		},
	}
	if n.Enabled {
		n.client = mailersend.NewMailersend(apiKey)
	}
	return n
}

func (n *MailNotifier) NotifyConflict(ctx context.Context, attempt *domain.ScanAttempt, winner *domain.PriorVerifier, reason string) error {
	if !n.Enabled {
		return errors.New("mail notifier disabled (missing MAILERSEND_API_KEY, MAILER_FROM or OPS_EMAIL)")
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	subject := fmt.Sprintf("Scan conflict: attempt %s on device %s", attempt.AttemptID, attempt.DeviceID)

	var b strings.Builder
	fmt.Fprintf(&b, "A provisional admission was invalidated during reconciliation.\n\n")
	fmt.Fprintf(&b, "Attempt:  %s\n", attempt.AttemptID)
	fmt.Fprintf(&b, "Device:   %s\n", attempt.DeviceID)
	fmt.Fprintf(&b, "Operator: %s\n", attempt.OperatorID)
	fmt.Fprintf(&b, "Scanned:  %s\n", attempt.LocalTimestamp.Format(time.RFC3339))
	fmt.Fprintf(&b, "Reason:   %s\n", reason)
	if winner != nil && winner.DeviceID != "" {
		fmt.Fprintf(&b, "\nWinning verifier: device %s, operator %s", winner.DeviceID, winner.OperatorID)
		if winner.VerifiedAt != nil {
			fmt.Fprintf(&b, " at %s", winner.VerifiedAt.Format(time.RFC3339))
		}
		fmt.Fprintln(&b)
	}
	fmt.Fprintf(&b, "\nThe attendee may already have been admitted. Review and resolve at the gate dashboard.\n")

	msg := n.client.Email.NewMessage()
	msg.SetFrom(n.from)
	msg.SetRecipients([]mailersend.Recipient{{Email: n.opsTo}})
	msg.SetSubject(subject)
	msg.SetText(b.String())

	res, err := n.client.Email.Send(ctx, msg)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(res.Body)
		return fmt.Errorf("mailersend error: status=%d body=%s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

var _ Notifier = (*MailNotifier)(nil)
