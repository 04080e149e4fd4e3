// Package notify delivers member notifications through the background mail
// queue. Delivery is fire-and-forget: a failed enqueue is logged and never
// rolls back the financial mutation that triggered it.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"

	"github.com/coopcredit/coopcredit/internal/members"
	"github.com/coopcredit/coopcredit/internal/penalty"
	"github.com/coopcredit/coopcredit/jobs"
)

// Enqueuer submits mail tasks to the background queue.
type Enqueuer interface {
	EnqueueSendEmail(ctx context.Context, payload jobs.SendEmailPayload) (*asynq.TaskInfo, error)
}

// Mailer enqueues member emails via the asynq client.
type Mailer struct {
	client Enqueuer
	from   string
	logger *slog.Logger
}

// NewMailer builds Mailer instance. The from address stamps every outgoing
// message.
func NewMailer(client Enqueuer, from string, logger *slog.Logger) *Mailer {
	return &Mailer{client: client, from: from, logger: logger}
}

func (m *Mailer) enqueue(ctx context.Context, to, subject, body string) {
	if m == nil || m.client == nil || to == "" {
		return
	}
	if _, err := m.client.EnqueueSendEmail(ctx, jobs.SendEmailPayload{
		From:    m.from,
		To:      to,
		Subject: subject,
		Body:    body,
	}); err != nil {
		m.logger.Warn("enqueue notification",
			slog.String("to", to),
			slog.String("subject", subject),
			slog.Any("error", err),
		)
	}
}

// PaymentReceived notifies the member that a payment landed on their account.
func (m *Mailer) PaymentReceived(ctx context.Context, member members.Member, amount, newBalance decimal.Decimal) {
	m.enqueue(ctx, member.Email,
		"Payment received",
		fmt.Sprintf("Hello %s, we received your payment of %s. Your outstanding balance is now %s.",
			member.Name, amount.StringFixed(2), newBalance.StringFixed(2)),
	)
}

// PenaltyApplied notifies the member about an overdue penalty surcharge.
func (m *Mailer) PenaltyApplied(ctx context.Context, memberID int64, name, email string, amount decimal.Decimal) {
	m.enqueue(ctx, email,
		"Overdue penalty applied",
		fmt.Sprintf("Hello %s, a late payment penalty of %s was added to your account. Please settle your balance to avoid further charges.",
			name, amount.StringFixed(2)),
	)
}

// DueSoonReminder warns a member that an unpaid purchase is about to cross its
// due date.
func (m *Mailer) DueSoonReminder(ctx context.Context, n penalty.NearingPenalty) {
	m.enqueue(ctx, n.MemberEmail,
		"Payment due soon",
		fmt.Sprintf("Hello %s, your outstanding credit of %s is due on %s. Paying on time avoids a late penalty.",
			n.MemberName, n.CreditAmount.StringFixed(2), n.DueDate.Format("2006-01-02")),
	)
}
