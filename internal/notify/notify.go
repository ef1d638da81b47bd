package notify

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"
	"trendwatch/internal/components/assert"
	"trendwatch/internal/components/telemetry"
	"trendwatch/internal/credential"

	"github.com/jordan-wright/email"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("trendwatch/notify")

const (
	report_send    = "notifier.send"
	report_dropped = "notifier.dropped"
)

type Message struct {
	Subject string
	Body    string
}

type Sender interface {
	Send(ctx context.Context, msg Message) error
}

type SmtpConfig struct {
	Server       string   `json:"server" yaml:"server"`
	Port         int      `json:"port" yaml:"port" validate:"omitempty,min=1,max=65535"`
	EmailAddress string   `json:"email_address" yaml:"email_address"`
	Password     string   `json:"password" yaml:"password"`
	To           []string `json:"to" yaml:"to"`
}

func (c SmtpConfig) Enabled() bool {
	return c.Server != "" && len(c.To) > 0
}

type sendFunc = func(mail *email.Email, addr string, auth smtp.Auth) error

// EmailSender delivers messages over smtp.
type EmailSender struct {
	config SmtpConfig
	send   sendFunc
}

func NewEmailSender(config SmtpConfig) EmailSender {
	return EmailSender{
		config: config,
		send: func(mail *email.Email, addr string, auth smtp.Auth) error {
			return mail.Send(addr, auth)
		},
	}
}

func (s EmailSender) Send(ctx context.Context, msg Message) error {
	_, span := tracer.Start(ctx, "EmailSender.Send")
	defer span.End()

	mail := email.NewEmail()
	mail.From = fmt.Sprintf("trendwatch <%s>", s.config.EmailAddress)
	mail.To = s.config.To
	mail.Subject = msg.Subject
	mail.Text = []byte(msg.Body)

	addr := fmt.Sprintf("%s:%d", s.config.Server, s.config.Port)
	err := s.send(mail, addr, smtp.PlainAuth("", s.config.EmailAddress, s.config.Password, s.config.Server))
	if err != nil && strings.Contains(err.Error(), "server doesn't support AUTH") {
		err = s.send(mail, addr, nil)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to send email")
		return err
	}
	return nil
}

// LogSender only reports messages, used when no smtp server is configured.
type LogSender struct {
	Tel telemetry.API
}

func (s LogSender) Send(ctx context.Context, msg Message) error {
	s.Tel.ReportWarning("notification", msg.Subject, msg.Body)
	return nil
}

// Notifier delivers messages from a bounded queue on its own goroutine.
type Notifier struct {
	sender Sender
	tel    telemetry.API
	queue  chan Message
}

func NewNotifier(sender Sender, tel telemetry.API, buffer int) *Notifier {
	assert.NotNil(sender)
	assert.NotNil(tel)
	if buffer <= 0 {
		buffer = 64
	}
	return &Notifier{
		sender: sender,
		tel:    telemetry.NewScopedAPI("notify", tel),
		queue:  make(chan Message, buffer),
	}
}

// Notify enqueues msg, it is dropped when the queue is full.
func (n *Notifier) Notify(msg Message) {
	select {
	case n.queue <- msg:
	default:
		n.tel.ReportWarning(report_dropped, msg.Subject)
	}
}

// Run delivers queued messages until ctx is done.
func (n *Notifier) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-n.queue:
			err := n.sender.Send(ctx, msg)
			if err != nil {
				n.tel.ReportBroken(report_send, err, msg.Subject)
			}
		}
	}
}

// CredentialListener notifies when the session cookie stops working.
func (n *Notifier) CredentialListener() func(credential.Event) {
	return func(e credential.Event) {
		if e.Kind != credential.EventInvalidated {
			return
		}
		n.Notify(CredentialExpired(e.Credential))
	}
}

func CredentialExpired(cred credential.Credential) Message {
	return Message{
		Subject: "session cookie expired",
		Body: fmt.Sprintf(
			`The upstream platform rejected the session cookie (%s, acquired %s via %s).

Collection is paused until a new cookie is provided, please re-login or paste a fresh cookie.`,
			credential.Preview(cred.Token),
			cred.AcquiredAt.Format("2006-01-02 15:04:05"),
			cred.Source,
		),
	}
}

func ThresholdCrossed(displayName, metric string, previous, current, change float64) Message {
	direction := "rose"
	if change < 0 {
		direction = "fell"
	}
	return Message{
		Subject: fmt.Sprintf("%s: %s %s by %.1f%%", displayName, metric, direction, abs(change)*100),
		Body: fmt.Sprintf(
			"%s of %s changed from %.0f to %.0f (%+.1f%%).",
			metric, displayName, previous, current, change*100,
		),
	}
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
