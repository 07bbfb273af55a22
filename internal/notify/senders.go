package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"
	"gopkg.in/gomail.v2"
)

// attachmentExists reports whether path names a readable regular file.
// Missing attachments are logged and skipped, never an error.
func attachmentExists(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		log.Warn().Str("path", path).Msg("attachment not found, sending without it")
		return false
	}
	return true
}

// LogSender only logs messages. Used in development.
type LogSender struct{}

func (LogSender) Send(_ context.Context, msg Message) error {
	ev := log.Info().Str("to", msg.To).Str("subject", msg.Subject).Str("body", msg.Body)
	if attachmentExists(msg.AttachmentPath) {
		ev = ev.Str("attachment", msg.AttachmentPath)
	}
	ev.Msg("LogSender: notification")
	return nil
}

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	// From defaults to Username.
	From string
}

type mailDialer interface {
	DialAndSend(m ...*gomail.Message) error
}

// SMTPSender mails notifications through an authenticated SMTP relay.
type SMTPSender struct {
	from   string
	dialer mailDialer
}

func NewSMTPSender(cfg SMTPConfig) *SMTPSender {
	from := cfg.From
	if from == "" {
		from = cfg.Username
	}
	return &SMTPSender{
		from:   from,
		dialer: gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password),
	}
}

func (s *SMTPSender) build(msg Message) *gomail.Message {
	m := gomail.NewMessage()
	m.SetHeader("From", s.from)
	m.SetHeader("To", msg.To)
	m.SetHeader("Subject", msg.Subject)
	m.SetBody("text/plain", msg.Body)
	if attachmentExists(msg.AttachmentPath) {
		m.Attach(msg.AttachmentPath)
	}
	return m
}

// Send ignores ctx: gomail has no cancellation hook.
func (s *SMTPSender) Send(_ context.Context, msg Message) error {
	if msg.To == "" {
		return errors.New("smtp: empty recipient")
	}
	if err := s.dialer.DialAndSend(s.build(msg)); err != nil {
		return fmt.Errorf("smtp: %w", err)
	}
	return nil
}

const (
	NotificationExchange = "smartborrow.notifications"
	NotificationRouting  = "notification.email"
)

type amqpPublisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// AMQPSender publishes notifications to a RabbitMQ topic exchange for a
// separate mailer to consume.
type AMQPSender struct {
	conn *amqp.Connection
	ch   *amqp.Channel
	pub  amqpPublisher
}

func NewAMQPSender(url string) (*AMQPSender, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := ch.ExchangeDeclare(NotificationExchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	return &AMQPSender{conn: conn, ch: ch, pub: ch}, nil
}

func (s *AMQPSender) Send(ctx context.Context, msg Message) error {
	if !attachmentExists(msg.AttachmentPath) {
		msg.AttachmentPath = ""
	}
	body, err := json.Marshal(struct {
		Type      string    `json:"type"`
		Timestamp time.Time `json:"timestamp"`
		Payload   Message   `json:"payload"`
	}{
		Type:      NotificationRouting,
		Timestamp: time.Now().UTC(),
		Payload:   msg,
	})
	if err != nil {
		return err
	}
	return s.pub.PublishWithContext(ctx, NotificationExchange, NotificationRouting, false, false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
		})
}

func (s *AMQPSender) Close() {
	if s.ch != nil {
		_ = s.ch.Close()
	}
	if s.conn != nil {
		_ = s.conn.Close()
	}
}
