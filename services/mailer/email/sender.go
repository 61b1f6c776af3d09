package email

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net/mail"
	"time"

	gomail "github.com/go-mail/mail"
)

// ErrInvalidConfig marks an SMTP configuration problem. A batch run checks
// the configuration before touching any recipient and fails fast on this.
var ErrInvalidConfig = errors.New("invalid smtp configuration")

// TransportError is a per-message dispatch failure. It is recorded on the
// recipient record and does not abort the batch by itself.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("smtp %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Config holds SMTP server configuration
type Config struct {
	Host      string        `json:"host"`
	Port      int           `json:"port"`
	Username  string        `json:"username"`
	Password  string        `json:"password"`
	FromEmail string        `json:"from_email"`
	FromName  string        `json:"from_name,omitempty"`
	TLSMode   string        `json:"tls_mode"` // auto | starttls | ssl | none
	Timeout   time.Duration `json:"timeout"`
}

// Validate checks the configuration for a batch run
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("%w: host is required", ErrInvalidConfig)
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("%w: invalid port %d", ErrInvalidConfig, c.Port)
	}
	if c.Username == "" {
		return fmt.Errorf("%w: username is required", ErrInvalidConfig)
	}
	if c.Password == "" {
		return fmt.Errorf("%w: password is required", ErrInvalidConfig)
	}
	if c.FromEmail == "" {
		return fmt.Errorf("%w: from address is required", ErrInvalidConfig)
	}
	if _, err := mail.ParseAddress(c.FromEmail); err != nil {
		return fmt.Errorf("%w: invalid from address %q", ErrInvalidConfig, c.FromEmail)
	}
	switch c.TLSMode {
	case "", "auto", "starttls", "ssl", "none":
	default:
		return fmt.Errorf("%w: unknown TLS mode %q", ErrInvalidConfig, c.TLSMode)
	}
	return nil
}

// Message is one rendered email ready for dispatch
type Message struct {
	To       string
	ToName   string
	Subject  string
	HTMLBody string
	TextBody string
}

// Session is an open SMTP connection reused across an entire batch
type Session interface {
	Send(msg *Message) error
	Close() error
}

// Sender opens SMTP sessions
type Sender interface {
	Connect() (Session, error)
}

// smtpSender implements Sender on go-mail
type smtpSender struct {
	config Config
}

// NewSMTPSender creates a sender for the given configuration. The
// configuration is expected to be validated already.
func NewSMTPSender(config Config) Sender {
	return &smtpSender{config: config}
}

func (s *smtpSender) Connect() (Session, error) {
	d := gomail.NewDialer(s.config.Host, s.config.Port, s.config.Username, s.config.Password)
	if s.config.Timeout > 0 {
		d.Timeout = s.config.Timeout
	}
	d.TLSConfig = &tls.Config{ServerName: s.config.Host}

	switch s.config.TLSMode {
	case "ssl":
		d.SSL = true
	case "none":
		d.StartTLSPolicy = gomail.NoStartTLS
	case "starttls":
		d.StartTLSPolicy = gomail.MandatoryStartTLS
	default:
		// "auto": go-mail negotiates STARTTLS when the server offers it
		d.StartTLSPolicy = gomail.OpportunisticStartTLS
	}

	sc, err := d.Dial()
	if err != nil {
		return nil, &TransportError{Op: "connect", Err: err}
	}

	return &smtpSession{
		sendCloser: sc,
		fromEmail:  s.config.FromEmail,
		fromName:   s.config.FromName,
	}, nil
}

// smtpSession wraps an open go-mail SendCloser
type smtpSession struct {
	sendCloser gomail.SendCloser
	fromEmail  string
	fromName   string
}

func (s *smtpSession) Send(msg *Message) error {
	m := gomail.NewMessage()
	m.SetAddressHeader("From", s.fromEmail, s.fromName)
	m.SetAddressHeader("To", msg.To, msg.ToName)
	m.SetHeader("Subject", msg.Subject)

	if msg.TextBody != "" {
		m.SetBody("text/plain", msg.TextBody)
		if msg.HTMLBody != "" {
			m.AddAlternative("text/html", msg.HTMLBody)
		}
	} else {
		m.SetBody("text/html", msg.HTMLBody)
	}

	if err := gomail.Send(s.sendCloser, m); err != nil {
		return &TransportError{Op: "send", Err: err}
	}
	return nil
}

func (s *smtpSession) Close() error {
	if err := s.sendCloser.Close(); err != nil {
		return &TransportError{Op: "close", Err: err}
	}
	return nil
}
