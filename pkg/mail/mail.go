package mail

import (
	"crypto/tls"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"
	"gopkg.in/gomail.v2"

	"github.com/telekom/omnibus-reconciler/pkg/metrics"
	"github.com/telekom/omnibus-reconciler/pkg/secret"
	"github.com/telekom/omnibus-reconciler/pkg/settings"
)

type Sender interface {
	Send(receivers []string, subject, body string) error
	GetHost() string
}

// SenderConfig is the relay configuration of a Sender.
type SenderConfig struct {
	Host string
	Port int
	// SSL selects implicit TLS; otherwise STARTTLS is used when offered.
	SSL            bool
	SkipVerify     bool
	LocalName      string
	Username       string
	SenderAddress  string
	SenderName     string
	RetryCount     int
	RetryBackoffMs int
}

// ConfigFromSettings derives a SenderConfig from the SMTP block.
func ConfigFromSettings(smtp settings.SMTP) SenderConfig {
	return SenderConfig{
		Host:          smtp.Address,
		Port:          smtp.Port,
		SSL:           smtp.SSL,
		SkipVerify:    smtp.OpenSSLVerifyMode == "none",
		LocalName:     smtp.Domain,
		Username:      smtp.UserName,
		SenderAddress: smtp.From,
	}
}

type sender struct {
	dialer         *gomail.Dialer
	send           func(m ...*gomail.Message) error
	senderAddress  string
	senderName     string
	retryCount     int
	retryBackoffMs int
	log            *zap.SugaredLogger
}

// NewSender builds a Sender. password may be nil for relays without
// authentication; the sender keeps its own copy.
func NewSender(cfg SenderConfig, password *secret.Secret, log *zap.SugaredLogger) Sender {
	log = log.Named("mail")
	d := gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, password.Reveal())
	d.SSL = cfg.SSL
	if cfg.LocalName != "" {
		d.LocalName = cfg.LocalName
	}
	if cfg.SkipVerify {
		log.Warnw("TLS verification disabled for mail relay", "host", cfg.Host)
		d.TLSConfig = &tls.Config{ServerName: cfg.Host, InsecureSkipVerify: true} //nolint:gosec // openssl_verify_mode none
	}
	senderAddr := cfg.SenderAddress
	if senderAddr == "" {
		senderAddr = "gitlab@" + cfg.Host
	}
	senderName := cfg.SenderName
	if senderName == "" {
		senderName = "GitLab directory sync"
	}
	retryCount := cfg.RetryCount
	if retryCount <= 0 {
		retryCount = 3
	}
	retryBackoffMs := cfg.RetryBackoffMs
	if retryBackoffMs <= 0 {
		retryBackoffMs = 100
	}

	log.Infow("Mail sender initialized", "host", cfg.Host, "port", cfg.Port, "ssl", cfg.SSL, "user", cfg.Username,
		"retryCount", retryCount)
	return &sender{
		dialer:         d,
		send:           d.DialAndSend,
		senderAddress:  senderAddr,
		senderName:     senderName,
		retryCount:     retryCount,
		retryBackoffMs: retryBackoffMs,
		log:            log,
	}
}

func (s *sender) Send(receivers []string, subject, body string) error {
	if len(receivers) == 0 {
		return fmt.Errorf("no receivers")
	}
	msg := gomail.NewMessage()
	msg.SetAddressHeader("From", s.senderAddress, s.senderName)
	msg.SetHeader("Bcc", receivers...)
	msg.SetHeader("Subject", subject)
	msg.SetBody("text/html", body)

	var lastErr error
	backoffMs := s.retryBackoffMs
	for attempt := 0; attempt <= s.retryCount; attempt++ {
		err := s.send(msg)
		if err == nil {
			s.log.Debugw("Mail sent", "receivers", len(receivers), "attempt", attempt+1)
			metrics.MailSendSuccess.WithLabelValues(s.GetHost()).Inc()
			return nil
		}
		lastErr = err
		if attempt < s.retryCount {
			s.log.Debugw("Mail send attempt failed, retrying", "attempt", attempt+1, "backoffMs", backoffMs, "error", err)
			time.Sleep(time.Duration(backoffMs) * time.Millisecond)
			backoffMs = int(math.Min(float64(backoffMs)*2, 32000))
		}
	}

	s.log.Warnw("Failed to send mail", "attempts", s.retryCount+1, "error", lastErr)
	metrics.MailSendFailure.WithLabelValues(s.GetHost()).Inc()
	return lastErr
}

func (s *sender) GetHost() string {
	return s.dialer.Host
}
