package mail

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gopkg.in/gomail.v2"

	"github.com/telekom/omnibus-reconciler/pkg/joblog"
	"github.com/telekom/omnibus-reconciler/pkg/secret"
	"github.com/telekom/omnibus-reconciler/pkg/settings"
	"github.com/telekom/omnibus-reconciler/pkg/system"
)

// startTestSMTPServer starts a minimal SMTP server on a random port that
// accepts one connection and records the DATA it receives.
func startTestSMTPServer(t *testing.T) (host string, port int, data func() string, stop func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		received strings.Builder
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer ln.Close()
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := bufio.NewReader(conn)
		fmt.Fprintf(conn, "220 localhost Test SMTP Service Ready\r\n")
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			line = strings.TrimSpace(line)
			switch {
			case strings.HasPrefix(line, "EHLO"), strings.HasPrefix(line, "HELO"):
				fmt.Fprintf(conn, "250-localhost Hello\r\n250 OK\r\n")
			case strings.HasPrefix(line, "DATA"):
				fmt.Fprintf(conn, "354 End data with <CR><LF>.<CR><LF>\r\n")
				for {
					dline, derr := r.ReadString('\n')
					if derr != nil || strings.TrimSpace(dline) == "." {
						break
					}
					mu.Lock()
					received.WriteString(dline)
					mu.Unlock()
				}
				fmt.Fprintf(conn, "250 OK: queued as 12345\r\n")
			case strings.HasPrefix(line, "QUIT"):
				fmt.Fprintf(conn, "221 Bye\r\n")
				return
			default:
				fmt.Fprintf(conn, "250 OK\r\n")
			}
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	data = func() string {
		mu.Lock()
		defer mu.Unlock()
		return received.String()
	}
	stop = func() {
		ln.Close()
		wg.Wait()
	}
	return "127.0.0.1", addr.Port, data, stop
}

func TestSenderSendHappyPath(t *testing.T) {
	host, port, data, stop := startTestSMTPServer(t)

	s := NewSender(SenderConfig{Host: host, Port: port, SenderAddress: "gitlab@example.com"}, nil, system.NewTestLogger())
	require.NoError(t, s.Send([]string{"ops@example.com"}, "Hello", "<p>body</p>"))
	stop()

	assert.Contains(t, data(), "Subject: Hello")
	assert.Contains(t, data(), "gitlab@example.com")
	assert.Equal(t, host, s.GetHost())
}

func TestSenderRetries(t *testing.T) {
	s := NewSender(SenderConfig{Host: "relay.example.com", Port: 25, RetryCount: 2, RetryBackoffMs: 1}, nil, system.NewTestLogger()).(*sender)
	calls := 0
	s.send = func(...*gomail.Message) error {
		calls++
		if calls < 3 {
			return errors.New("421 try again later")
		}
		return nil
	}
	require.NoError(t, s.Send([]string{"ops@example.com"}, "s", "b"))
	assert.Equal(t, 3, calls)

	calls = -10
	err := s.Send([]string{"ops@example.com"}, "s", "b")
	assert.EqualError(t, err, "421 try again later")
	assert.Error(t, s.Send(nil, "s", "b"))
}

func TestConfigFromSettings(t *testing.T) {
	cfg := ConfigFromSettings(settings.SMTP{
		Enabled:           true,
		Address:           "smtp.example.com",
		Port:              465,
		SSL:               true,
		OpenSSLVerifyMode: "none",
		UserName:          "gitlab",
		Domain:            "example.com",
		From:              "gitlab@example.com",
	})
	assert.Equal(t, SenderConfig{
		Host: "smtp.example.com", Port: 465, SSL: true, SkipVerify: true, LocalName: "example.com",
		Username: "gitlab", SenderAddress: "gitlab@example.com",
	}, cfg)
}

func TestRenderJobMail(t *testing.T) {
	rec := joblog.Record{
		ID: "job-1", Server: "main", Kind: joblog.KindFull, Outcome: joblog.OutcomePartial,
		StartedAt: time.Date(2026, 2, 1, 1, 30, 0, 0, time.UTC), FinishedAt: time.Date(2026, 2, 1, 1, 30, 2, 0, time.UTC),
	}
	for i := 0; i < 25; i++ {
		rec.EntryErrors = append(rec.EntryErrors, joblog.EntryError{DN: fmt.Sprintf("uid=u%d,dc=example,dc=com", i), Message: "no email <attr>"})
	}

	subject, body, err := RenderJobMail(rec, "gitlab.example.com")
	require.NoError(t, err)
	assert.Equal(t, "[directory sync] full sync of main: partial", subject)
	assert.Contains(t, body, "gitlab.example.com")
	assert.Contains(t, body, "uid=u19,dc=example,dc=com")
	assert.NotContains(t, body, "uid=u20,dc=example,dc=com")
	assert.Contains(t, body, "and 5 more")
	assert.Contains(t, body, "no email &lt;attr&gt;")
}

type fakeSender struct {
	sent []string
}

func (f *fakeSender) Send(_ []string, subject, _ string) error {
	f.sent = append(f.sent, subject)
	return nil
}

func (f *fakeSender) GetHost() string { return "fake" }

func TestNotifierReload(t *testing.T) {
	built := 0
	fake := &fakeSender{}
	n := NewNotifier([]string{"ops@example.com"}, "", false, system.NewTestLogger())
	n.newSender = func(SenderConfig, *secret.Secret, *zap.SugaredLogger) Sender {
		built++
		return fake
	}
	smtp := settings.SMTP{Enabled: true, Address: "smtp.example.com", Port: 25}
	failed := joblog.Record{Server: "main", Kind: joblog.KindGroup, Outcome: joblog.OutcomeFailed}

	require.NoError(t, n.Write(context.Background(), failed))
	assert.Empty(t, fake.sent, "disabled until reloaded")

	n.Reload(smtp, secret.New([]byte("pw")))
	n.Reload(smtp, secret.New([]byte("pw")))
	assert.Equal(t, 1, built, "unchanged settings keep the sender")
	n.Reload(smtp, secret.New([]byte("rotated")))
	assert.Equal(t, 2, built)

	require.NoError(t, n.Write(context.Background(), failed))
	require.NoError(t, n.Write(context.Background(), joblog.Record{Outcome: joblog.OutcomePartial}))
	require.NoError(t, n.Write(context.Background(), joblog.Record{Outcome: joblog.OutcomeSuccess}))
	assert.Len(t, fake.sent, 1)

	smtp.Enabled = false
	n.Reload(smtp, nil)
	assert.False(t, n.Enabled())
	require.NoError(t, n.Write(context.Background(), failed))
	assert.Len(t, fake.sent, 1)
	assert.Equal(t, SinkName, n.Name())
}

type blockingSender struct {
	password *secret.Secret
	started  chan struct{}
	proceed  chan struct{}
	seen     string
}

func (b *blockingSender) Send([]string, string, string) error {
	close(b.started)
	<-b.proceed
	b.seen = b.password.Reveal()
	return nil
}

func (b *blockingSender) GetHost() string { return "blocking" }

func TestNotifierReloadKeepsPasswordOfInflightSend(t *testing.T) {
	var first *blockingSender
	n := NewNotifier([]string{"ops@example.com"}, "", false, system.NewTestLogger())
	n.newSender = func(_ SenderConfig, password *secret.Secret, _ *zap.SugaredLogger) Sender {
		if first == nil {
			first = &blockingSender{password: password, started: make(chan struct{}), proceed: make(chan struct{})}
			return first
		}
		return &fakeSender{}
	}
	smtp := settings.SMTP{Enabled: true, Address: "smtp.example.com", Port: 25}
	n.Reload(smtp, secret.New([]byte("pw")))

	done := make(chan error, 1)
	go func() {
		done <- n.Write(context.Background(), joblog.Record{Server: "main", Outcome: joblog.OutcomeFailed})
	}()
	<-first.started

	n.Reload(smtp, secret.New([]byte("rotated")))
	assert.False(t, first.password.Released(), "password stays usable while a send is in flight")

	close(first.proceed)
	require.NoError(t, <-done)
	assert.Equal(t, "pw", first.seen)
	assert.True(t, first.password.Released(), "retired password is released after the send")
	assert.NoError(t, n.Close())
}

func TestNotifierWithoutRecipientsStaysDisabled(t *testing.T) {
	n := NewNotifier(nil, "", true, system.NewTestLogger())
	n.Reload(settings.SMTP{Enabled: true, Address: "smtp.example.com", Port: 25}, nil)
	assert.False(t, n.Enabled())
	assert.NoError(t, n.Close())
}
