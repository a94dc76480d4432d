package mail

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/telekom/omnibus-reconciler/pkg/joblog"
	"github.com/telekom/omnibus-reconciler/pkg/secret"
	"github.com/telekom/omnibus-reconciler/pkg/settings"
)

// SinkName is the job log sink name of the Notifier.
const SinkName = "mail"

// Notifier mails configured recipients when a sync job ends failed or
// partial. It is reconfigured from the SMTP block on every pass; while SMTP
// is disabled or no recipients are set, records are dropped.
type Notifier struct {
	recipients []string
	instance   string
	notify     map[joblog.Outcome]bool
	logger     *zap.SugaredLogger
	newSender  func(SenderConfig, *secret.Secret, *zap.SugaredLogger) Sender

	mu     sync.RWMutex
	active *activeSender
	cfg    SenderConfig
}

// activeSender pairs a Sender with the password it was built from. The
// password is released once the sender is retired and no send is in flight.
type activeSender struct {
	Sender
	password *secret.Secret

	mu       sync.Mutex
	inflight int
	retired  bool
}

func (a *activeSender) acquire() {
	a.mu.Lock()
	a.inflight++
	a.mu.Unlock()
}

func (a *activeSender) release() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.inflight--
	if a.retired && a.inflight == 0 {
		a.password.Release()
	}
}

func (a *activeSender) retire() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.retired = true
	if a.inflight == 0 {
		a.password.Release()
	}
}

// NewNotifier creates a disabled Notifier. onPartial also mails partial
// outcomes.
func NewNotifier(recipients []string, instance string, onPartial bool, logger *zap.SugaredLogger) *Notifier {
	notify := map[joblog.Outcome]bool{joblog.OutcomeFailed: true}
	if onPartial {
		notify[joblog.OutcomePartial] = true
	}
	return &Notifier{
		recipients: recipients,
		instance:   instance,
		notify:     notify,
		logger:     logger.Named("mail-notifier"),
		newSender:  NewSender,
	}
}

// Reload applies the SMTP settings of a pass. The sender is only rebuilt
// when the relay configuration or password changed.
func (n *Notifier) Reload(smtp settings.SMTP, password *secret.Secret) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !smtp.Enabled || len(n.recipients) == 0 {
		if n.active != nil {
			n.logger.Info("Mail notifications disabled")
		}
		n.reset()
		return
	}
	cfg := ConfigFromSettings(smtp)
	if n.active != nil && cfg == n.cfg && n.active.password.Equal(password) {
		return
	}
	n.reset()
	n.cfg = cfg
	own := password.Clone()
	n.active = &activeSender{Sender: n.newSender(cfg, own, n.logger), password: own}
	n.logger.Infow("Mail notifications configured", "host", cfg.Host, "port", cfg.Port, "recipients", len(n.recipients))
}

func (n *Notifier) reset() {
	if n.active != nil {
		n.active.retire()
	}
	n.active = nil
	n.cfg = SenderConfig{}
}

// Enabled reports whether notifications are currently sent.
func (n *Notifier) Enabled() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.active != nil
}

func (n *Notifier) Write(_ context.Context, r joblog.Record) error {
	if !n.notify[r.Outcome] {
		return nil
	}
	n.mu.RLock()
	a := n.active
	if a != nil {
		a.acquire()
	}
	n.mu.RUnlock()
	if a == nil {
		return nil
	}
	defer a.release()
	subject, body, err := RenderJobMail(r, n.instance)
	if err != nil {
		return err
	}
	return a.Send(n.recipients, subject, body)
}

func (n *Notifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.reset()
	return nil
}

func (n *Notifier) Name() string { return SinkName }
