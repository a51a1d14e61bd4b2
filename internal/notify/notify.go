// Package notify raises desktop notifications for health transitions.
package notify

import (
	"sync"

	"github.com/gen2brain/beeep"

	"shelfd/internal/config"
)

const appName = "shelfd"

// maxMessageLen keeps notification bodies short enough for every
// desktop's popup.
const maxMessageLen = 100

// deliver posts the notification. Swapped out in tests; beeep talks
// to the real desktop.
var deliver = beeep.Notify

// Notifier sends desktop notifications gated by the notify
// configuration. Delivery is best-effort: notification loss is never
// an error to the caller.
type Notifier struct {
	mu  sync.RWMutex
	cfg config.NotifyConfig
}

// New creates a notifier with the given gates.
func New(cfg config.NotifyConfig) *Notifier {
	return &Notifier{cfg: cfg}
}

// SetConfig swaps the gates on configuration reload.
func (n *Notifier) SetConfig(cfg config.NotifyConfig) {
	n.mu.Lock()
	n.cfg = cfg
	n.mu.Unlock()
}

// Critical announces a module going critical.
func (n *Notifier) Critical(module, message string) {
	n.mu.RLock()
	ok := n.cfg.Enabled && n.cfg.OnCritical
	n.mu.RUnlock()
	if !ok {
		return
	}

	body := module
	if message != "" {
		body = module + ": " + message
	}
	n.notify("health critical", body)
}

// Recovered announces a module back to healthy.
func (n *Notifier) Recovered(module string) {
	n.mu.RLock()
	ok := n.cfg.Enabled && n.cfg.OnRecovery
	n.mu.RUnlock()
	if !ok {
		return
	}

	n.notify("recovered", module+" is healthy again")
}

func (n *Notifier) notify(title, message string) {
	if len(message) > maxMessageLen {
		message = message[:maxMessageLen] + "..."
	}
	_ = deliver(appName+": "+title, message, "")
}
