// Package notify composes push notifications and fans them out to subscriber
// tokens through a push provider.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"notice_crawler/internal/model"
)

// MetaDeepLink is the metadata key carrying the in-app path of a notice.
const MetaDeepLink = "path"

// Outcome is the delivery result for one token.
type Outcome struct {
	Token string
	Err   error
}

// Provider delivers a payload to a set of tokens. A returned error means the
// batch could not be attempted at all; per-token failures are reported in the
// outcomes.
type Provider interface {
	Send(ctx context.Context, payload model.NotificationPayload, tokens []string, metadata map[string]string) ([]Outcome, error)
}

// PartialFailureError lists tokens that could not be reached.
type PartialFailureError struct {
	Failed []string
	Total  int
}

func (e *PartialFailureError) Error() string {
	return fmt.Sprintf("delivery failed for %d of %d tokens", len(e.Failed), e.Total)
}

// Dispatcher sends notifications, tolerating individual token failures.
type Dispatcher struct {
	provider Provider
	log      *slog.Logger
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(p Provider, log *slog.Logger) *Dispatcher {
	return &Dispatcher{provider: p, log: log}
}

// Dispatch delivers payload to tokens with deepLink attached. Failed tokens are
// logged and reported as *PartialFailureError; they are never retried here.
func (d *Dispatcher) Dispatch(ctx context.Context, payload model.NotificationPayload, tokens []string, deepLink string) error {
	if len(tokens) == 0 {
		d.log.Debug("no tokens to notify", "title", payload.Title)
		return nil
	}

	meta := map[string]string{}
	if deepLink != "" {
		meta[MetaDeepLink] = deepLink
	}

	outcomes, err := d.provider.Send(ctx, payload, tokens, meta)
	if err != nil {
		d.log.Error("send notification", "tokens", len(tokens), "error", err)
		return &PartialFailureError{Failed: tokens, Total: len(tokens)}
	}

	var failed []string
	for _, o := range outcomes {
		if o.Err != nil {
			d.log.Warn("deliver notification", "token", o.Token, "error", o.Err)
			failed = append(failed, o.Token)
		}
	}
	d.log.Info("notification sent",
		"title", payload.Title,
		"delivered", len(tokens)-len(failed),
		"failed", len(failed),
		"path", deepLink,
	)
	if len(failed) > 0 {
		return &PartialFailureError{Failed: failed, Total: len(tokens)}
	}
	return nil
}

// FormatMessage renders a payload as plain message text.
func FormatMessage(payload model.NotificationPayload, deepLink string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s]\n\n", payload.Title)
	b.WriteString(payload.Body)
	if deepLink != "" {
		b.WriteString("\n\n")
		b.WriteString(deepLink)
	}
	return b.String()
}
