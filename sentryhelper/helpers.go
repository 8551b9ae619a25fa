// Package sentryhelper provides utilities for Sentry transaction and scope management.
// It keeps breadcrumbs and context isolated per HTTP command.
package sentryhelper

import (
	"context"
	"fmt"

	sentry "github.com/getsentry/sentry-go"
)

type contextKey string

const hubContextKey contextKey = "sentry_hub"

// StartCommandTransaction opens a transaction for one player command on a
// cloned hub, so breadcrumbs and tags stay with that command.
func StartCommandTransaction(ctx context.Context, commandName string, sessionID string) (context.Context, *sentry.Span) {
	hub := sentry.CurrentHub().Clone()
	ctx = context.WithValue(ctx, hubContextKey, hub)

	transaction := sentry.StartTransaction(ctx, fmt.Sprintf("player.command.%s", commandName),
		sentry.WithOpName("player.command"),
		sentry.WithTransactionSource(sentry.SourceRoute),
	)
	transaction.SetTag("command", commandName)
	transaction.SetTag("session_id", sessionID)

	hub.Scope().SetSpan(transaction)

	return transaction.Context(), transaction
}

// HubFromContext returns the command hub, or CurrentHub outside a command.
func HubFromContext(ctx context.Context) *sentry.Hub {
	if ctx == nil {
		return sentry.CurrentHub()
	}
	if hub, ok := ctx.Value(hubContextKey).(*sentry.Hub); ok && hub != nil {
		return hub
	}
	return sentry.CurrentHub()
}

func AddBreadcrumb(ctx context.Context, breadcrumb *sentry.Breadcrumb) {
	HubFromContext(ctx).AddBreadcrumb(breadcrumb, nil)
}

func CaptureException(ctx context.Context, err error) *sentry.EventID {
	return HubFromContext(ctx).CaptureException(err)
}

// FinishCommand sets the transaction status from err and finishes it.
func FinishCommand(span *sentry.Span, err error) {
	if err != nil {
		span.Status = sentry.SpanStatusInvalidArgument
	} else {
		span.Status = sentry.SpanStatusOK
	}
	span.Finish()
}
