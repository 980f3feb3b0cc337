package payments

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/ariefcatur/go-order-fulfillment/internal/observability"
	"github.com/ariefcatur/go-order-fulfillment/internal/orders"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const (
	webhookPaymentCaptured = "payment.captured"
	webhookPaymentFailed   = "payment.failed"
)

type Outcome string

const (
	OutcomeCaptured       Outcome = "captured"
	OutcomeFailed         Outcome = "failed"
	OutcomeAlreadyApplied Outcome = "already_processed"
	OutcomeDuplicate      Outcome = "duplicate"
	OutcomeIgnored        Outcome = "ignored"
	OutcomeLateCapture    Outcome = "late_capture"
	OutcomeUnknownPayment Outcome = "unknown_payment"
)

type webhookEvent struct {
	Event   string `json:"event"`
	Payload struct {
		Payment struct {
			Entity paymentEntity `json:"entity"`
		} `json:"payment"`
	} `json:"payload"`
}

type paymentEntity struct {
	ID               string `json:"id"`
	OrderID          string `json:"order_id"`
	Amount           int64  `json:"amount"`
	Currency         string `json:"currency"`
	Status           string `json:"status"`
	ErrorCode        string `json:"error_code"`
	ErrorDescription string `json:"error_description"`
}

// HandleWebhook is the asynchronous completion channel. body must be the raw
// request body the signature was computed over. Only a bad signature is
// reported to the gateway as a failure. Authenticated payloads that cannot be
// used are logged and acknowledged as ignored.
func (r *Reconciler) HandleWebhook(ctx context.Context, body []byte, signature, deliveryID string) (out Outcome, err error) {
	ctx, span := tracer.Start(ctx, "payments.HandleWebhook")
	defer func() { observability.EndSpan(span, err) }()

	if !r.validWebhookSignature(body, signature) {
		return "", orders.ErrInvalidSignature
	}
	var ev webhookEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		r.log.Warn("undecodable webhook body ignored", zap.Error(err))
		return OutcomeIgnored, nil
	}
	span.SetAttributes(attribute.String("webhook.event", ev.Event))

	if deliveryID != "" && r.dedup != nil {
		if seen, err := r.dedup.Seen(ctx, deliveryID); err == nil && seen {
			return OutcomeDuplicate, nil
		}
	}

	entity := ev.Payload.Payment.Entity
	switch ev.Event {
	case webhookPaymentCaptured, webhookPaymentFailed:
		if entity.OrderID == "" {
			r.log.Warn("webhook without payment order id", zap.String("event", ev.Event))
			return OutcomeIgnored, nil
		}
	default:
		r.log.Debug("webhook event ignored", zap.String("event", ev.Event))
		return OutcomeIgnored, nil
	}

	if ev.Event == webhookPaymentCaptured {
		out, err = r.webhookCaptured(ctx, entity)
	} else {
		out, err = r.webhookFailed(ctx, entity)
	}
	if errors.Is(err, orders.ErrPaymentNotFound) {
		r.log.Warn("webhook for unknown payment", zap.String("gateway_order_id", entity.OrderID))
		out, err = OutcomeUnknownPayment, nil
	}
	if err == nil && deliveryID != "" && r.dedup != nil {
		if merr := r.dedup.Mark(ctx, deliveryID); merr != nil {
			r.log.Warn("mark webhook delivery", zap.String("delivery_id", deliveryID), zap.Error(merr))
		}
	}
	return out, err
}

func (r *Reconciler) webhookCaptured(ctx context.Context, e paymentEntity) (Outcome, error) {
	res, err := r.capture(ctx, e.OrderID, e.ID, "")
	if errors.Is(err, orders.ErrLateCapture) {
		r.alertLateCapture(ctx, e.OrderID, e.ID, err)
		return OutcomeLateCapture, nil
	}
	if err != nil {
		return "", err
	}
	if res.AlreadyCaptured {
		return OutcomeAlreadyApplied, nil
	}
	return OutcomeCaptured, nil
}

func (r *Reconciler) webhookFailed(ctx context.Context, e paymentEntity) (Outcome, error) {
	reason := e.ErrorDescription
	if reason == "" {
		reason = "payment failed"
	}
	changed, err := r.fail(ctx, e.OrderID, e.ID, reason)
	if err != nil {
		return "", err
	}
	if !changed {
		return OutcomeAlreadyApplied, nil
	}
	return OutcomeFailed, nil
}

func (r *Reconciler) validWebhookSignature(body []byte, signature string) bool {
	if r.secrets.WebhookSecret == "" {
		return r.debug
	}
	return VerifyWebhookSignature(r.secrets.WebhookSecret, body, signature)
}
