package payment

import (
	"context"
	"drone-delivery-service/internal/domain"
	"log"
)

// LogRefundPublisher records refund requests in the log when no broker is
// configured. The payment collaborator reconciles from cancelled orders.
type LogRefundPublisher struct{}

func (LogRefundPublisher) RequestRefund(ctx context.Context, refund domain.RefundDescriptor) error {
	log.Printf("refund requested: order=%s amount=%d method=%s", refund.OrderID, refund.Amount, refund.Method)
	return nil
}
