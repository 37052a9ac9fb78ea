package webhook

import (
	"context"
	"fmt"

	"github.com/Adithya-Monish-Kumar-K/Actor-Ingestion-Platform/pkg/kafka"
)

// RelayHandler consumes notifications that an edge receiver forwarded to
// Kafka unchanged: the message value is the raw body and the signature
// travels in the SignatureHeader header. Only StatusError results fail the
// message, so undecodable or rejected notifications are not redelivered.
func RelayHandler(h *Handler) kafka.MessageHandler {
	return func(ctx context.Context, msg kafka.Message) error {
		payload, err := kafka.DecodeJSON[map[string]any](msg.Value)
		if err != nil {
			h.logger.Warn("dropping undecodable relayed webhook", "error", err)
			return nil
		}
		res := h.Handle(ctx, payload, msg.Value, msg.Headers[SignatureHeader])
		if res.Status == StatusError {
			return fmt.Errorf("relayed webhook for run %s: %s", res.RunID, res.Message)
		}
		return nil
	}
}
