package messaging

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/ConciergePipe/internal/models"
)

// processingErrorMessage is sent to the participant when a turn fails outright.
const processingErrorMessage = "⚠️ We encountered an issue processing your message. Please try again."

// TurnEngine is the conversation engine consumed by the response handler: one
// inbound message in, the ordered assistant replies out.
type TurnEngine interface {
	HandleResponse(ctx context.Context, resp models.Response) ([]string, error)
}

// ResponseHandler routes every inbound message into the conversation engine
// and delivers the engine's replies back through the messaging service. It
// also drains the service's receipt channel so delivery events never back up.
type ResponseHandler struct {
	engine     TurnEngine
	msgService Service
}

// NewResponseHandler creates a ResponseHandler over the given engine and
// messaging service.
func NewResponseHandler(engine TurnEngine, msgService Service) *ResponseHandler {
	return &ResponseHandler{
		engine:     engine,
		msgService: msgService,
	}
}

// Start begins processing responses and receipts from the messaging service.
// This should be called once; the pumps run until the context is cancelled or
// the service channels close.
func (rh *ResponseHandler) Start(ctx context.Context) {
	slog.Info("ResponseHandler starting response processing")
	go rh.pumpResponses(ctx)
	go rh.pumpReceipts(ctx)
}

func (rh *ResponseHandler) pumpResponses(ctx context.Context) {
	defer slog.Info("ResponseHandler stopped response processing")

	for {
		select {
		case response, ok := <-rh.msgService.Responses():
			if !ok {
				slog.Debug("ResponseHandler responses channel closed")
				return
			}
			if err := rh.ProcessResponse(ctx, response); err != nil {
				slog.Error("ResponseHandler failed to process response", "error", err, "from", response.From)
			}

		case <-ctx.Done():
			slog.Debug("ResponseHandler stopping due to context cancellation")
			return
		}
	}
}

func (rh *ResponseHandler) pumpReceipts(ctx context.Context) {
	for {
		select {
		case receipt, ok := <-rh.msgService.Receipts():
			if !ok {
				return
			}
			slog.Debug("ResponseHandler receipt", "to", receipt.To, "status", receipt.Status)

		case <-ctx.Done():
			return
		}
	}
}

// ProcessResponse runs one inbound message through the engine and sends every
// reply back to the participant in order. Replies after a delivery failure
// are not attempted; the engine has already persisted the turn, so the
// participant's next message continues from the right state.
func (rh *ResponseHandler) ProcessResponse(ctx context.Context, response models.Response) error {
	canonicalFrom, err := rh.msgService.ValidateAndCanonicalizeRecipient(response.From)
	if err != nil {
		slog.Error("ResponseHandler ProcessResponse validation failed", "error", err, "from", response.From)
		return fmt.Errorf("invalid sender: %w", err)
	}
	response.From = canonicalFrom

	slog.Debug("ResponseHandler processing response",
		"from", canonicalFrom, "messageID", response.MessageID, "body_length", len(response.Body))

	replies, err := rh.engine.HandleResponse(ctx, response)
	if err != nil {
		slog.Error("ResponseHandler engine rejected response", "error", err, "from", canonicalFrom)
		if sendErr := rh.msgService.SendMessage(ctx, canonicalFrom, processingErrorMessage); sendErr != nil {
			slog.Error("ResponseHandler failed to send error message", "error", sendErr, "from", canonicalFrom)
		}
		return fmt.Errorf("turn failed: %w", err)
	}

	for i, reply := range replies {
		if err := rh.msgService.SendMessage(ctx, canonicalFrom, reply); err != nil {
			slog.Error("ResponseHandler failed to deliver reply",
				"error", err, "from", canonicalFrom, "reply", i+1, "of", len(replies))
			return fmt.Errorf("failed to deliver reply %d of %d: %w", i+1, len(replies), err)
		}
	}

	slog.Info("ResponseHandler turn delivered", "from", canonicalFrom, "replies", len(replies))
	return nil
}
