package messaging

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Omer1970/ShippingAPP-sub001/config"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// MessageTypeSyncRequest marks a request to push a delivery to the ERP
const MessageTypeSyncRequest = "delivery.sync.requested"

// SyncRequest asks the worker to sync one delivery
type SyncRequest struct {
	DeliveryID  uuid.UUID `json:"delivery_id"`
	Source      string    `json:"source"`
	RequestedAt time.Time `json:"requested_at"`
}

// SyncPublisher hands sync requests to the worker
type SyncPublisher interface {
	PublishSyncRequest(ctx context.Context, req SyncRequest) error
	Close() error
}

// SyncHandler processes one received sync request
type SyncHandler func(ctx context.Context, req SyncRequest) error

// ServiceBusClient sends and receives sync requests on one queue
type ServiceBusClient struct {
	client    *azservicebus.Client
	sender    *azservicebus.Sender
	queueName string
	source    string
}

// NewServiceBusClient creates a new Azure Service Bus client
func NewServiceBusClient(cfg config.AzureConfig, source string) (*ServiceBusClient, error) {
	if cfg.QueueConnStr == "" {
		return nil, errors.New("Azure Service Bus connection string is empty")
	}

	client, err := azservicebus.NewClientFromConnectionString(cfg.QueueConnStr, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Service Bus client")
	}

	sender, err := client.NewSender(cfg.SyncQueueName, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Service Bus sender")
	}

	return &ServiceBusClient{
		client:    client,
		sender:    sender,
		queueName: cfg.SyncQueueName,
		source:    source,
	}, nil
}

// EncodeSyncRequest builds the Service Bus message of a sync request
func EncodeSyncRequest(req SyncRequest, source string) (*azservicebus.Message, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal sync request")
	}
	messageID := req.DeliveryID.String()
	return &azservicebus.Message{
		Body:      data,
		MessageID: &messageID,
		ApplicationProperties: map[string]interface{}{
			"type":   MessageTypeSyncRequest,
			"source": source,
			"time":   time.Now().UTC().Format(time.RFC3339),
		},
	}, nil
}

// DecodeSyncRequest parses a received message body
func DecodeSyncRequest(body []byte) (SyncRequest, error) {
	var req SyncRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return req, errors.Wrap(err, "failed to unmarshal sync request")
	}
	if req.DeliveryID == uuid.Nil {
		return req, errors.New("sync request has no delivery id")
	}
	return req, nil
}

// PublishSyncRequest implements SyncPublisher
func (s *ServiceBusClient) PublishSyncRequest(ctx context.Context, req SyncRequest) error {
	msg, err := EncodeSyncRequest(req, s.source)
	if err != nil {
		return err
	}
	if err := s.sender.SendMessage(ctx, msg, nil); err != nil {
		return errors.Wrap(err, "failed to send sync request")
	}
	return nil
}

// Consume receives sync requests until ctx is cancelled. Handled messages
// are completed, failed ones abandoned for redelivery and malformed ones
// dead-lettered.
func (s *ServiceBusClient) Consume(ctx context.Context, handler SyncHandler) error {
	receiver, err := s.client.NewReceiverForQueue(s.queueName, nil)
	if err != nil {
		return errors.Wrap(err, "failed to create Service Bus receiver")
	}
	defer receiver.Close(context.Background())

	log.Info().Str("queue", s.queueName).Msg("Consuming sync requests")
	for {
		messages, err := receiver.ReceiveMessages(ctx, 10, nil)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Error().Err(err).Msg("Failed to receive sync requests")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(5 * time.Second):
			}
			continue
		}

		for _, message := range messages {
			s.handle(ctx, receiver, message, handler)
		}
	}
}

func (s *ServiceBusClient) handle(ctx context.Context, receiver *azservicebus.Receiver, message *azservicebus.ReceivedMessage, handler SyncHandler) {
	settleCtx := context.Background()

	if t, ok := message.ApplicationProperties["type"].(string); ok && t != MessageTypeSyncRequest {
		log.Warn().Str("type", t).Str("message_id", message.MessageID).Msg("Ignoring unknown message type")
		if err := receiver.CompleteMessage(settleCtx, message, nil); err != nil {
			log.Error().Err(err).Msg("Failed to complete message")
		}
		return
	}

	req, err := DecodeSyncRequest(message.Body)
	if err != nil {
		log.Error().Err(err).Str("message_id", message.MessageID).Msg("Dead-lettering malformed sync request")
		reason := "malformed"
		desc := err.Error()
		if err := receiver.DeadLetterMessage(settleCtx, message, &azservicebus.DeadLetterOptions{Reason: &reason, ErrorDescription: &desc}); err != nil {
			log.Error().Err(err).Msg("Failed to dead-letter message")
		}
		return
	}

	if err := handler(ctx, req); err != nil {
		log.Error().Err(err).Str("delivery_id", req.DeliveryID.String()).Msg("Sync request handling failed")
		if err := receiver.AbandonMessage(settleCtx, message, nil); err != nil {
			log.Error().Err(err).Msg("Failed to abandon message")
		}
		return
	}

	if err := receiver.CompleteMessage(settleCtx, message, nil); err != nil {
		log.Error().Err(err).Str("delivery_id", req.DeliveryID.String()).Msg("Failed to complete message")
	}
}

// Close closes the Service Bus client
func (s *ServiceBusClient) Close() error {
	if s.sender != nil {
		if err := s.sender.Close(context.Background()); err != nil {
			return err
		}
	}
	if s.client != nil {
		return s.client.Close(context.Background())
	}
	return nil
}
