package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"example.com/backstage/services/ingest/config"
)

// PlanOverage notifies downstream consumers that an organization went
// over its plan quota for an accounting window.
type PlanOverage struct {
	OrganizationID uuid.UUID `json:"organization_id"`
	IsHourly       bool      `json:"is_hourly"`
}

// ServiceBusClient is an interface for Azure Service Bus operations
type ServiceBusClient interface {
	SendMessage(ctx context.Context, body interface{}) error
	Close() error
}

// serviceBusClient implements the ServiceBusClient interface
type serviceBusClient struct {
	client     *azservicebus.Client
	sender     *azservicebus.Sender
	queueName  string
	clientType string
}

// NewServiceBusClient creates a new Azure Service Bus sender client
func NewServiceBusClient(cfg config.AzureConfig, queueName, clientType string) (ServiceBusClient, error) {
	if cfg.QueueConnStr == "" {
		return nil, fmt.Errorf("Azure Service Bus connection string is empty")
	}

	client, err := azservicebus.NewClientFromConnectionString(cfg.QueueConnStr, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Service Bus client: %w", err)
	}

	sender, err := client.NewSender(queueName, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Service Bus sender: %w", err)
	}

	return &serviceBusClient{
		client:     client,
		sender:     sender,
		queueName:  queueName,
		clientType: clientType,
	}, nil
}

// SendMessage sends a message to the Service Bus queue
func (s *serviceBusClient) SendMessage(ctx context.Context, body interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal message body: %w", err)
	}

	msg := &azservicebus.Message{
		Body: data,
		ApplicationProperties: map[string]interface{}{
			"source": s.clientType,
			"time":   time.Now().UTC().Format(time.RFC3339),
		},
	}

	return s.sender.SendMessage(ctx, msg, nil)
}

// Close closes the Service Bus client
func (s *serviceBusClient) Close() error {
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

// MessageHandler processes a single received message.
type MessageHandler func(ctx context.Context, message *azservicebus.ReceivedMessage) error

// Consumer receives event batch submissions from a Service Bus queue.
type Consumer struct {
	client    *azservicebus.Client
	queueName string
}

// NewConsumer creates a new Service Bus consumer
func NewConsumer(cfg config.AzureConfig) (*Consumer, error) {
	if cfg.QueueConnStr == "" {
		return nil, fmt.Errorf("Azure Service Bus connection string is empty")
	}

	client, err := azservicebus.NewClientFromConnectionString(cfg.QueueConnStr, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Service Bus client: %w", err)
	}

	return &Consumer{client: client, queueName: cfg.EventsQueueName}, nil
}

// ProcessMessages receives messages until the context is cancelled,
// completing messages the handler accepts and abandoning the rest back
// to the queue.
func (c *Consumer) ProcessMessages(ctx context.Context, handler MessageHandler) error {
	receiver, err := c.client.NewReceiverForQueue(c.queueName, nil)
	if err != nil {
		return fmt.Errorf("failed to create Service Bus receiver: %w", err)
	}
	defer func() {
		if err := receiver.Close(context.Background()); err != nil {
			log.Error().Err(err).Msg("Error closing Service Bus receiver")
		}
	}()

	for {
		messages, err := receiver.ReceiveMessages(ctx, 10, nil)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to receive messages: %w", err)
		}

		for _, message := range messages {
			if err := handler(ctx, message); err != nil {
				log.Error().Err(err).Str("message_id", message.MessageID).Msg("Error processing message")
				if err := receiver.AbandonMessage(ctx, message, nil); err != nil {
					log.Error().Err(err).Str("message_id", message.MessageID).Msg("Error abandoning message")
				}
				continue
			}

			if err := receiver.CompleteMessage(ctx, message, nil); err != nil {
				log.Error().Err(err).Str("message_id", message.MessageID).Msg("Error completing message")
			}
		}
	}
}

// Close closes the consumer's Service Bus connection
func (c *Consumer) Close() error {
	if c.client != nil {
		return c.client.Close(context.Background())
	}
	return nil
}
