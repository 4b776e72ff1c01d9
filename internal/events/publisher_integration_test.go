package events_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"

	"github.com/bancosol/ledger-service/internal/domain"
	"github.com/bancosol/ledger-service/internal/events"
)

// TestPublisherIntegration publishes a balance-changed event to a real
// RabbitMQ broker and verifies a consumer bound to the topic exchange
// receives it with the expected routing key and payload.
func TestPublisherIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()

	container, rabbitURL := startRabbitMQContainer(t, ctx)
	defer func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate rabbitmq container: %v", err)
		}
	}()

	exchange := "ledger.operations.test"
	prefix := "ledger.operations"

	publisher, err := events.NewRabbitMQPublisher(rabbitURL, exchange, prefix, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to create rabbitmq publisher: %v", err)
	}
	defer publisher.Close()

	deliveries, stopConsumer := startEventConsumer(t, rabbitURL, exchange, prefix+".#")
	defer stopConsumer()

	// Give the consumer a moment to bind.
	time.Sleep(500 * time.Millisecond)

	event := domain.BalanceChangedEvent{
		EventID:       uuid.New().String(),
		OperationID:   "op-evt-1",
		AccountID:     uuid.New().String(),
		OperationType: string(domain.OperationTypeDeposit),
		Amount:        "25.50",
		BalanceAfter:  "125.50",
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
	}
	if err := publisher.PublishBalanceChanged(ctx, event); err != nil {
		t.Fatalf("failed to publish event: %v", err)
	}

	select {
	case delivery := <-deliveries:
		if delivery.RoutingKey != "ledger.operations.deposit" {
			t.Errorf("unexpected routing key: %s", delivery.RoutingKey)
		}
		if delivery.MessageId != event.EventID {
			t.Errorf("expected message id %s, got %s", event.EventID, delivery.MessageId)
		}

		var received domain.BalanceChangedEvent
		if err := json.Unmarshal(delivery.Body, &received); err != nil {
			t.Fatalf("failed to decode event payload: %v", err)
		}
		if received != event {
			t.Errorf("payload mismatch:\n got %+v\nwant %+v", received, event)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for published event")
	}
}

// startRabbitMQContainer starts a RabbitMQ testcontainer and returns the AMQP URL.
func startRabbitMQContainer(t *testing.T, ctx context.Context) (testcontainers.Container, string) {
	req := testcontainers.ContainerRequest{
		Image:        "rabbitmq:3-management",
		ExposedPorts: []string{"5672/tcp"},
		Env: map[string]string{
			"RABBITMQ_DEFAULT_USER": "guest",
			"RABBITMQ_DEFAULT_PASS": "guest",
		},
		WaitingFor: wait.ForLog("Server startup complete"),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("failed to start rabbitmq container: %v", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("failed to get rabbitmq host: %v", err)
	}

	port, err := container.MappedPort(ctx, "5672")
	if err != nil {
		t.Fatalf("failed to get rabbitmq port: %v", err)
	}

	rabbitURL := fmt.Sprintf("amqp://guest:guest@%s:%s/", host, port.Port())
	return container, rabbitURL
}

// startEventConsumer binds an exclusive queue to the exchange and returns
// a delivery channel plus a cleanup function.
func startEventConsumer(t *testing.T, rabbitURL, exchange, bindingKey string) (<-chan amqp.Delivery, func()) {
	conn, err := amqp.Dial(rabbitURL)
	if err != nil {
		t.Fatalf("consumer failed to connect: %v", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		t.Fatalf("consumer failed to open channel: %v", err)
	}

	queue, err := channel.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		t.Fatalf("failed to declare queue: %v", err)
	}

	if err := channel.QueueBind(queue.Name, bindingKey, exchange, false, nil); err != nil {
		t.Fatalf("failed to bind queue: %v", err)
	}

	deliveries, err := channel.Consume(queue.Name, "", true, true, false, false, nil)
	if err != nil {
		t.Fatalf("failed to start consuming: %v", err)
	}

	return deliveries, func() {
		channel.Close()
		conn.Close()
	}
}
