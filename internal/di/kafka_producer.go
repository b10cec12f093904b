package di

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"github.com/nuhmanudheent/hosp-connect-attention-service/internal/domain"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaProducer publishes appointment events for the notification service.
type KafkaProducer struct {
	writer messageWriter
	topic  string
	Logger *logrus.Logger
}

func NewKafkaProducer(broker, topic string, logger *logrus.Logger) *KafkaProducer {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(broker),
		Topic:                  topic,
		Balancer:               &kafka.LeastBytes{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}
	return &KafkaProducer{writer: writer, topic: topic, Logger: logger}
}

func (kp *KafkaProducer) AppointmentEvent(ctx context.Context, event domain.AppointmentEvent) error {
	message, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := kafka.Message{
		// keyed by appointment so events for one appointment stay ordered
		Key:   []byte(strconv.FormatInt(event.AppointmentId, 10)),
		Value: message,
	}
	if err := kp.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to produce message: %w", err)
	}

	kp.Logger.WithFields(logrus.Fields{
		"Function":      "AppointmentEvent",
		"Topic":         kp.topic,
		"AppointmentID": event.AppointmentId,
		"Kind":          event.Kind,
	}).Info("Message delivered")
	return nil
}

func (kp *KafkaProducer) Close() error {
	return kp.writer.Close()
}

// EnsureTopicExists creates topic on the cluster controller if it is missing.
func EnsureTopicExists(broker, topic string) error {
	conn, err := kafka.Dial("tcp", broker)
	if err != nil {
		return fmt.Errorf("failed to dial kafka: %w", err)
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("failed to find kafka controller: %w", err)
	}
	ctrl, err := kafka.Dial("tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		return fmt.Errorf("failed to dial kafka controller: %w", err)
	}
	defer ctrl.Close()

	err = ctrl.CreateTopics(kafka.TopicConfig{
		Topic:             topic,
		NumPartitions:     1,
		ReplicationFactor: 1,
	})
	if errors.Is(err, kafka.TopicAlreadyExists) {
		return nil
	}
	return err
}

// LogNotifier stands in for Kafka when no broker is configured.
type LogNotifier struct {
	Logger *logrus.Logger
}

func (n LogNotifier) AppointmentEvent(_ context.Context, event domain.AppointmentEvent) error {
	n.Logger.WithFields(logrus.Fields{
		"Function":      "AppointmentEvent",
		"AppointmentID": event.AppointmentId,
		"Recipient":     event.Recipient,
		"Kind":          event.Kind,
	}).Info("Notification not sent, no broker configured")
	return nil
}
