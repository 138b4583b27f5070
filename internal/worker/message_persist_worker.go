package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"gorm.io/gorm"

	"rawrag/internal/model"
	"rawrag/internal/platform/rabbitmq"
)

type MessageStore interface {
	Create(ctx context.Context, message *model.Message) error
}

type outcome int

const (
	outcomeAck outcome = iota
	outcomeRetry
	outcomeDrop
)

// MessagePersistWorker drains the history queue into the message table.
type MessagePersistWorker struct {
	conn      *amqp.Connection
	store     MessageStore
	queueName string
	logger    *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewMessagePersistWorker(conn *amqp.Connection, store MessageStore, queueName string, logger *slog.Logger) *MessagePersistWorker {
	return &MessagePersistWorker{
		conn:      conn,
		store:     store,
		queueName: queueName,
		logger:    logger,
	}
}

func (w *MessagePersistWorker) Start(ctx context.Context) error {
	if w.cancel != nil {
		return nil
	}

	ch, err := w.conn.Channel()
	if err != nil {
		return fmt.Errorf("open worker channel failed: %w", err)
	}
	if err := rabbitmq.DeclareQueue(ch, w.queueName); err != nil {
		_ = ch.Close()
		return err
	}
	if err := ch.Qos(32, 0, false); err != nil {
		_ = ch.Close()
		return fmt.Errorf("set worker qos failed: %w", err)
	}
	deliveries, err := ch.Consume(w.queueName, "rawrag-history", false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return fmt.Errorf("consume queue failed: %w", err)
	}

	workerCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer ch.Close()

		for {
			select {
			case <-workerCtx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					w.logger.Warn("history queue delivery channel closed")
					return
				}
				switch w.handle(workerCtx, d.Body) {
				case outcomeAck:
					_ = d.Ack(false)
				case outcomeRetry:
					// One redelivery; a second failure drops the message.
					_ = d.Nack(false, !d.Redelivered)
				default:
					_ = d.Nack(false, false)
				}
			}
		}
	}()

	w.logger.Info("message persist worker started", "queue", w.queueName)
	return nil
}

func (w *MessagePersistWorker) handle(ctx context.Context, body []byte) outcome {
	var msg model.Message
	if err := json.Unmarshal(body, &msg); err != nil {
		w.logger.Error("worker decode message failed", "error", err)
		return outcomeDrop
	}
	if msg.ID == "" || msg.ConversationID == "" {
		w.logger.Error("worker received incomplete message", "message_id", msg.ID, "conversation_id", msg.ConversationID)
		return outcomeDrop
	}

	if err := w.store.Create(ctx, &msg); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return outcomeAck
		}
		w.logger.Error("worker persist message failed", "message_id", msg.ID, "conversation_id", msg.ConversationID, "error", err)
		return outcomeRetry
	}
	return outcomeAck
}

func (w *MessagePersistWorker) Close() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
}
