package changefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPPublisher publishes to a durable topic exchange with publisher
// confirms, so Publish returns only after the broker took the message.
type AMQPPublisher struct {
	exchange string

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// DialAMQP connects to url and declares exchange. When shards is positive
// it also declares one durable queue per shard, bound by its routing key.
func DialAMQP(url, exchange string, shards int) (*AMQPPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("changefeed: dial broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("changefeed: open channel: %w", err)
	}

	if err := declareTopology(ch, exchange, shards); err != nil {
		conn.Close()
		return nil, err
	}
	if err := ch.Confirm(false); err != nil {
		conn.Close()
		return nil, fmt.Errorf("changefeed: enable confirms: %w", err)
	}
	return &AMQPPublisher{exchange: exchange, conn: conn, ch: ch}, nil
}

func declareTopology(ch *amqp.Channel, exchange string, shards int) error {
	if err := ch.ExchangeDeclare(
		exchange,
		"topic",
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		return fmt.Errorf("changefeed: declare exchange %s: %w", exchange, err)
	}

	for i := 0; i < shards; i++ {
		queue := exchange + "." + strconv.Itoa(i)
		if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
			return fmt.Errorf("changefeed: declare queue %s: %w", queue, err)
		}
		if err := ch.QueueBind(queue, RoutingKey(i), exchange, false, nil); err != nil {
			return fmt.Errorf("changefeed: bind queue %s: %w", queue, err)
		}
	}
	return nil
}

// Publish sends msg and waits for the broker's confirmation.
func (p *AMQPPublisher) Publish(ctx context.Context, routingKey string, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	confirm, err := p.ch.PublishWithDeferredConfirmWithContext(ctx,
		p.exchange,
		routingKey,
		true,  // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:   "application/json",
			DeliveryMode:  amqp.Persistent,
			MessageId:     uuid.NewString(),
			CorrelationId: strconv.FormatInt(msg.Sequence, 10),
			Timestamp:     msg.Timestamp,
			Type:          msg.Action,
			Body:          body,
		},
	)
	if err != nil {
		return fmt.Errorf("changefeed: publish: %w", err)
	}
	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("changefeed: wait for confirm: %w", err)
	}
	if !acked {
		return fmt.Errorf("changefeed: broker rejected sequence %d", msg.Sequence)
	}
	return nil
}

// Close closes the channel and connection.
func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil {
		p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
