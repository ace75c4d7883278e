package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"imagedetect/pkg/messaging"
)

type fakeChannel struct {
	declaredName    string
	declaredDurable bool
	published       []amqp.Publishing
	confirms        chan amqp.Confirmation
}

func (f *fakeChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	f.declaredName = name
	f.declaredDurable = durable
	return amqp.Queue{Name: name}, nil
}

func (f *fakeChannel) Confirm(noWait bool) error { return nil }

func (f *fakeChannel) NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation {
	f.confirms = confirm
	return confirm
}

func (f *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	f.published = append(f.published, msg)
	f.confirms <- amqp.Confirmation{DeliveryTag: uint64(len(f.published)), Ack: true}
	return nil
}

func (f *fakeChannel) Close() error { return nil }

// newTestPublisher fails the first failures connection attempts, then hands
// out the fake channel.
func newTestPublisher(ch *fakeChannel, failures int, maxAttempts int) (*Publisher, *int) {
	attempts := 0
	return &Publisher{
		queueName:   "image_processing",
		maxAttempts: maxAttempts,
		retryDelay:  time.Millisecond,
		connect: func() (publishChannel, func(), error) {
			attempts++
			if attempts <= failures {
				return nil, nil, errors.New("broker unreachable")
			}
			return ch, func() {}, nil
		},
	}, &attempts
}

func TestPublishSucceedsWithinRetryBudget(t *testing.T) {
	ch := &fakeChannel{}
	pub, attempts := newTestPublisher(ch, 2, 5)

	job := messaging.JobMessage{ImageID: 42, StoragePath: "uploads/20240101_cat.jpg"}
	if err := pub.Publish(context.Background(), job); err != nil {
		t.Fatalf("Publish returned error: %v", err)
	}
	if *attempts != 3 {
		t.Errorf("expected 3 connection attempts, got %d", *attempts)
	}
	if len(ch.published) != 1 {
		t.Fatalf("expected 1 published message, got %d", len(ch.published))
	}

	var got messaging.JobMessage
	if err := json.Unmarshal(ch.published[0].Body, &got); err != nil {
		t.Fatalf("published body is not valid JSON: %v", err)
	}
	if got != job {
		t.Errorf("published job = %+v, want %+v", got, job)
	}
}

func TestPublishExhaustsRetries(t *testing.T) {
	ch := &fakeChannel{}
	pub, attempts := newTestPublisher(ch, 10, 3)

	err := pub.Publish(context.Background(), messaging.JobMessage{ImageID: 1, StoragePath: "uploads/x.png"})
	if err == nil {
		t.Fatal("expected fatal error after exhausting retries")
	}
	if *attempts != 3 {
		t.Errorf("expected 3 connection attempts, got %d", *attempts)
	}
	if len(ch.published) != 0 {
		t.Errorf("no message should reach the queue, got %d", len(ch.published))
	}
}

func TestPublishUsesDurableQueueAndPersistentDelivery(t *testing.T) {
	ch := &fakeChannel{}
	pub, _ := newTestPublisher(ch, 0, 1)

	if err := pub.Publish(context.Background(), messaging.JobMessage{ImageID: 7, StoragePath: "uploads/a.jpg"}); err != nil {
		t.Fatalf("Publish returned error: %v", err)
	}
	if ch.declaredName != "image_processing" || !ch.declaredDurable {
		t.Errorf("queue declare = (%q, durable=%t), want (image_processing, true)", ch.declaredName, ch.declaredDurable)
	}
	msg := ch.published[0]
	if msg.DeliveryMode != amqp.Persistent {
		t.Errorf("delivery mode = %d, want persistent", msg.DeliveryMode)
	}
	if msg.ContentType != "application/json" {
		t.Errorf("content type = %q, want application/json", msg.ContentType)
	}
}

type fakeAcknowledger struct {
	acks    int
	nacks   int
	rejects int
	requeue bool
}

func (f *fakeAcknowledger) Ack(tag uint64, multiple bool) error {
	f.acks++
	return nil
}

func (f *fakeAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	f.nacks++
	f.requeue = requeue
	return nil
}

func (f *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	f.rejects++
	f.requeue = requeue
	return nil
}

func TestDispatchAcksOnSuccess(t *testing.T) {
	ack := &fakeAcknowledger{}
	body, _ := json.Marshal(messaging.JobMessage{ImageID: 42, StoragePath: "uploads/cat.jpg"})
	msg := amqp.Delivery{Acknowledger: ack, DeliveryTag: 1, Body: body}

	c := &Consumer{queueName: "image_processing"}
	c.dispatch(context.Background(), msg, func(ctx context.Context, job messaging.JobMessage) error {
		return nil
	})

	if ack.acks != 1 || ack.nacks != 0 {
		t.Errorf("acks=%d nacks=%d, want 1/0", ack.acks, ack.nacks)
	}
}

func TestDispatchNacksAndRequeuesOnHandlerError(t *testing.T) {
	ack := &fakeAcknowledger{}
	body, _ := json.Marshal(messaging.JobMessage{ImageID: 42, StoragePath: "uploads/cat.jpg"})
	msg := amqp.Delivery{Acknowledger: ack, DeliveryTag: 1, Body: body}

	c := &Consumer{queueName: "image_processing"}
	c.dispatch(context.Background(), msg, func(ctx context.Context, job messaging.JobMessage) error {
		return errors.New("stage failed")
	})

	if ack.nacks != 1 || !ack.requeue {
		t.Errorf("nacks=%d requeue=%t, want 1/true", ack.nacks, ack.requeue)
	}
	if ack.acks != 0 {
		t.Errorf("acks=%d, want 0", ack.acks)
	}
}

func TestDispatchRejectsMalformedMessage(t *testing.T) {
	ack := &fakeAcknowledger{}
	msg := amqp.Delivery{Acknowledger: ack, DeliveryTag: 1, Body: []byte("not json")}

	handlerCalled := false
	c := &Consumer{queueName: "image_processing"}
	c.dispatch(context.Background(), msg, func(ctx context.Context, job messaging.JobMessage) error {
		handlerCalled = true
		return nil
	})

	if handlerCalled {
		t.Error("handler should not run for malformed messages")
	}
	if ack.rejects != 1 || ack.requeue {
		t.Errorf("rejects=%d requeue=%t, want 1/false", ack.rejects, ack.requeue)
	}
}
