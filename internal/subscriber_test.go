package internal

import (
	"errors"
	"reflect"
	"testing"
)

// TestActiveDrivers tests that drivers are normalized and the single driver is a fallback.
func TestActiveDrivers(t *testing.T) {
	cfg := WatermillConfig{Driver: "kafka"}
	if got := cfg.ActiveDrivers(); !reflect.DeepEqual(got, []string{"kafka"}) {
		t.Fatalf("expected [kafka], got %v", got)
	}
	cfg.Drivers = []string{" NATS ", "sql", "nats", ""}
	if got := cfg.ActiveDrivers(); !reflect.DeepEqual(got, []string{"nats", "sql"}) {
		t.Fatalf("expected [nats sql], got %v", got)
	}
}

// TestSubscriberConfigChecks tests which drivers can be consumed from another process.
func TestSubscriberConfigChecks(t *testing.T) {
	for _, driver := range []string{"gochannel", "http", "riverqueue"} {
		if err := checkSubscriberConfig(WatermillConfig{}, driver); !errors.Is(err, ErrNoSubscriber) {
			t.Fatalf("%s: expected ErrNoSubscriber, got %v", driver, err)
		}
	}
	if err := checkSubscriberConfig(WatermillConfig{}, "kafka"); err == nil {
		t.Fatalf("expected kafka without brokers to be rejected")
	}
	if err := checkSubscriberConfig(WatermillConfig{Kafka: KafkaConfig{Brokers: []string{"b:9092"}}}, "kafka"); err != nil {
		t.Fatalf("expected kafka with brokers to pass, got %v", err)
	}
	if err := checkSubscriberConfig(WatermillConfig{}, "carrier-pigeon"); err == nil {
		t.Fatalf("expected unknown driver to be rejected")
	}
}

// TestNewSubscribersNeedsABroker tests that in-process drivers alone yield an error.
func TestNewSubscribersNeedsABroker(t *testing.T) {
	_, err := NewSubscribers(WatermillConfig{Drivers: []string{"gochannel", "http"}}, "")
	if err == nil {
		t.Fatalf("expected error without a broker driver")
	}
}

// TestAMQPSubscriberQueuePerGroup tests that pub/sub modes name queues after topic and group.
func TestAMQPSubscriberQueuePerGroup(t *testing.T) {
	cfg, err := amqpSubscriberConfig(AMQPConfig{URL: "amqp://localhost", Mode: "durable_pubsub"}, "mirror")
	if err != nil {
		t.Fatalf("amqp config: %v", err)
	}
	if got := cfg.Queue.GenerateName("modsync.module.changed"); got != "modsync.module.changed_mirror" {
		t.Fatalf("unexpected queue name %q", got)
	}
	if _, err := amqpSubscriberConfig(AMQPConfig{URL: "amqp://localhost", Mode: "bogus"}, "mirror"); err == nil {
		t.Fatalf("expected unsupported mode error")
	}
}
