// Package kafka turns domain events published by other services into
// notifications.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/IBM/sarama"

	"github.com/jwalitptl/notification-hub/internal/model"
	"github.com/jwalitptl/notification-hub/internal/service/delivery"
	"github.com/jwalitptl/notification-hub/pkg/logger"
	"github.com/jwalitptl/notification-hub/pkg/validator"
)

type Notifier interface {
	SendToMultipleUsers(ctx context.Context, userIDs []string, input model.NotificationInput) (delivery.BulkResult, error)
}

type Config struct {
	Brokers []string
	GroupID string
	Topic   string
}

// NewConsumerGroup builds a sarama consumer group reporting errors on its
// Errors channel.
func NewConsumerGroup(cfg Config) (sarama.ConsumerGroup, error) {
	saramaCfg := sarama.NewConfig()
	saramaCfg.Version = sarama.V2_1_0_0
	saramaCfg.Consumer.Return.Errors = true
	saramaCfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	return sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, saramaCfg)
}

// Consumer reads domain events and fans each one out to its users. Every
// message is marked once handled: per-user failures are recorded by the
// engine and are not replayed.
type Consumer struct {
	topic     string
	group     sarama.ConsumerGroup
	notifier  Notifier
	validator validator.Validator
	logger    *logger.Logger
}

func NewConsumer(topic string, group sarama.ConsumerGroup, notifier Notifier, log *logger.Logger) *Consumer {
	return &Consumer{
		topic:     topic,
		group:     group,
		notifier:  notifier,
		validator: validator.New(),
		logger:    log,
	}
}

// Start blocks until ctx is cancelled or the group is closed.
func (c *Consumer) Start(ctx context.Context) error {
	defer func() {
		if err := c.group.Close(); err != nil {
			c.logger.Warn("failed to close consumer group", "error", err.Error())
		}
	}()

	go func() {
		for err := range c.group.Errors() {
			c.logger.Error(err, "kafka consumer group error")
		}
	}()

	c.logger.Info("kafka consumer started", "topic", c.topic)
	wait := time.Second
	for {
		err := c.group.Consume(ctx, []string{c.topic}, c)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err == nil {
			wait = time.Second
			continue
		}
		if errors.Is(err, sarama.ErrClosedConsumerGroup) {
			return err
		}

		c.logger.Error(err, "error consuming messages", "retry_in", wait.String())
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		if wait < 30*time.Second {
			wait *= 2
		}
	}
}

func (c *Consumer) Setup(session sarama.ConsumerGroupSession) error {
	for topic, partitions := range session.Claims() {
		c.logger.Info("partition assignment", "topic", topic, "partitions", partitions)
	}
	return nil
}

func (c *Consumer) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

func (c *Consumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case <-session.Context().Done():
			return nil
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			c.handle(session.Context(), msg)
			session.MarkMessage(msg, "")
		}
	}
}

func (c *Consumer) handle(ctx context.Context, msg *sarama.ConsumerMessage) {
	var evt model.DomainEvent
	if err := json.Unmarshal(msg.Value, &evt); err != nil {
		c.logger.Error(err, "skipping undecodable event", "partition", msg.Partition, "offset", msg.Offset)
		return
	}
	if err := c.validator.Validate(evt); err != nil {
		c.logger.Warn("skipping invalid event", "offset", msg.Offset, "error", err.Error())
		return
	}

	res, err := c.notifier.SendToMultipleUsers(ctx, evt.UserIDs, evt.Input())
	if err != nil {
		c.logger.Error(err, "failed to send event notification", "type", evt.Type, "offset", msg.Offset)
		return
	}
	c.logger.Info("event notification sent",
		"type", evt.Type,
		"successful", res.Successful,
		"failed", res.Failed,
	)
}
