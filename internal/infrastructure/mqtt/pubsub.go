package mqtt

import "fmt"

// maxPayloadSize caps outgoing messages (1MB).
const maxPayloadSize = 1 << 20

// Publish sends payload to topic.
//
// State topics (zone fields, availability, discovery) are published
// retained; acknowledgements and raw replies are not.
func (c *Client) Publish(topic string, payload []byte, qos byte, retained bool) error {
	if err := ValidateTopic(topic); err != nil {
		return err
	}
	if qos > maxQoS {
		return ErrInvalidQoS
	}
	if len(payload) > maxPayloadSize {
		return fmt.Errorf("%w: payload size %d exceeds maximum %d bytes", ErrPublishFailed, len(payload), maxPayloadSize)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	if err := wait(c.client.Publish(topic, qos, retained, payload), defaultPublishTimeout); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	return nil
}

// PublishRetained publishes a retained message with the configured QoS.
func (c *Client) PublishRetained(topic string, payload []byte) error {
	return c.Publish(topic, payload, byte(c.cfg.QoS), true)
}

// Subscribe registers handler for messages matching filter. The
// subscription is replayed after every reconnect.
func (c *Client) Subscribe(filter string, qos byte, handler MessageHandler) error {
	if err := ValidateFilter(filter); err != nil {
		return err
	}
	if qos > maxQoS {
		return ErrInvalidQoS
	}
	if handler == nil {
		return fmt.Errorf("%w: handler cannot be nil", ErrSubscribeFailed)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	c.subMu.Lock()
	c.subscriptions[filter] = subscription{qos: qos, handler: handler}
	c.subMu.Unlock()

	if err := wait(c.client.Subscribe(filter, qos, c.wrapHandler(handler)), defaultPublishTimeout); err != nil {
		c.forget(filter)
		return fmt.Errorf("%w: %w", ErrSubscribeFailed, err)
	}
	return nil
}

// Unsubscribe removes a subscription made with Subscribe.
func (c *Client) Unsubscribe(filter string) error {
	if err := ValidateFilter(filter); err != nil {
		return err
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	c.forget(filter)

	if err := wait(c.client.Unsubscribe(filter), defaultPublishTimeout); err != nil {
		return fmt.Errorf("%w: %w", ErrUnsubscribeFailed, err)
	}
	return nil
}

// SubscriptionCount returns the number of tracked subscriptions.
func (c *Client) SubscriptionCount() int {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	return len(c.subscriptions)
}

// HasSubscription reports whether filter is tracked (exact string match).
func (c *Client) HasSubscription(filter string) bool {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	_, ok := c.subscriptions[filter]
	return ok
}

func (c *Client) forget(filter string) {
	c.subMu.Lock()
	delete(c.subscriptions, filter)
	c.subMu.Unlock()
}
