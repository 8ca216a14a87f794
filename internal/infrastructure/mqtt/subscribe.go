package mqtt

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
)

// Subscribe delivers messages matching topic to handler. The filter may use
// the + and # wildcards. Subscriptions are replayed after paho reconnects.
func (c *Client) Subscribe(topic string, qos byte, handler MessageHandler) error {
	if err := checkTopic(topic, qos); err != nil {
		return err
	}
	if handler == nil {
		return fmt.Errorf("%w: nil handler for %s", ErrSubscribeFailed, topic)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	c.track(subscription{topic: topic, qos: qos, handler: handler})
	if err := await(c.client.Subscribe(topic, qos, c.wrapHandler(handler)), ErrSubscribeFailed); err != nil {
		c.untrack(topic)
		return err
	}
	return nil
}

// Unsubscribe stops delivery for a filter passed to Subscribe. Messages
// already handed to paho may still arrive.
func (c *Client) Unsubscribe(topic string) error {
	if topic == "" {
		return fmt.Errorf("%w: empty", ErrInvalidTopic)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	c.untrack(topic)
	return await(c.client.Unsubscribe(topic), ErrUnsubscribeFailed)
}

// Subscribed returns the filters that will be replayed on reconnect, sorted.
func (c *Client) Subscribed() []string {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	return slices.Sorted(maps.Keys(c.subscriptions))
}

func (c *Client) track(sub subscription) {
	c.subMu.Lock()
	c.subscriptions[sub.topic] = sub
	c.subMu.Unlock()
}

func (c *Client) untrack(topic string) {
	c.subMu.Lock()
	delete(c.subscriptions, topic)
	c.subMu.Unlock()
}

// DeviceCommands builds the handler for the device command topics.
//
// A message on graylogic/command/device/{id} is decoded from JSON into a T
// and passed to handle with the device ID. A payload that does not decode
// goes to reject instead, so the sender can still be answered on the
// device's response topic. Any other topic is refused with ErrInvalidTopic.
func DeviceCommands[T any](handle func(deviceID string, req T) error, reject func(deviceID string, err error)) MessageHandler {
	return func(topic string, payload []byte) error {
		id, ok := Topics{}.DeviceIDFromTopic(topic)
		if !ok || topic != (Topics{}).DeviceCommand(id) {
			return fmt.Errorf("%w: %s is not a device command topic", ErrInvalidTopic, topic)
		}

		var req T
		if err := json.Unmarshal(payload, &req); err != nil {
			err = fmt.Errorf("%w: device %s: %w", ErrInvalidPayload, id, err)
			if reject != nil {
				reject(id, err)
			}
			return err
		}
		return handle(id, req)
	}
}
