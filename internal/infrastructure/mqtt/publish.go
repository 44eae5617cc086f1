package mqtt

import "fmt"

// maxPayloadSize caps outbound messages at 1 MiB, the common broker default.
const maxPayloadSize = 1 << 20

// Publish sends payload to topic and waits for the broker acknowledgement
// (QoS 1 and 2) or for the write to leave the client (QoS 0).
//
// Parameters:
//   - topic: full topic, e.g. "paragon/clockwork/pilaster/lever/commands/reset"
//   - qos: 0, 1 or 2
//   - retained: keep as the topic's last value on the broker
func (c *Client) Publish(topic string, payload []byte, qos byte, retained bool) error {
	switch {
	case topic == "":
		return ErrInvalidTopic
	case qos > maxQoS:
		return ErrInvalidQoS
	case len(payload) > maxPayloadSize:
		return fmt.Errorf("%w: %d byte payload exceeds %d", ErrPublishFailed, len(payload), maxPayloadSize)
	case !c.IsConnected():
		return ErrNotConnected
	}

	token := c.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(operationTimeout) {
		return fmt.Errorf("%w: %s: no ack within %v", ErrPublishFailed, topic, operationTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrPublishFailed, topic, err)
	}
	return nil
}

// PublishCommand sends a device command at QoS 1. Commands are never
// retained, otherwise a controller would replay the last one on reconnect.
func (c *Client) PublishCommand(topic string, payload []byte) error {
	return c.Publish(topic, payload, 1, false)
}
