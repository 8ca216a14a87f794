package manager

import "sync"

// outboxSize bounds messages waiting for the broker.
const outboxSize = 64

type outMessage struct {
	topic    string
	v        any
	retained bool
}

// outbox publishes off the device loop. MQTT publishes wait for broker
// acknowledgement and must never stall a loop.
//
// A nil *outbox drops everything.
type outbox struct {
	pub    Publisher
	logger Logger

	ch        chan outMessage
	stop      chan struct{}
	done      chan struct{}
	startOnce sync.Once
	closeOnce sync.Once
}

func newOutbox(pub Publisher, logger Logger) *outbox {
	if pub == nil {
		return nil
	}
	return &outbox{
		pub:    pub,
		logger: logger,
		ch:     make(chan outMessage, outboxSize),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

func (o *outbox) start() {
	if o == nil {
		return
	}
	o.startOnce.Do(func() { go o.run() })
}

// publish enqueues without blocking; a full outbox drops the message.
func (o *outbox) publish(topic string, v any, retained bool) {
	if o == nil {
		return
	}
	select {
	case o.ch <- outMessage{topic: topic, v: v, retained: retained}:
	default:
		o.logger.Warn("mqtt outbox full, message dropped", "topic", topic)
	}
}

// close sends what is already queued and stops the worker.
func (o *outbox) close() {
	if o == nil {
		return
	}
	o.closeOnce.Do(func() { close(o.stop) })
	o.start()
	<-o.done
}

func (o *outbox) run() {
	defer close(o.done)
	for {
		select {
		case msg := <-o.ch:
			o.send(msg)
		case <-o.stop:
			for {
				select {
				case msg := <-o.ch:
					o.send(msg)
				default:
					return
				}
			}
		}
	}
}

func (o *outbox) send(msg outMessage) {
	if err := o.pub.PublishJSON(msg.topic, msg.v, msg.retained); err != nil {
		o.logger.Debug("mqtt publish failed", "topic", msg.topic, "error", err)
	}
}
