package events

import (
	"bytes"
	"fmt"
	"io"
)

// Consumer receives decoded events. HandleEvent returns false when the
// consumer does not handle this (eventId, workerId) pair; the dispatcher then
// disables the event for that consumer and skips it on subsequent arrivals.
type Consumer interface {
	HandleEvent(frame Frame, event Event) bool
}

// Dispatcher decodes frames once and fans them out to consumers.
type Dispatcher struct {
	consumers []Consumer
	disabled  [][maxEventID]bool
}

// NewDispatcher creates a dispatcher over the given consumers.
func NewDispatcher(consumers ...Consumer) *Dispatcher {
	return &Dispatcher{
		consumers: consumers,
		disabled:  make([][maxEventID]bool, len(consumers)),
	}
}

// Attach adds a consumer with a fresh disable set.
func (d *Dispatcher) Attach(c Consumer) {
	d.consumers = append(d.consumers, c)
	d.disabled = append(d.disabled, [maxEventID]bool{})
}

// Dispatch decodes the frame payload and offers the event to every consumer
// that has not disabled this event id.
func (d *Dispatcher) Dispatch(frame Frame) error {
	if int(frame.ID) >= maxEventID {
		return fmt.Errorf("events: frame id %d out of range", frame.ID)
	}

	event, err := newEvent(frame.ID)
	if err != nil {
		return err
	}

	if err := event.Deserialize(bytes.NewReader(frame.Payload)); err != nil {
		return fmt.Errorf("decode %T: %w", event, err)
	}

	for i, consumer := range d.consumers {
		if d.disabled[i][frame.ID] {
			continue
		}

		if !consumer.HandleEvent(frame, event) {
			d.disabled[i][frame.ID] = true
		}
	}

	return nil
}

// DispatchStream reads frames until EOF, dispatching each. Undecodable
// frames stop the stream; unhandled events do not.
func (d *Dispatcher) DispatchStream(r io.Reader) error {
	for {
		frame, err := ReadFrame(r)
		if err == io.EOF {
			return nil
		}

		if err != nil {
			return err
		}

		if err := d.Dispatch(frame); err != nil {
			return err
		}
	}
}

// WorkerDemux fans worker-tagged events out to per-worker sub-consumers,
// created on first sight of a worker id.
type WorkerDemux struct {
	newConsumer func(workerID uint32) Consumer
	workers     map[uint32]Consumer
}

// NewWorkerDemux creates a demux that builds one sub-consumer per worker.
func NewWorkerDemux(newConsumer func(workerID uint32) Consumer) *WorkerDemux {
	return &WorkerDemux{
		newConsumer: newConsumer,
		workers:     make(map[uint32]Consumer),
	}
}

// HandleEvent implements Consumer.
func (m *WorkerDemux) HandleEvent(frame Frame, event Event) bool {
	worker, ok := m.workers[frame.WorkerID]
	if !ok {
		worker = m.newConsumer(frame.WorkerID)
		m.workers[frame.WorkerID] = worker
	}

	return worker.HandleEvent(frame, event)
}
