package events_test

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/millstone-build/millstone/internal/events"
)

func TestProcessFingerprintComputed_RoundTrip(t *testing.T) {
	t.Parallel()

	in := &events.ProcessFingerprintComputed{
		Kind:                events.Execution,
		PipID:               42,
		SemiStableHash:      "PipA1B2C3D4",
		PipUniqueOutputHash: "aabbcc",
		WeakFingerprint:     "wf01",
		WeakInputs:          []byte(`{"Executable":"cl.exe"}`),
		StrongComputations: []events.StrongFingerprintComputation{
			{
				StrongFingerprint:       "sf01",
				PathSetHash:             "ps01",
				PathSetInputs:           []byte(`{"Paths":[]}`),
				StrongFingerprintInputs: []byte(`{"ObservedInputs":[]}`),
				IsStrongFingerprintHit:  true,
			},
			{StrongFingerprint: "sf02", PathSetHash: "ps02"},
		},
	}

	var buf bytes.Buffer

	require.NoError(t, in.Serialize(&buf))

	out := &events.ProcessFingerprintComputed{}
	require.NoError(t, out.Deserialize(&buf))
	assert.Equal(t, in, out)
}

func TestFrame_RoundTripAndEOF(t *testing.T) {
	t.Parallel()

	miss := &events.PipCacheMiss{
		PipID:          7,
		SemiStableHash: "Pip00000007",
		Kind:           3,
		MissedOutputs:  []string{"a.obj"},
	}

	var payload bytes.Buffer

	require.NoError(t, miss.Serialize(&payload))

	var stream bytes.Buffer

	require.NoError(t, events.WriteFrame(&stream, miss.EventID(), 2, 1234, payload.Bytes()))

	frame, err := events.ReadFrame(&stream)
	require.NoError(t, err)
	assert.Equal(t, events.IDPipCacheMiss, frame.ID)
	assert.Equal(t, uint32(2), frame.WorkerID)
	assert.Equal(t, int64(1234), frame.Timestamp)

	_, err = events.ReadFrame(&stream)
	assert.Equal(t, io.EOF, err)
}

// recordingConsumer handles only the ids in handled, remembering what it saw.
type recordingConsumer struct {
	handled map[events.EventID]bool
	seen    []events.EventID
	offers  int
}

func (c *recordingConsumer) HandleEvent(frame events.Frame, _ events.Event) bool {
	c.offers++

	if !c.handled[frame.ID] {
		return false
	}

	c.seen = append(c.seen, frame.ID)

	return true
}

func frameFor(t *testing.T, event events.Event) events.Frame {
	t.Helper()

	var payload bytes.Buffer

	require.NoError(t, event.Serialize(&payload))

	return events.Frame{ID: event.EventID(), Payload: payload.Bytes()}
}

func TestDispatcher_DisablesUnhandledEvents(t *testing.T) {
	t.Parallel()

	consumer := &recordingConsumer{handled: map[events.EventID]bool{events.IDPipCacheMiss: true}}
	dispatcher := events.NewDispatcher(consumer)

	missFrame := frameFor(t, &events.PipCacheMiss{PipID: 1})
	invocationFrame := frameFor(t, &events.BxlInvocation{CommandLine: "bxl /c:foo"})

	require.NoError(t, dispatcher.Dispatch(invocationFrame)) // offered, unhandled → disabled
	require.NoError(t, dispatcher.Dispatch(invocationFrame)) // skipped
	require.NoError(t, dispatcher.Dispatch(missFrame))

	assert.Equal(t, 2, consumer.offers, "disabled event must not be re-offered")
	assert.Equal(t, []events.EventID{events.IDPipCacheMiss}, consumer.seen)
}

func TestWorkerDemux_FansOutPerWorker(t *testing.T) {
	t.Parallel()

	created := make(map[uint32]*recordingConsumer)

	demux := events.NewWorkerDemux(func(workerID uint32) events.Consumer {
		c := &recordingConsumer{handled: map[events.EventID]bool{events.IDPipCacheMiss: true}}
		created[workerID] = c

		return c
	})

	dispatcher := events.NewDispatcher(demux)

	frame := frameFor(t, &events.PipCacheMiss{PipID: 9})

	frame.WorkerID = 1
	require.NoError(t, dispatcher.Dispatch(frame))

	frame.WorkerID = 2
	require.NoError(t, dispatcher.Dispatch(frame))

	frame.WorkerID = 1
	require.NoError(t, dispatcher.Dispatch(frame))

	require.Len(t, created, 2)
	assert.Equal(t, 2, created[1].offers)
	assert.Equal(t, 1, created[2].offers)
}
