package ingress

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"telemetry-gateway/internal/auth"
	"telemetry-gateway/internal/data"
	"telemetry-gateway/internal/pipeline"
)

type submission struct {
	reading    data.RawReading
	credential string
}

type fakeSubmitter struct {
	mu        sync.Mutex
	accepted  []submission
	malformed []string
	err       error
}

func (f *fakeSubmitter) Submit(_ context.Context, r data.RawReading, credential string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.accepted = append(f.accepted, submission{r, credential})
	return nil
}

func (f *fakeSubmitter) RejectMalformed(transport, deviceID string, _ error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.malformed = append(f.malformed, transport+":"+deviceID)
}

type message struct {
	topic   string
	payload []byte
}

func (m message) Duplicate() bool   { return false }
func (m message) Qos() byte         { return 1 }
func (m message) Retained() bool    { return false }
func (m message) Topic() string     { return m.topic }
func (m message) MessageID() uint16 { return 1 }
func (m message) Payload() []byte   { return m.payload }
func (m message) Ack()              {}

func TestDeviceFromTopic(t *testing.T) {
	assert.Equal(t, "dev-1", DeviceFromTopic("sensors/dev-1/data"))
	assert.Empty(t, DeviceFromTopic("sensors/dev-1/status"))
	assert.Empty(t, DeviceFromTopic("sensors/data"))
}

func TestMQTT_HandleMessage(t *testing.T) {
	sub := &fakeSubmitter{}
	m := NewMQTTSubscriber(DefaultMQTTConfig(), sub, zerolog.Nop())

	m.HandleMessage(nil, message{
		topic:   "sensors/dev-1/data",
		payload: []byte(`{"sensor_id":"S1","value":4.2,"timestamp":"2024-05-01T12:00:00Z","credential":"s3cret"}`),
	})

	require.Len(t, sub.accepted, 1)
	got := sub.accepted[0]
	assert.Equal(t, "dev-1", got.reading.DeviceID)
	assert.Equal(t, "S1", got.reading.SensorID)
	assert.Equal(t, TransportMQTT, got.reading.Transport)
	assert.Equal(t, "s3cret", got.credential)
}

func TestMQTT_TopicDeviceMismatchIsMalformed(t *testing.T) {
	sub := &fakeSubmitter{}
	m := NewMQTTSubscriber(DefaultMQTTConfig(), sub, zerolog.Nop())

	m.HandleMessage(nil, message{topic: "sensors/dev-1/data", payload: []byte(`{"device_id":"dev-2","value":1}`)})
	m.HandleMessage(nil, message{topic: "sensors/dev-1/data", payload: []byte(`not json`)})

	assert.Empty(t, sub.accepted)
	assert.Equal(t, []string{"mqtt:dev-1", "mqtt:dev-1"}, sub.malformed)
}

func TestReason(t *testing.T) {
	assert.Equal(t, RejectMalformed, Reason(&data.ParseError{Transport: "http", Reason: "x"}))
	assert.Equal(t, RejectUnauthenticated, Reason(auth.AuthResult{Reason: auth.ReasonMismatch}.Err()))
	assert.Equal(t, RejectBackpressure, Reason(pipeline.ErrBackpressure))
	assert.Equal(t, RejectInternal, Reason(assert.AnError))
}

func TestSocket_AcksEveryFrame(t *testing.T) {
	sub := &fakeSubmitter{}
	srv, err := ListenSocket("127.0.0.1:0", sub, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ctx) }()

	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte(
		`{"device_id":"dev-1","sensor_id":"S1","value":3.9,"credential":"s3cret"}` + "\n" +
			"\n" +
			`{"device_id":"dev-1"}` + "\n"))
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	reader := bufio.NewScanner(conn)
	var acks []Ack
	for len(acks) < 2 && reader.Scan() {
		var a Ack
		require.NoError(t, json.Unmarshal(reader.Bytes(), &a))
		acks = append(acks, a)
	}
	require.Len(t, acks, 2)
	assert.Equal(t, Ack{Status: "accepted"}, acks[0])
	assert.Equal(t, Ack{Status: "rejected", Reason: RejectMalformed}, acks[1])

	sub.mu.Lock()
	require.Len(t, sub.accepted, 1)
	assert.Equal(t, "s3cret", sub.accepted[0].credential)
	assert.Equal(t, TransportSocket, sub.accepted[0].reading.Transport)
	sub.mu.Unlock()

	cancel()
	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("socket server did not stop")
	}
}

func TestSocket_ReportsRejectionReason(t *testing.T) {
	sub := &fakeSubmitter{err: pipeline.ErrBackpressure}
	srv, err := ListenSocket("127.0.0.1:0", sub, zerolog.Nop())
	require.NoError(t, err)

	ack := srv.accept(context.Background(), []byte(`{"device_id":"dev-1","value":1}`))
	assert.Equal(t, Ack{Status: "rejected", Reason: RejectBackpressure}, ack)
	srv.ln.Close()
}
