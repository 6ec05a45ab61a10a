package robot

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

func TestEncode(t *testing.T) {
	tests := []struct {
		cmd  Command
		want string
	}{
		{GoTo{Location: "kitchen"}, `{"type":"goTo","location":"kitchen"}`},
		{TakePicture{RequestID: "r1"}, `{"type":"takePicture","requestId":"r1"}`},
		{Speak{Text: "hello"}, `{"type":"speak","text":"hello"}`},
		{CameraControl{On: false}, `{"type":"cameraControl","on":false}`},
		{PrivacyToggle{On: true}, `{"type":"privacyToggle","on":true}`},
		{PrivacyStatus{}, `{"type":"privacyStatus"}`},
		{BatteryStatus{}, `{"type":"batteryStatus"}`},
		{StopMovement{}, `{"type":"stopMovement"}`},
		{ManualTaskUpdate{Names: []string{"a"}}, `{"type":"manualTaskUpdate","names":["a"]}`},
	}
	for _, tt := range tests {
		t.Run(tt.cmd.CommandType(), func(t *testing.T) {
			got, err := Encode(tt.cmd)
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(got))
		})
	}
}

type recorder struct {
	mu     sync.Mutex
	events []Event
	calls  []string
}

func (r *recorder) Deliver(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) got() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *recorder) OnGotoStatus(context.Context, GotoStatus) { r.calls = append(r.calls, "goto") }
func (r *recorder) OnBatteryReport(context.Context, BatteryReport) {
	r.calls = append(r.calls, "battery")
}
func (r *recorder) OnPrivacyModeChanged(context.Context, PrivacyModeChanged) {
	r.calls = append(r.calls, "privacy")
}
func (r *recorder) OnASRResult(context.Context, ASRResult) { r.calls = append(r.calls, "asr") }
func (r *recorder) OnBeWithMeChanged(context.Context, BeWithMeChanged) {
	r.calls = append(r.calls, "bewithme")
}
func (r *recorder) OnManualTaskTrigger(context.Context, ManualTaskTrigger) {
	r.calls = append(r.calls, "manual")
}
func (r *recorder) OnTurnPrivacyOffAfter(context.Context, TurnPrivacyOffAfter) {
	r.calls = append(r.calls, "privacy_off")
}
func (r *recorder) OnSnapshotUploaded(context.Context, SnapshotUploaded) {
	r.calls = append(r.calls, "uploaded")
}

func TestDecodeEventDispatch(t *testing.T) {
	msgs := []struct {
		raw  string
		want Event
		call string
	}{
		{`{"type":"goto_status","location":"kitchen","status":"complete"}`, GotoStatus{Location: "kitchen", Status: GotoComplete}, "goto"},
		{`{"type":"battery_status","percent":42,"is_charging":true}`, BatteryReport{Percent: 42, IsCharging: true}, "battery"},
		{`{"type":"privacy_mode_changed","privacy_mode":true}`, PrivacyModeChanged{PrivacyMode: true}, "privacy"},
		{`{"type":"asr_result","text":"hi robot"}`, ASRResult{Text: "hi robot"}, "asr"},
		{`{"type":"bewithme_changed","active":true}`, BeWithMeChanged{Active: true}, "bewithme"},
		{`{"type":"manual_task_trigger","name":"take-pills"}`, ManualTaskTrigger{Name: "take-pills"}, "manual"},
		{`{"type":"turn_privacy_off_after","minutes":15}`, TurnPrivacyOffAfter{Minutes: 15}, "privacy_off"},
		{`{"type":"snapshot_uploaded","requestId":"r","filename":"f.jpg","path":"/u/f.jpg"}`, SnapshotUploaded{RequestID: "r", Filename: "f.jpg", Path: "/u/f.jpg"}, "uploaded"},
	}
	for _, m := range msgs {
		ev, err := DecodeEvent([]byte(m.raw))
		require.NoError(t, err, m.raw)
		assert.Equal(t, m.want, ev)

		rec := &recorder{}
		ev.Dispatch(context.Background(), rec)
		assert.Equal(t, []string{m.call}, rec.calls)
	}
}

func TestDecodeEventErrors(t *testing.T) {
	_, err := DecodeEvent([]byte(`{"type":"dance"}`))
	assert.ErrorIs(t, err, ErrUnknownEvent)

	_, err = DecodeEvent([]byte(`not json`))
	assert.Error(t, err)

	_, err = DecodeEvent([]byte(`{"type":"battery_status","percent":"lots"}`))
	assert.Error(t, err)
}

func dial(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	c, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	return c
}

func readText(t *testing.T, c *websocket.Conn) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := c.Read(ctx)
	require.NoError(t, err)
	return string(data)
}

func newHubServer(t *testing.T, sink Sink) (*Hub, *httptest.Server) {
	hub := NewHub(sink, zap.NewNop())
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/robot", hub.HandleRobot)
	mux.HandleFunc("/ws/control", hub.HandleControl)
	return hub, httptest.NewServer(mux)
}

func TestHubSendAndMirror(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	rec := &recorder{}
	hub, srv := newHubServer(t, rec)
	defer srv.Close()
	defer hub.Close()
	ctx := context.Background()

	assert.ErrorIs(t, hub.Send(ctx, Speak{Text: "nobody home"}), ErrNotConnected)

	robotConn := dial(t, srv, "/ws/robot")
	defer robotConn.CloseNow()
	control := dial(t, srv, "/ws/control")
	defer control.CloseNow()
	require.Eventually(t, func() bool { return hub.Connected() && hub.ControlClients() == 1 }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, hub.Send(ctx, GoTo{Location: "kitchen"}))
	assert.JSONEq(t, `{"type":"goTo","location":"kitchen"}`, readText(t, robotConn))
	assert.JSONEq(t, `{"type":"goTo","location":"kitchen"}`, readText(t, control))

	require.NoError(t, robotConn.Write(ctx, websocket.MessageText, []byte(`{"type":"battery_status","percent":55}`)))
	require.NoError(t, robotConn.Write(ctx, websocket.MessageText, []byte(`{"type":"unknown"}`)))
	require.NoError(t, control.Write(ctx, websocket.MessageText, []byte(`{"type":"manual_task_trigger","name":"take-pills"}`)))

	require.Eventually(t, func() bool { return len(rec.got()) == 2 }, 5*time.Second, 10*time.Millisecond)
	assert.ElementsMatch(t, []Event{BatteryReport{Percent: 55}, ManualTaskTrigger{Name: "take-pills"}}, rec.got())
}

func TestHubNewestRobotWins(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	hub, srv := newHubServer(t, &recorder{})
	defer srv.Close()
	defer hub.Close()
	ctx := context.Background()

	first := dial(t, srv, "/ws/robot")
	defer first.CloseNow()
	require.Eventually(t, hub.Connected, 5*time.Second, 10*time.Millisecond)

	second := dial(t, srv, "/ws/robot")
	defer second.CloseNow()

	// The old connection is closed by the hub.
	readCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, _, err := first.Read(readCtx)
	require.Error(t, err)

	require.NoError(t, hub.Send(ctx, StopMovement{}))
	assert.JSONEq(t, `{"type":"stopMovement"}`, readText(t, second))
}

func TestHubDisconnect(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	hub, srv := newHubServer(t, &recorder{})
	defer srv.Close()
	defer hub.Close()

	c := dial(t, srv, "/ws/robot")
	require.Eventually(t, hub.Connected, 5*time.Second, 10*time.Millisecond)
	c.CloseNow()
	require.Eventually(t, func() bool { return !hub.Connected() }, 5*time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, hub.Send(context.Background(), BatteryStatus{}), ErrNotConnected)
}
