package notification

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingNotifier struct {
	mu     sync.Mutex
	alerts []Alert
	err    error
}

func (r *recordingNotifier) Send(_ context.Context, alert Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.alerts = append(r.alerts, alert)
	return nil
}

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.alerts)
}

func TestDispatcher_FansOutToAllBackends(t *testing.T) {
	a := &recordingNotifier{}
	b := &recordingNotifier{}
	d := NewDispatcher(a, b)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	d.Publish(Alert{Level: AlertCritical, Title: "kill switch", Message: "activated by operator"})

	require.Eventually(t, func() bool { return a.count() == 1 && b.count() == 1 },
		time.Second, 10*time.Millisecond)
	assert.Equal(t, AlertCritical, a.alerts[0].Level)
}

func TestDispatcher_FailingBackendDoesNotStopOthers(t *testing.T) {
	bad := &recordingNotifier{err: errors.New("endpoint down")}
	good := &recordingNotifier{}
	d := NewDispatcher(bad, good)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	d.Publish(Alert{Level: AlertWarning, Title: "stale feed", Message: "no candles for 5s"})

	require.Eventually(t, func() bool { return good.count() == 1 },
		time.Second, 10*time.Millisecond)
}

func TestDispatcher_PublishNeverBlocks(t *testing.T) {
	d := NewDispatcher(NewLogNotifier()) // Run never started, queue fills

	done := make(chan struct{})
	go func() {
		for i := 0; i < 500; i++ {
			d.Publish(Alert{Title: "flood"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a full queue")
	}
}

func TestWebhookNotifier_PostsJSON(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL)
	err := n.Send(context.Background(), Alert{Level: AlertWarning, Title: "drift", Message: "0.002 BTC"})
	require.NoError(t, err)
	assert.Equal(t, "WARNING", got["level"])
	assert.Equal(t, "drift", got["title"])
}

func TestWebhookNotifier_Non2xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewWebhookNotifier(srv.URL).Send(context.Background(), Alert{Title: "x"})
	assert.Error(t, err)
}

func TestTelegramNotifier_SendsToBotAPI(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/bottok123/sendMessage", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewTelegramNotifier("tok123", "chat42")
	n.baseURL = srv.URL
	require.NoError(t, n.Send(context.Background(), Alert{Level: AlertCritical, Title: "halt", Message: "loop stalled"}))
	assert.Equal(t, "chat42", got["chat_id"])
	assert.Equal(t, "MarkdownV2", got["parse_mode"])
}

func TestEscapeMarkdown(t *testing.T) {
	assert.Equal(t, `loop\_stalled \(500ms\)`, escapeMarkdown("loop_stalled (500ms)"))
}
