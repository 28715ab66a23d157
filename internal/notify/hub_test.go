package notify

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ashureev/outreach/internal/domain"
)

var (
	keyA = domain.NewTenantKey("u1", "c1")
	keyB = domain.NewTenantKey("u2", "c1")
)

func startHub(t *testing.T, opts ...HubOption) (*Hub, func()) {
	t.Helper()
	hub := NewHub(opts...)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = hub.Run(ctx)
	}()
	return hub, func() {
		cancel()
		<-done
	}
}

func recv(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev, ok := <-sub.C():
		require.True(t, ok, "subscription closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func TestHubFansOutPerCampaign(t *testing.T) {
	defer goleak.VerifyNone(t)
	hub, stop := startHub(t, WithReplaySize(2))

	_, subA := hub.Subscribe(keyA, 0)
	_, subB := hub.Subscribe(keyB, 0)

	hub.Publish(keyA, Event{Type: EventStageChanged, Stage: domain.StageAnalyzing})
	hub.Publish(keyA, Event{Type: EventStageChanged, Stage: domain.StageStrategyGenerating})
	hub.Publish(keyA, Event{Type: EventStageChanged, Stage: domain.StageSearchingProspects})
	hub.Publish(keyB, Event{Type: EventWorkflowFailed})

	var ids []int64
	for i := 0; i < 3; i++ {
		ev := recv(t, subA)
		assert.Equal(t, keyA, ev.Key)
		ids = append(ids, ev.ID)
	}
	assert.Equal(t, []int64{1, 2, 3}, ids)

	evB := recv(t, subB)
	assert.Equal(t, EventWorkflowFailed, evB.Type)
	assert.Equal(t, int64(4), evB.ID)

	missed, late := hub.Subscribe(keyA, 0)
	require.Len(t, missed, 2, "replay keeps only the newest events")
	assert.Equal(t, int64(2), missed[0].ID)
	assert.Equal(t, int64(3), missed[1].ID)

	missed, _ = hub.Subscribe(keyA, 2)
	require.Len(t, missed, 1)
	assert.Equal(t, int64(3), missed[0].ID)

	late.Close()
	stop()

	_, ok := <-subA.C()
	assert.False(t, ok, "subscriptions close with the hub")
}

func TestPublishNeverBlocks(t *testing.T) {
	hub := NewHub(WithQueueSize(1))
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			hub.Publish(keyA, Event{Type: EventRecordsMerged})
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full buffer")
	}
	assert.Len(t, hub.in, 1)
}

func TestServeSSEReplaysAfterLastEventID(t *testing.T) {
	hub, stop := startHub(t)
	defer stop()

	_, warm := hub.Subscribe(keyA, 0)
	hub.Publish(keyA, Event{Type: EventStageChanged, Stage: domain.StageAnalyzing})
	hub.Publish(keyA, Event{Type: EventApprovalRequested})
	recv(t, warm)
	recv(t, warm)
	warm.Close()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.ServeSSE(w, r, keyA, StreamOptions{KeepaliveInterval: time.Hour})
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	req.Header.Set("Last-Event-ID", "1")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var lines []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		lines = append(lines, line)
		if line == "event: connected" {
			break
		}
	}
	body := strings.Join(lines, "\n")
	assert.Contains(t, body, "retry: 5000")
	assert.Contains(t, body, "id: 2\nevent: approval_requested")
	assert.NotContains(t, body, "id: 1\n")
}

func TestServeWSStreamsLiveEvents(t *testing.T) {
	hub, stop := startHub(t)
	defer stop()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.ServeWS(w, r, keyA, []string{"*"})
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	require.Eventually(t, func() bool { return hub.Subscribers(keyA) == 1 }, 2*time.Second, 10*time.Millisecond)

	hub.Publish(keyB, Event{Type: EventWorkflowFailed})
	hub.Publish(keyA, Event{Type: EventWorkflowCompleted, Stage: domain.StageCompleted})

	var got map[string]any
	require.NoError(t, wsjson.Read(ctx, conn, &got))
	assert.Equal(t, string(EventWorkflowCompleted), got["type"])
	assert.Equal(t, string(domain.StageCompleted), got["stage"])
}
