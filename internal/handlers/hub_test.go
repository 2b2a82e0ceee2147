package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"pvp-battle/internal/channel"
)

type fakeBus struct {
	mu     sync.Mutex
	frames map[string][]channel.Frame
}

func (b *fakeBus) MachineID() string { return "local" }
func (b *fakeBus) Start()            {}
func (b *fakeBus) Stop()             {}

func (b *fakeBus) Publish(topic string, frame []byte, excludeUserID string) {
	var f channel.Frame
	json.Unmarshal(frame, &f)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.frames == nil {
		b.frames = make(map[string][]channel.Frame)
	}
	b.frames[topic] = append(b.frames[topic], f)
}

func (b *fakeBus) published(topic string) []channel.Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]channel.Frame(nil), b.frames[topic]...)
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func startHub(t *testing.T) (*Hub, *fakeBus) {
	t.Helper()
	hub := NewHub(nil, zap.NewNop())
	bus := &fakeBus{}
	hub.SetBus(bus)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(cancel)
	return hub, bus
}

func TestHubMergesRemotePresence(t *testing.T) {
	hub, _ := startHub(t)
	topic := channel.BattleTopic("b1")
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	a, _ := channel.PresenceFrame([]channel.PresenceMeta{{UserID: "p2", OnlineAt: base.Add(time.Second)}})
	b, _ := channel.PresenceFrame([]channel.PresenceMeta{{UserID: "p1", OnlineAt: base}})
	hub.DeliverRemote("machine-a", topic, a, "")
	hub.DeliverRemote("machine-b", topic, b, "")

	eventually(t, "both remote members", func() bool { return len(hub.Members(topic)) == 2 })
	if m := hub.Members(topic); m[0].UserID != "p1" || m[1].UserID != "p2" {
		t.Fatalf("members not ordered by join time: %+v", m)
	}

	// an instance withdrawing its members only removes its own
	empty, _ := channel.PresenceFrame(nil)
	hub.DeliverRemote("machine-a", topic, empty, "")
	eventually(t, "machine-a withdrawal", func() bool {
		m := hub.Members(topic)
		return len(m) == 1 && m[0].UserID == "p1"
	})
}

func TestHubPublishForwardsToBus(t *testing.T) {
	hub, bus := startHub(t)
	topic := channel.MatchmakingTopic("u1")

	if err := hub.Publish(topic, channel.EventMatchmakingExpired, nil); err != nil {
		t.Fatal(err)
	}
	frames := bus.published(topic)
	if len(frames) != 1 || frames[0].Type != channel.FrameBroadcast || frames[0].Event != channel.EventMatchmakingExpired {
		t.Fatalf("bus frames = %+v", frames)
	}
}

func TestHubIgnoresMalformedRemoteFrames(t *testing.T) {
	hub, _ := startHub(t)
	hub.DeliverRemote("machine-a", "battle:x", []byte("{not json"), "")
	if m := hub.Members("battle:x"); len(m) != 0 {
		t.Fatalf("members = %+v", m)
	}
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"https://play.example.com"})
	cases := map[string]bool{
		"":                         true,
		"https://play.example.com": true,
		"https://evil.example.com": false,
	}
	for origin, want := range cases {
		r := httptestRequest(origin)
		if got := check(r); got != want {
			t.Errorf("origin %q allowed = %v", origin, got)
		}
	}
	if !originChecker([]string{"*"})(httptestRequest("https://any")) {
		t.Error("wildcard rejected an origin")
	}
}

func httptestRequest(origin string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/ws/channels/battle:b1", nil)
	if origin != "" {
		r.Header.Set("Origin", origin)
	}
	return r
}
