package events

import (
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/sproutlyapp/sproutly/internal/billing/model"
)

// mockClient creates a Client with a send channel but no real connection.
func mockClient(hub *Hub, userID int64) *Client {
	return &Client{
		hub:    hub,
		userID: userID,
		conn:   nil,
		send:   make(chan []byte, sendBufferSize),
	}
}

func testHub() *Hub {
	return NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestRegisterUnregister(t *testing.T) {
	hub := testHub()

	c1 := mockClient(hub, 1)
	c2 := mockClient(hub, 1)
	hub.register(c1)
	hub.register(c2)

	if got := hub.ClientCount(1); got != 2 {
		t.Fatalf("expected 2 clients, got %d", got)
	}

	hub.unregister(c1)
	if got := hub.ClientCount(1); got != 1 {
		t.Fatalf("expected 1 client after unregister, got %d", got)
	}

	hub.unregister(c2)
	if got := hub.ClientCount(1); got != 0 {
		t.Fatalf("expected 0 clients, got %d", got)
	}
}

func TestDoubleUnregister(t *testing.T) {
	hub := testHub()
	c := mockClient(hub, 1)
	hub.register(c)
	hub.unregister(c)
	// Should not panic
	hub.unregister(c)

	if got := hub.ClientCount(1); got != 0 {
		t.Fatalf("expected 0 clients, got %d", got)
	}
}

func TestPublishStateChange(t *testing.T) {
	hub := testHub()

	mine := mockClient(hub, 1)
	other := mockClient(hub, 2)
	hub.register(mine)
	hub.register(other)

	sub := &model.Subscription{UserID: 1, Status: model.StatusActive, Tier: model.TierStandard}
	features := []model.FeatureAccess{
		{UserID: 1, Feature: "log_basic", Enabled: true},
		{UserID: 1, Feature: "smart_reminders", Enabled: true},
		{UserID: 1, Feature: "priority_support", Enabled: false},
	}
	hub.PublishStateChange(1, sub, features)

	select {
	case data := <-mine.send:
		var got EntitlementUpdate
		if err := json.Unmarshal(data, &got); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if got.Type != "entitlement_update" || got.UserID != 1 {
			t.Errorf("update = %+v", got)
		}
		if got.Status != model.StatusActive || got.Tier != model.TierStandard {
			t.Errorf("status %q tier %q", got.Status, got.Tier)
		}
		if len(got.Features) != 2 {
			t.Errorf("features = %v, want only the enabled ones", got.Features)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for update")
	}

	select {
	case data := <-other.send:
		t.Fatalf("other user received %s", data)
	default:
	}
}

func TestPublishEmptyHub(t *testing.T) {
	hub := testHub()
	// Should not panic
	hub.PublishStateChange(1, &model.Subscription{UserID: 1, Status: model.StatusCanceled}, nil)
}

func TestPublishFullBuffer(t *testing.T) {
	hub := testHub()

	c := mockClient(hub, 1)
	hub.register(c)

	sub := &model.Subscription{UserID: 1, Status: model.StatusActive, Tier: model.TierStandard}
	for i := 0; i < sendBufferSize; i++ {
		hub.PublishStateChange(1, sub, nil)
	}

	// This one should drop, not panic or block.
	hub.PublishStateChange(1, sub, nil)

	count := 0
	for {
		select {
		case <-c.send:
			count++
		default:
			if count != sendBufferSize {
				t.Errorf("expected %d messages, got %d", sendBufferSize, count)
			}
			hub.unregister(c)
			return
		}
	}
}

func TestConcurrentAccess(t *testing.T) {
	hub := testHub()
	var wg sync.WaitGroup

	sub := &model.Subscription{UserID: 1, Status: model.StatusActive, Tier: model.TierStandard}
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := mockClient(hub, 1)
			hub.register(c)
			hub.PublishStateChange(1, sub, nil)
			for {
				select {
				case <-c.send:
				default:
					hub.unregister(c)
					return
				}
			}
		}()
	}

	wg.Wait()

	if got := hub.ClientCount(1); got != 0 {
		t.Errorf("expected 0 clients after concurrent test, got %d", got)
	}
}
