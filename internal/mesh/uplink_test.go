package mesh

import "testing"

func TestNotifyStatusBuildsExpectedURL(t *testing.T) {
	u := NewHTTPUplink(UplinkConfig{BaseURL: "https://example.org", Key: "topsecret"}, nil)
	u.NotifyStatus("bathroom", 1)

	select {
	case got := <-u.queue:
		want := "https://example.org/status?key=topsecret&node=bathroom&status=1"
		if got != want {
			t.Fatalf("got %q, want %q", got, want)
		}
	default:
		t.Fatalf("expected a queued request")
	}
}

func TestNotifyWithoutBaseURLIsANoop(t *testing.T) {
	u := NewHTTPUplink(UplinkConfig{}, nil)
	u.NotifyStatus("bathroom", 1)
	u.NotifyAlive("bathroom", true)

	select {
	case got := <-u.queue:
		t.Fatalf("expected no queued request without a base url, got %q", got)
	default:
	}
}

func TestQueueFullDropsRatherThanBlocks(t *testing.T) {
	u := NewHTTPUplink(UplinkConfig{BaseURL: "https://example.org"}, nil)
	u.queue = make(chan string, 1)
	u.NotifyAlive("a", true)

	done := make(chan struct{})
	go func() {
		u.NotifyAlive("b", false) // must not block even though the queue is full
		close(done)
	}()
	<-done
}
