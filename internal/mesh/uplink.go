package mesh

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
)

// UplinkConfig carries the reporting endpoint's base URL and shared
// secret key (spec.md §4.7, grounded on interface/uplink.py's
// status_update/statistics_update/heartbeat requests).
type UplinkConfig struct {
	BaseURL string
	Key     string
}

// HTTPUplink is a lossy, single-worker uplink sink: every notification
// is a fire-and-forget GET, queued on a bounded channel. A slow or down
// remote never blocks the mesh — when the queue is full, the new
// request is simply dropped, matching spec.md §4.7's "best-effort,
// never on the critical path" requirement.
type HTTPUplink struct {
	cfg    UplinkConfig
	client *http.Client
	logger log.Logger
	queue  chan string
}

// NewHTTPUplink builds an uplink sink. Run must be called to drain its
// queue.
func NewHTTPUplink(cfg UplinkConfig, logger log.Logger) *HTTPUplink {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &HTTPUplink{
		cfg:    cfg,
		client: &http.Client{Timeout: 5 * time.Second},
		logger: logger,
		queue:  make(chan string, 256),
	}
}

// Run drains the request queue until ctx is cancelled.
func (u *HTTPUplink) Run(ctx context.Context) error {
	level.Info(u.logger).Log("msg", "uplink worker starting", "base_url", u.cfg.BaseURL)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case target := <-u.queue:
			u.deliver(ctx, target)
		}
	}
}

func (u *HTTPUplink) deliver(ctx context.Context, target string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		level.Warn(u.logger).Log("msg", "uplink request build failed", "err", err)
		return
	}
	resp, err := u.client.Do(req)
	if err != nil {
		level.Warn(u.logger).Log("msg", "uplink delivery failed", "err", err)
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		level.Warn(u.logger).Log("msg", "uplink rejected update", "status", resp.StatusCode)
	}
}

func (u *HTTPUplink) enqueue(target string) {
	select {
	case u.queue <- target:
	default:
		level.Warn(u.logger).Log("msg", "uplink queue full, dropping update")
	}
}

// NotifyStatus reports a node's latest status value, matching
// interface/uplink.py's status_update request shape.
func (u *HTTPUplink) NotifyStatus(nodeName string, status int) {
	if u.cfg.BaseURL == "" {
		return
	}
	target := fmt.Sprintf("%s/status?key=%s&node=%s&status=%d",
		u.cfg.BaseURL, url.QueryEscape(u.cfg.Key), url.QueryEscape(nodeName), status)
	u.enqueue(target)
}

// NotifyAlive reports a node's connectivity edge, matching
// interface/uplink.py's heartbeat request shape.
func (u *HTTPUplink) NotifyAlive(nodeName string, alive bool) {
	if u.cfg.BaseURL == "" {
		return
	}
	target := fmt.Sprintf("%s/heartbeat?key=%s&node=%s&alive=%t",
		u.cfg.BaseURL, url.QueryEscape(u.cfg.Key), url.QueryEscape(nodeName), alive)
	u.enqueue(target)
}

// NotifyRaw enqueues an already-built URL, used by kind extensions
// (e.g. the switch kind's per-status-change report) that need full
// control of the query string.
func (u *HTTPUplink) NotifyRaw(target string) {
	u.enqueue(target)
}
