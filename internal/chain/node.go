// Package chain watches the blockchain node the assistant connects to.
//
// NodeClient polls an EOSIO-style node for chain info and reports its sync
// status, latency and request errors. Monitor turns those reports into the
// connection health the dialog presents.
package chain

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/FollowMyVote/assistant/internal/models"
	"github.com/tidwall/gjson"
)

// Defaults for NodeClient polling.
const (
	DefaultSyncInterval   = 2500 * time.Millisecond
	DefaultStaleAfter     = 10 * time.Second
	DefaultRequestTimeout = 10 * time.Second

	getInfoPath     = "/v1/chain/get_info"
	maxResponseSize = 1 << 20
)

// blockTimeLayouts are the head_block_time formats nodes are known to send.
var blockTimeLayouts = []string{
	"2006-01-02T15:04:05.000",
	"2006-01-02T15:04:05",
	time.RFC3339Nano,
}

// NodeListener receives NodeClient reports on the event loop.
type NodeListener interface {
	StatusChanged(status models.SyncStatus)
	NodeError(code int)
	NodeResponseNonsense()
}

// ChainInfo is the subset of get_info the client keeps.
type ChainInfo struct {
	ChainID       string
	HeadBlockNum  int64
	HeadBlockID   string
	HeadBlockTime time.Time
	ServerVersion string
}

// NodeOption configures a NodeClient.
type NodeOption func(*NodeClient)

// WithHTTPClient replaces the HTTP client used for polling.
func WithHTTPClient(client *http.Client) NodeOption {
	return func(c *NodeClient) {
		c.client = client
	}
}

// WithSyncInterval sets the delay between polls.
func WithSyncInterval(d time.Duration) NodeOption {
	return func(c *NodeClient) {
		c.syncInterval = d
	}
}

// WithStaleAfter sets how old the head block may be before the node is
// considered out of sync.
func WithStaleAfter(d time.Duration) NodeOption {
	return func(c *NodeClient) {
		c.staleAfter = d
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) NodeOption {
	return func(c *NodeClient) {
		c.now = now
	}
}

// NodeClient polls one node at a time.
type NodeClient struct {
	post         func(func())
	client       *http.Client
	syncInterval time.Duration
	staleAfter   time.Duration
	now          func() time.Time

	mu       sync.Mutex
	listener NodeListener
	nodeURL  string
	status   models.SyncStatus
	latency  time.Duration
	info     ChainInfo
	cancel   context.CancelFunc
	gen      uint64
}

// NewNodeClient creates an idle client. post must run functions on the
// event loop.
func NewNodeClient(post func(func()), opts ...NodeOption) (*NodeClient, error) {
	c := &NodeClient{
		post:         post,
		client:       &http.Client{Timeout: DefaultRequestTimeout},
		syncInterval: DefaultSyncInterval,
		staleAfter:   DefaultStaleAfter,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.syncInterval <= 0 {
		return nil, fmt.Errorf("sync interval must be positive, got %v", c.syncInterval)
	}
	if c.staleAfter <= 0 {
		return nil, fmt.Errorf("stale threshold must be positive, got %v", c.staleAfter)
	}
	return c, nil
}

// SetListener sets the receiver of status changes and request failures.
func (c *NodeClient) SetListener(l NodeListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listener = l
}

// SetNodeURL switches to nodeURL and starts polling it at once. Setting the
// URL already being polled does nothing; an empty URL stops polling.
func (c *NodeClient) SetNodeURL(nodeURL string) {
	c.mu.Lock()
	if nodeURL == c.nodeURL && c.cancel != nil {
		c.mu.Unlock()
		return
	}
	c.stopLocked()
	c.nodeURL = nodeURL
	if nodeURL == "" {
		c.mu.Unlock()
		slog.Debug("NodeClient SetNodeURL cleared")
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	gen := c.gen
	c.mu.Unlock()

	slog.Info("NodeClient connecting", "node_url", nodeURL)
	c.setStatus(gen, models.SyncStatusWaitingForConnection)
	go c.poll(ctx, gen, nodeURL)
}

// Disconnect stops polling but keeps the URL.
func (c *NodeClient) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked()
	slog.Debug("NodeClient disconnected", "node_url", c.nodeURL)
}

func (c *NodeClient) stopLocked() {
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.gen++
	c.status = models.SyncStatusIdle
}

// NodeURL returns the URL being polled, or the last one after Disconnect.
func (c *NodeClient) NodeURL() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nodeURL
}

// SyncStatus returns the status from the last poll.
func (c *NodeClient) SyncStatus() models.SyncStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Latency returns the round-trip time of the last completed request.
func (c *NodeClient) Latency() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latency
}

// Info returns the chain info from the last good response.
func (c *NodeClient) Info() ChainInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.info
}

func (c *NodeClient) poll(ctx context.Context, gen uint64, nodeURL string) {
	ticker := time.NewTicker(c.syncInterval)
	defer ticker.Stop()
	for {
		c.sync(ctx, gen, nodeURL)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (c *NodeClient) sync(ctx context.Context, gen uint64, nodeURL string) {
	endpoint := strings.TrimRight(nodeURL, "/") + getInfoPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader([]byte("{}")))
	if err != nil {
		c.requestFailed(gen, &models.NodeError{Code: models.NodeErrorProtocolUnknown, Cause: err})
		return
	}
	req.Header.Set("Content-Type", "application/json")

	start := c.now()
	resp, err := c.client.Do(req)
	if ctx.Err() != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return
	}
	if err != nil {
		c.requestFailed(gen, &models.NodeError{Code: transportErrorCode(err), Cause: err})
		return
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	rtt := c.now().Sub(start)
	c.mu.Lock()
	if gen == c.gen {
		c.latency = rtt
	}
	c.mu.Unlock()

	if resp.StatusCode >= 400 {
		c.requestFailed(gen, &models.NodeError{Code: resp.StatusCode})
		return
	}
	if err != nil {
		c.requestFailed(gen, &models.NodeError{Code: models.NodeErrorOther, Cause: err})
		return
	}

	info, ok := parseChainInfo(body)
	if !ok {
		slog.Warn("NodeClient received nonsense", "node_url", nodeURL, "bytes", len(body))
		c.emit(gen, func(l NodeListener) { l.NodeResponseNonsense() })
		c.setStatus(gen, models.SyncStatusRecoveringConnection)
		return
	}

	c.mu.Lock()
	if gen == c.gen {
		c.info = info
	}
	c.mu.Unlock()

	status := models.SyncStatusSynchronized
	if info.HeadBlockTime.IsZero() || c.now().Sub(info.HeadBlockTime) > c.staleAfter {
		status = models.SyncStatusSynchronizedStale
	}
	slog.Debug("NodeClient sync succeeded", "node_url", nodeURL, "head_block", info.HeadBlockNum, "latency", rtt, "status", status)
	c.setStatus(gen, status)
}

func (c *NodeClient) requestFailed(gen uint64, nodeErr *models.NodeError) {
	if nodeErr.IsHTTPStatus() {
		slog.Warn("NodeClient request rejected", "status", nodeErr.Code)
	} else {
		slog.Warn("NodeClient request failed", "code", nodeErr.Code, "error", nodeErr)
	}
	c.emit(gen, func(l NodeListener) { l.NodeError(nodeErr.Code) })

	c.mu.Lock()
	next := models.SyncStatusWaitingForConnection
	if c.status.IsConnected() {
		next = models.SyncStatusRecoveringConnection
	}
	c.mu.Unlock()
	c.setStatus(gen, next)
}

func (c *NodeClient) setStatus(gen uint64, status models.SyncStatus) {
	c.mu.Lock()
	if gen != c.gen || status == c.status {
		c.mu.Unlock()
		return
	}
	c.status = status
	c.mu.Unlock()
	c.emit(gen, func(l NodeListener) { l.StatusChanged(status) })
}

// emit delivers a report on the event loop unless the client has since
// switched nodes or disconnected.
func (c *NodeClient) emit(gen uint64, fn func(NodeListener)) {
	c.post(func() {
		c.mu.Lock()
		current := gen == c.gen
		l := c.listener
		c.mu.Unlock()
		if !current || l == nil {
			return
		}
		fn(l)
	})
}

// parseChainInfo accepts only a JSON object carrying head_block_id.
func parseChainInfo(body []byte) (ChainInfo, bool) {
	if !gjson.ValidBytes(body) {
		return ChainInfo{}, false
	}
	doc := gjson.ParseBytes(body)
	if !doc.IsObject() || !doc.Get("head_block_id").Exists() {
		return ChainInfo{}, false
	}
	info := ChainInfo{
		ChainID:       doc.Get("chain_id").String(),
		HeadBlockNum:  doc.Get("head_block_num").Int(),
		HeadBlockID:   doc.Get("head_block_id").String(),
		ServerVersion: doc.Get("server_version_string").String(),
	}
	if t, err := parseBlockTime(doc.Get("head_block_time").String()); err == nil {
		info.HeadBlockTime = t
	}
	return info, true
}

func parseBlockTime(s string) (time.Time, error) {
	for _, layout := range blockTimeLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised block time %q", s)
}

// transportErrorCode maps a failed request to the node error code scheme.
func transportErrorCode(err error) int {
	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return models.NodeErrorConnectionRefused
	case strings.Contains(err.Error(), "unsupported protocol scheme"):
		return models.NodeErrorProtocolUnknown
	default:
		return models.NodeErrorOther
	}
}
