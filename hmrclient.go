package chunkrt

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/coder/websocket"
)

// Hot update actions.
const (
	HotReload = "reload" // re-fetch the chunk and invalidate its modules
	HotApply  = "apply"  // evaluate an inline payload, no fetch
	HotUnload = "unload" // drop the chunk and everything it registered
)

// HotUpdate is one message on the hot-update channel.
type HotUpdate struct {
	Action  string          `json:"action"`
	Chunk   ChunkPath       `json:"chunk"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// maxHotUpdateBytes caps a single hot-update message.
const maxHotUpdateBytes = 64 << 20

// HMRClient subscribes a development runtime to a server's hot-update
// websocket and applies updates as they arrive.
type HMRClient struct {
	rt  *Runtime
	url string

	// OnUpdate, if set, is called after each update with the module
	// ids the update invalidated and the apply error, if any.
	OnUpdate func(HotUpdate, []ModuleID, error)

	// Redial is how long to wait before reconnecting after the
	// connection drops. Zero disables reconnecting.
	Redial time.Duration
}

// NewHMRClient returns a client for the given websocket URL
// (ws://host/hmr). The runtime must be in development mode.
func NewHMRClient(rt *Runtime, url string) *HMRClient {
	return &HMRClient{rt: rt, url: url}
}

// Run connects and processes updates until ctx is cancelled. With
// Redial set it reconnects after drops; otherwise it returns the read
// error that ended the connection.
func (c *HMRClient) Run(ctx context.Context) error {
	if !c.rt.cfg.Dev {
		return ErrNotDevMode
	}
	for {
		err := c.runConn(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if c.Redial <= 0 {
			return err
		}
		select {
		case <-time.After(c.Redial):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *HMRClient) runConn(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", c.url, err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	conn.SetReadLimit(maxHotUpdateBytes)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		var u HotUpdate
		if err := json.Unmarshal(data, &u); err != nil {
			// A malformed message does not kill the stream.
			if c.OnUpdate != nil {
				c.OnUpdate(HotUpdate{}, nil, fmt.Errorf("decoding hot update: %w", err))
			}
			continue
		}
		invalidated, err := c.Apply(ctx, u)
		if c.OnUpdate != nil {
			c.OnUpdate(u, invalidated, err)
		}
	}
}

// Apply dispatches a single hot update against the runtime and
// returns the module ids it invalidated.
func (c *HMRClient) Apply(ctx context.Context, u HotUpdate) ([]ModuleID, error) {
	before := c.rt.ChunkModules(u.Chunk)
	switch u.Action {
	case HotReload:
		if err := c.rt.ReloadChunk(ctx, u.Chunk); err != nil {
			return nil, err
		}
	case HotApply:
		if err := c.rt.ApplyChunkPayload(u.Chunk, u.Payload); err != nil {
			return nil, err
		}
	case HotUnload:
		if err := c.rt.UnloadChunk(u.Chunk); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown hot update action %q", u.Action)
	}
	return before, nil
}
