package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/unvm/unvm/pkg/history"
	"github.com/unvm/unvm/pkg/logging"
	"github.com/unvm/unvm/pkg/server"
	"github.com/unvm/unvm/pkg/wire"
)

// host owns the demo method surface. In the real editor these handlers
// call into editor APIs; here they log, toggle state, and read history.
type host struct {
	store   *history.Store
	logger  *logging.Logger
	playing atomic.Bool
}

func (h *host) register(d *server.Dispatcher) {
	d.Register("ping", h.handlePing)
	// refresh can trigger a script reload that suspends the host, so its
	// acknowledgement goes out first.
	d.RegisterAckFirst("refresh", h.handleRefresh)
	d.Register("play_toggle", h.handlePlayToggle)
	d.Register("log_history", h.handleLogHistory)
}

func (h *host) handlePing(json.RawMessage) (string, wire.Status) {
	return "pong", wire.StatusOK
}

func (h *host) handleRefresh(params json.RawMessage) (string, wire.Status) {
	var p struct {
		Force bool `json:"force"`
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return fmt.Sprintf("invalid refresh parameters: %v", err), wire.StatusError
		}
	}
	h.capture("info", fmt.Sprintf("asset refresh requested (force=%v)", p.Force))
	return "", wire.StatusOK
}

func (h *host) handlePlayToggle(json.RawMessage) (string, wire.Status) {
	playing := !h.playing.Load()
	h.playing.Store(playing)
	h.capture("info", fmt.Sprintf("play state toggled to %v", playing))
	return fmt.Sprintf("playing=%v", playing), wire.StatusOK
}

func (h *host) handleLogHistory(params json.RawMessage) (string, wire.Status) {
	var p struct {
		Count int `json:"count"`
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return fmt.Sprintf("invalid log_history parameters: %v", err), wire.StatusError
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	entries, err := h.store.Recent(ctx, p.Count)
	if err != nil {
		return fmt.Sprintf("read history: %v", err), wire.StatusError
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Sprintf("encode history: %v", err), wire.StatusError
	}
	return string(data), wire.StatusOK
}

// capture mirrors a log line into the history store the way the editor
// integration mirrors its console output.
func (h *host) capture(level, message string) {
	h.logger.Printf("%s", message)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.store.Append(ctx, level, message, ""); err != nil {
		h.logger.Printf("history append failed: %v", err)
	}
}
