package session

import (
	"log/slog"
	"time"
)

// Hooks is the hook_fun collaborator named in the core's external
// interfaces: invoked on session start and stop, with errors inside the
// hook caught and logged rather than propagated.
type Hooks interface {
	Fire(hookName string, info map[string]any)
}

// LoggingHooks is the stock Hooks implementation: it logs the payload at
// info level and never returns an error, matching a deployment that has
// no external hook registered but still wants the event observable.
type LoggingHooks struct {
	Log *slog.Logger
}

// Fire implements Hooks.
func (h LoggingHooks) Fire(hookName string, info map[string]any) {
	log := h.Log
	if log == nil {
		log = slog.Default()
	}
	args := make([]any, 0, len(info)*2+2)
	args = append(args, "hook", hookName)
	for k, v := range info {
		args = append(args, k, v)
	}
	log.Info("session hook fired", args...)
}

// safeFire invokes hooks.Fire, recovering from (and logging) any panic
// inside the hook so a broken hook can never take down the session, per
// §7's "hook exceptions are caught and logged, not propagated".
func (c *Core) safeFire(hookName string, info map[string]any) {
	if c.hooks == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("hook panicked", "hook", hookName, "panic", r)
		}
	}()
	c.hooks.Fire(hookName, info)
}

func (c *Core) fireStart() {
	c.safeFire("turn_session_start", map[string]any{
		"id":        c.id,
		"user":      c.username,
		"realm":     c.realm,
		"client":    c.clientAddr.String(),
		"transport": c.transportKind.String(),
	})
}

func (c *Core) fireStop() {
	c.safeFire("turn_session_stop", map[string]any{
		"id":              c.id,
		"user":            c.username,
		"realm":           c.realm,
		"client":          c.clientAddr.String(),
		"transport":       c.transportKind.String(),
		"sent_bytes":      c.counters.sentBytes,
		"sent_pkts":       c.counters.sentPkts,
		"rcvd_bytes":      c.counters.rcvdBytes,
		"rcvd_pkts":       c.counters.rcvdPkts,
		"duration_native": time.Since(c.counters.start),
	})
}
