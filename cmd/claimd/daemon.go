package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/mirkobrombin/go-claim/v1/adapter"
	"github.com/mirkobrombin/go-claim/v1/core"
	"github.com/mirkobrombin/go-claim/v1/feed"
	"github.com/mirkobrombin/go-claim/v1/metrics"
	"github.com/mirkobrombin/go-claim/v1/syncbus"
	nats "github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/puzpuzpuz/xsync/v3"
	redis "github.com/redis/go-redis/v9"
)

var emptyDoc = json.RawMessage(`{}`)

// daemon serves one store. Payloads of held records live in local until
// they are saved or released.
type daemon struct {
	store  *core.Store[string, json.RawMessage]
	coord  *core.Coordinator
	local  *xsync.MapOf[string, json.RawMessage]
	feed   feed.Feed
	reg    *prometheus.Registry
	logger *slog.Logger

	closers []func() error
}

func codecFor(name string) (adapter.Codec, error) {
	switch name {
	case "json", "":
		return adapter.JSONCodec{}, nil
	case "canonical":
		return adapter.CanonicalJSONCodec{}, nil
	case "gob":
		return adapter.GobCodec{}, nil
	}
	return nil, fmt.Errorf("invalid codec %q (expected json, canonical or gob)", name)
}

func newDaemon(c config, logger *slog.Logger) (*daemon, error) {
	codec, err := codecFor(c.Codec)
	if err != nil {
		return nil, err
	}
	d := &daemon{
		coord:  core.NewCoordinator(),
		local:  xsync.NewMapOf[string, json.RawMessage](),
		reg:    metrics.NewRegistry(),
		logger: logger,
	}

	var (
		remote adapter.Store[json.RawMessage]
		bus    syncbus.Bus
	)
	if c.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: c.RedisAddr, Password: c.RedisPassword, DB: c.RedisDB})
		d.closers = append(d.closers, client.Close)
		remote = adapter.NewRedisStore[json.RawMessage](c.Store, client,
			adapter.WithCodec(codec), adapter.WithPrefix("claim:"+c.Store+":"))
		rb := syncbus.NewRedisBus(client)
		d.closers = append(d.closers, rb.Close)
		bus = rb
		d.feed = feed.NewRedisFeed(client)
	} else {
		remote = adapter.NewInMemoryStore[json.RawMessage](c.Store, adapter.WithCodec(codec))
		bus = syncbus.NewInMemoryBus()
		d.feed = feed.NewInMemory()
	}
	if c.NATSURL != "" {
		nc, err := nats.Connect(c.NATSURL)
		if err != nil {
			d.closeAll()
			return nil, fmt.Errorf("nats connect: %w", err)
		}
		d.closers = append(d.closers, func() error { nc.Close(); return nil })
		bus = syncbus.NewNATSBus(nc)
	}

	d.store, err = core.New[string, json.RawMessage](c.Store, remote, d.data, func(string) json.RawMessage { return emptyDoc },
		core.WithLockID[string, json.RawMessage](c.LockID),
		core.WithCoordinator[string, json.RawMessage](d.coord),
		core.WithAutosaveInterval[string, json.RawMessage](c.Autosave),
		core.WithBus[string, json.RawMessage](bus),
		core.WithFeed[string, json.RawMessage](d.feed),
		core.WithMetrics[string, json.RawMessage](d.reg),
		core.WithLogger[string, json.RawMessage](logger),
	)
	if err != nil {
		d.closeAll()
		return nil, err
	}
	d.store.Released().Connect(func(ev core.ReleaseEvent[string, json.RawMessage]) {
		d.local.Delete(ev.Session.StoreKey())
	})
	return d, nil
}

// data returns the payload to save for key.
func (d *daemon) data(key string) json.RawMessage {
	if v, ok := d.local.Load(key); ok {
		return v
	}
	if s, ok := d.store.Session(key); ok {
		return s.Data()
	}
	return emptyDoc
}

func (d *daemon) closeAll() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		_ = d.closers[i]()
	}
}

// close releases every session, stops the store and closes connections.
func (d *daemon) close(ctx context.Context) error {
	err := d.coord.Shutdown(ctx)
	if cerr := d.store.Close(); err == nil {
		err = cerr
	}
	d.closeAll()
	return err
}

func (d *daemon) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/records/{key}/load", d.handleLoad)
	mux.HandleFunc("PUT /v1/records/{key}", d.handlePut)
	mux.HandleFunc("GET /v1/records/{key}", d.handleView)
	mux.HandleFunc("POST /v1/records/{key}/update", d.handleUpdate)
	mux.HandleFunc("POST /v1/records/{key}/release", d.handleRelease)
	mux.HandleFunc("GET /v1/sessions", d.handleSessions)
	mux.Handle("GET /v1/events", feed.SSEHandler(d.feed))
	mux.Handle("GET /v1/events/ws", feed.WebSocketHandler(d.feed))
	mux.Handle("GET /metrics", promhttp.HandlerFor(d.reg, promhttp.HandlerOpts{}))
	return mux
}

type sessionView struct {
	Key     string          `json:"key"`
	State   string          `json:"state"`
	Data    json.RawMessage `json:"data"`
	Version string          `json:"version,omitempty"`
	Outcome string          `json:"outcome,omitempty"`
	Saved   *bool           `json:"saved,omitempty"`
}

func viewOf(s *core.Session[string, json.RawMessage]) sessionView {
	return sessionView{
		Key:     s.StoreKey(),
		State:   s.State().String(),
		Data:    s.Data(),
		Version: s.Info().Version,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, core.ErrSessionActive), errors.Is(err, core.ErrLockConflict), errors.Is(err, core.ErrSessionReleased):
		status = http.StatusConflict
	case errors.Is(err, core.ErrShuttingDown):
		status = http.StatusServiceUnavailable
	case errors.Is(err, core.ErrInvalidConfig):
		status = http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (d *daemon) handleLoad(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	policy := core.ConflictRequestRelease
	switch r.URL.Query().Get("policy") {
	case "", "request":
	case "steal":
		policy = core.ConflictSteal
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "policy must be request or steal"})
		return
	}
	s, err := d.store.Load(r.Context(), key, policy)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(s))
}

func (d *daemon) handlePut(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if _, ok := d.store.Session(key); !ok {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "record not held by this process"})
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if !json.Valid(body) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "body must be a JSON document"})
		return
	}
	d.local.Store(key, json.RawMessage(body))
	w.WriteHeader(http.StatusNoContent)
}

func (d *daemon) handleView(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	v, info, ok, err := d.store.View(r.Context(), key)
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}
	writeJSON(w, http.StatusOK, sessionView{Key: key, Data: v, Version: info.Version})
}

func (d *daemon) handleUpdate(w http.ResponseWriter, r *http.Request) {
	s, ok := d.store.Session(r.PathValue("key"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no session"})
		return
	}
	outcome, err := s.Update(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	v := viewOf(s)
	v.Outcome = outcome.String()
	writeJSON(w, http.StatusOK, v)
}

func (d *daemon) handleRelease(w http.ResponseWriter, r *http.Request) {
	s, ok := d.store.Session(r.PathValue("key"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no session"})
		return
	}
	saved, err := s.Release(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	v := viewOf(s)
	v.Saved = &saved
	writeJSON(w, http.StatusOK, v)
}

func (d *daemon) handleSessions(w http.ResponseWriter, _ *http.Request) {
	sessions := d.store.Sessions()
	out := make([]sessionView, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, viewOf(s))
	}
	writeJSON(w, http.StatusOK, out)
}
