package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"
)

// SSEHandler streams feed events over Server-Sent Events.
// The watched store is taken from the "store" query parameter.
func SSEHandler(f Feed) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		store := r.URL.Query().Get("store")
		if store == "" {
			http.Error(w, "missing store", http.StatusBadRequest)
			return
		}
		ctx, cancel := context.WithCancel(r.Context())
		ch, err := f.Watch(ctx, store)
		if err != nil {
			cancel()
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		defer func() {
			cancel()
			_ = f.Unwatch(context.Background(), store, ch)
		}()
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "stream unsupported", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()
		for {
			select {
			case ev, ok := <-ch:
				if !ok {
					return
				}
				b, err := json.Marshal(ev)
				if err != nil {
					return
				}
				if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, b); err != nil {
					return
				}
				flusher.Flush()
			case <-ctx.Done():
				return
			}
		}
	}
}

var upgrader = websocket.Upgrader{}

// WebSocketHandler streams feed events over WebSocket as JSON text messages.
// The watched store is taken from the "store" query parameter.
func WebSocketHandler(f Feed) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		store := r.URL.Query().Get("store")
		if store == "" {
			http.Error(w, "missing store", http.StatusBadRequest)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		ctx, cancel := context.WithCancel(r.Context())
		ch, err := f.Watch(ctx, store)
		if err != nil {
			cancel()
			return
		}
		defer func() {
			cancel()
			_ = f.Unwatch(context.Background(), store, ch)
		}()
		for {
			select {
			case ev, ok := <-ch:
				if !ok {
					return
				}
				if err := conn.WriteJSON(ev); err != nil {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}
}
