// Package panel is the bridge the graphical panel talks to: a WebSocket
// endpoint that accepts command frames and streams dispatch results plus
// the engine's event feed, and a small read-only HTTP API. The panel
// renders elsewhere; everything it can do flows through the same
// dispatcher as the console, so the two issuers cannot diverge.
package panel

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"classcast/internal/dispatch"
	"classcast/internal/feed"
	"classcast/internal/history"
	"classcast/internal/session"
)

var upgrader = websocket.Upgrader{
	// The bridge binds loopback; the panel is a local process.
	CheckOrigin:      func(r *http.Request) bool { return true },
	HandshakeTimeout: 10 * time.Second,
}

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

// commandFrame is what the panel sends over the socket.
type commandFrame struct {
	Verb string   `json:"verb"`
	Args []string `json:"args,omitempty"`
}

// outFrame is everything the bridge sends back: dispatch results and
// feed events, discriminated by Type.
type outFrame struct {
	Type   string           `json:"type"`
	Result *dispatch.Result `json:"result,omitempty"`
	Event  *feed.Event      `json:"event,omitempty"`
}

// Bridge serves the panel endpoints.
type Bridge struct {
	dispatcher *dispatch.Dispatcher
	events     *feed.Feed
	registry   *session.Registry
	store      *history.Store
}

// New builds the bridge. store may be nil; the history endpoint then
// reports 404.
func New(dispatcher *dispatch.Dispatcher, events *feed.Feed, registry *session.Registry, store *history.Store) *Bridge {
	return &Bridge{dispatcher: dispatcher, events: events, registry: registry, store: store}
}

// Handler returns the bridge's HTTP routes.
func (b *Bridge) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", b.handleWS)
	mux.HandleFunc("/healthz", b.handleHealth)
	mux.HandleFunc("/api/students", b.handleStudents)
	mux.HandleFunc("/api/history", b.handleHistory)
	return mux
}

// Run serves the bridge on addr until ctx is cancelled. An empty addr
// disables the bridge.
func (b *Bridge) Run(ctx context.Context, addr string) error {
	if addr == "" {
		<-ctx.Done()
		return nil
	}
	srv := &http.Server{
		Addr:         addr,
		Handler:      b.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	log.Printf("panel: bridge listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// handleWS upgrades and runs one panel connection: a single writer
// goroutine owns the socket's write side, fed by a channel carrying both
// dispatch results and feed events.
func (b *Bridge) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("panel: upgrade: %v", err)
		return
	}

	outCh := make(chan outFrame, 64)
	done := make(chan struct{})
	var closeOnce sync.Once
	closeConn := func() {
		closeOnce.Do(func() {
			close(done)
			conn.Close()
		})
	}
	defer closeConn()

	sub := b.events.Subscribe(64)
	defer sub.Cancel()

	// Feed events become outbound frames; a full channel drops them,
	// matching the feed's own policy.
	go func() {
		for {
			select {
			case <-done:
				return
			case ev, ok := <-sub.Events():
				if !ok {
					return
				}
				select {
				case outCh <- outFrame{Type: "event", Event: &ev}:
				default:
				}
			}
		}
	}()

	// Single writer: results, events, and pings.
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case frame := <-outCh:
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteJSON(frame); err != nil {
					closeConn()
					return
				}
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					closeConn()
					return
				}
			}
		}
	}()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var cmd commandFrame
		if err := conn.ReadJSON(&cmd); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("panel: connection lost: %v", err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		result := b.dispatcher.Dispatch(dispatch.CommandEnvelope{
			Issuer: dispatch.Panel,
			Verb:   cmd.Verb,
			Args:   cmd.Args,
		})
		select {
		case outCh <- outFrame{Type: "result", Result: &result}:
		case <-done:
			return
		}
	}
}

func (b *Bridge) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"students": b.registry.Count(),
	})
}

func (b *Bridge) handleStudents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, b.registry.List())
}

func (b *Bridge) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if b.store == nil {
		http.Error(w, "history not enabled", http.StatusNotFound)
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	events, err := b.store.RecentEvents(r.Context(), limit)
	if err != nil {
		http.Error(w, "query failed", http.StatusInternalServerError)
		return
	}
	transfers, err := b.store.RecentTransfers(r.Context(), limit)
	if err != nil {
		http.Error(w, "query failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events":    events,
		"transfers": transfers,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("panel: encode response: %v", err)
	}
}
