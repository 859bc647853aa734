package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"io/fs"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shaunagostinho/tungsten-boot/internal/device"
	"github.com/shaunagostinho/tungsten-boot/internal/journal"
	"github.com/shaunagostinho/tungsten-boot/internal/usb"
)

// Target is the board the monitor watches and drives.
type Target interface {
	Status() device.Status
	Reset()
	SetButton(held bool)
}

// Server exposes the emulated board over HTTP: live status on /ws, the
// virtual USB bus on /usb, and a small control API.
type Server struct {
	cfg     *Config
	target  Target
	port    *usb.Port
	journal *journal.Journal
	webFS   fs.FS

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex

	upgrader websocket.Upgrader
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Frame is the JSON structure sent to all WebSocket clients.
type Frame struct {
	Device  *device.Status `json:"device,omitempty"`
	Journal *JournalState  `json:"journal,omitempty"`
	Stamp   int64          `json:"stamp"` // Unix ms
}

// JournalState tells clients whether page writes are being recorded.
type JournalState struct {
	Enabled bool   `json:"enabled"`
	File    string `json:"file,omitempty"`
}

// New creates a new Server. webFS may be nil to serve the API only.
func New(cfg *Config, target Target, port *usb.Port, j *journal.Journal, webFS fs.FS) *Server {
	return &Server{
		cfg:     cfg,
		target:  target,
		port:    port,
		journal: j,
		webFS:   webFS,
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the monitor's routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	if s.webFS != nil {
		mux.Handle("/", http.FileServer(http.FS(s.webFS)))
	}

	// Live status
	mux.HandleFunc("/ws", s.handleWS)

	// Virtual USB bus
	if s.port != nil {
		mux.Handle("/usb", usb.Handler(s.port))
	}

	mux.HandleFunc("/api/config", s.handleConfig)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/reset", s.handleReset)
	mux.HandleFunc("/api/button", s.handleButton)
	return mux
}

// Run starts the HTTP server and the broadcast loop.
func (s *Server) Run(ctx context.Context) error {
	go s.broadcastLoop(ctx)

	addr := s.cfg.ServerSettings().ListenAddr
	srv := &http.Server{
		Addr:    addr,
		Handler: s.Handler(),
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	log.Printf("[server] listening on %s", addr)
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) frame() Frame {
	st := s.target.Status()
	f := Frame{Device: &st, Stamp: time.Now().UnixMilli()}
	if s.journal != nil {
		f.Journal = &JournalState{Enabled: s.journal.IsEnabled(), File: s.journal.Path()}
	}
	return f
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws] upgrade error: %v", err)
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 64),
	}

	// Current state first, so a new page does not wait for a change.
	if data, err := json.Marshal(s.frame()); err == nil {
		client.send <- data
	}

	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	n := len(s.clients)
	s.clientsMu.Unlock()
	log.Printf("[ws] client connected (%d total)", n)

	// Writer goroutine
	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	// Reader goroutine (keep-alive only)
	go func() {
		defer func() {
			s.clientsMu.Lock()
			delete(s.clients, client)
			n := len(s.clients)
			s.clientsMu.Unlock()
			close(client.send)
			log.Printf("[ws] client disconnected (%d total)", n)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		data, err := s.cfg.ToJSON()
		if err != nil {
			http.Error(w, err.Error(), 500)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)

	case http.MethodPost:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "bad request", 400)
			return
		}
		if err := s.cfg.UpdateFromJSON(body); err != nil {
			http.Error(w, err.Error(), 400)
			return
		}
		if err := s.cfg.Save(); err != nil {
			log.Printf("[config] save failed: %v", err)
		}
		// The journal switch applies now; bootloader options at the next start.
		if s.journal != nil {
			s.journal.SetEnabled(s.cfg.JournalEnabled())
		}
		s.broadcast(s.frame())

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))

	default:
		http.Error(w, "method not allowed", 405)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", 405)
		return
	}
	data, err := json.Marshal(s.frame())
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", 405)
		return
	}
	log.Printf("[server] reset requested by %s", r.RemoteAddr)
	s.target.Reset()
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleButton(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", 405)
		return
	}
	var req struct {
		Held bool `json:"held"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", 400)
		return
	}
	s.target.SetButton(req.Held)
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// broadcastLoop pushes the device status to clients whenever it changes.
func (s *Server) broadcastLoop(ctx context.Context) {
	period := time.Duration(s.cfg.ServerSettings().BroadcastMs) * time.Millisecond
	if period <= 0 {
		period = 100 * time.Millisecond
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	var last []byte
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f := s.frame()
			f.Stamp = 0
			key, err := json.Marshal(f)
			if err != nil || bytes.Equal(key, last) {
				continue
			}
			last = key
			s.broadcast(s.frame())
		}
	}
}

func (s *Server) broadcast(frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for client := range s.clients {
		select {
		case client.send <- data:
		default:
			// Client too slow, skip
		}
	}
}
