package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"pyxis-fc/internal/telemetry"
)

// Status is the shape of /api/status.
type Status struct {
	Phase            string  `json:"phase"`
	Tick             uint64  `json:"tick"`
	AltitudeM        float64 `json:"altitude_m"`
	MaxAltitudeM     float64 `json:"max_altitude_m"`
	VSpeedMps        float64 `json:"vspeed_mps"`
	TiltDeg          float64 `json:"tilt_deg"`
	Degraded         uint32  `json:"degraded"`
	Overruns         uint64  `json:"overruns"`
	CommandsAccepted uint64  `json:"commands_accepted"`
	CommandsRejected uint64  `json:"commands_rejected"`
}

// StatusFunc supplies the current status on demand.
type StatusFunc func() Status

// snapshotView is the JSON pushed over /ws, one message per tick.
type snapshotView struct {
	Tick        uint64     `json:"tick"`
	Phase       string     `json:"phase"`
	Quaternion  [4]float64 `json:"quaternion"`
	Velocity    [3]float64 `json:"velocity_mps"`
	AltitudeM   float64    `json:"altitude_m"`
	VSpeedMps   float64    `json:"vspeed_mps"`
	MaxAltM     float64    `json:"max_altitude_m"`
	TiltDeg     float64    `json:"tilt_deg"`
	StaleMask   uint8      `json:"stale_mask"`
	Degraded    uint32     `json:"degraded"`
	Events      []string   `json:"events,omitempty"`
}

func viewOf(s telemetry.Snapshot) snapshotView {
	v := snapshotView{
		Tick:       s.Tick,
		Phase:      s.Phase.String(),
		Quaternion: [4]float64{s.Orientation.W, s.Orientation.X, s.Orientation.Y, s.Orientation.Z},
		Velocity:   s.Velocity,
		AltitudeM:  s.Altitude,
		VSpeedMps:  s.VSpeed,
		MaxAltM:    s.MaxAltitude,
		TiltDeg:    s.TiltDeg,
		StaleMask:  s.StaleMask,
		Degraded:   s.Degraded,
	}
	for _, ev := range s.Events {
		v.Events = append(v.Events, ev.Kind.String())
	}
	return v
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Server is the on-pad HTTP view. It is read-only: commands only enter
// through the authenticated uplink.
type Server struct {
	hub    *Hub
	status StatusFunc
	srv    *http.Server
	ln     net.Listener
}

func NewServer(listen string, hub *Hub, status StatusFunc) (*Server, error) {
	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return nil, fmt.Errorf("web listen: %w", err)
	}
	s := &Server{hub: hub, status: status, ln: ln}
	s.srv = &http.Server{Handler: s.handler()}
	return s, nil
}

// Addr returns the bound address (useful with a ":0" listen spec).
func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

func (s *Server) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		b, err := json.MarshalIndent(s.status(), "", "  ")
		if err != nil {
			http.Error(w, "marshal failed", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(b)
		_, _ = w.Write([]byte("\n"))
	})

	mux.HandleFunc("/ws", s.serveWS)

	return mux
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("web: websocket upgrade: %v", err)
		return
	}
	defer conn.Close()

	id, ch := s.hub.Subscribe(8)
	defer s.hub.Unsubscribe(id)

	// Drain client frames so close handshakes and pings are processed.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for snap := range ch {
		_ = conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
		if err := conn.WriteJSON(viewOf(snap)); err != nil {
			return
		}
	}
}

// Run serves until ctx is done, then shuts the server down.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.Serve(s.ln) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(shutdownCtx)
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("web serve: %w", err)
	}
}

func (s *Server) Close() error {
	return s.srv.Close()
}
