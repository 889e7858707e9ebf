package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"ar-collect/internal/cache"
	"ar-collect/internal/collection"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// portalMessage is the envelope pushed to settlement portal sockets.
type portalMessage struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

func (s *Server) mountPortal(mux *http.ServeMux) {
	mux.HandleFunc("GET /portal/settlements/{callID}", s.handleGetSettlement)
	mux.HandleFunc("POST /portal/settlements/{callID}/proposal", s.handleUpdateProposal)
	mux.HandleFunc("POST /portal/settlements/{callID}/accept", s.handleAcceptProposal)
	mux.HandleFunc("GET /portal/settlements/{callID}/ws", s.handleSettlementSocket)
}

func (s *Server) handleGetSettlement(w http.ResponseWriter, r *http.Request) {
	view, err := s.deps.Service.GetSettlement(r.Context(), r.PathValue("callID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, view)
}

func (s *Server) handleUpdateProposal(w http.ResponseWriter, r *http.Request) {
	var body struct {
		InvoiceID     string `json:"invoiceId"`
		ProposedCents int64  `json:"proposedCents"`
		DiscountBps   *int64 `json:"discountBps"`
	}
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	proposal, err := s.deps.Service.UpdateProposal(r.Context(), collection.ProposalInput{
		CallID:        r.PathValue("callID"),
		InvoiceID:     body.InvoiceID,
		ProposedCents: body.ProposedCents,
		DiscountBps:   body.DiscountBps,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, proposal)
}

func (s *Server) handleAcceptProposal(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email string `json:"email"`
	}
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	acceptance, err := s.deps.Service.AcceptProposal(r.Context(), r.PathValue("callID"), body.Email)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, acceptance)
}

// handleSettlementSocket streams proposal updates for one call. The first frame is a
// snapshot, later frames are relayed from the Redis settlement channel.
func (s *Server) handleSettlementSocket(w http.ResponseWriter, r *http.Request) {
	callID := r.PathValue("callID")
	snapshot, err := s.settlementSnapshot(r.Context(), callID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "call_id", callID, "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	send := make(chan []byte, 16)
	if data, err := json.Marshal(portalMessage{Type: "snapshot", Payload: snapshot}); err == nil {
		send <- data
	}

	if s.deps.Redis != nil {
		sub := s.deps.Redis.Subscribe(ctx, cache.SettlementChannel(callID))
		defer sub.Close()
		go func() {
			for msg := range sub.Channel() {
				data, err := json.Marshal(portalMessage{Type: "proposal", Payload: json.RawMessage(msg.Payload)})
				if err != nil {
					continue
				}
				select {
				case send <- data:
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	go s.readPump(conn, cancel)
	s.writePump(ctx, conn, send)
}

// settlementSnapshot loads the stored view, falling back to the cached proposal
// for calls the database does not know yet.
func (s *Server) settlementSnapshot(ctx context.Context, callID string) (any, error) {
	view, err := s.deps.Service.GetSettlement(ctx, callID)
	if err == nil {
		return view, nil
	}
	if !errors.Is(err, collection.ErrNotFound) || s.deps.Redis == nil {
		return nil, err
	}
	var cached json.RawMessage
	found, cacheErr := s.deps.Redis.LatestSettlement(ctx, callID, &cached)
	if cacheErr != nil || !found {
		return nil, err
	}
	return map[string]any{"callId": callID, "proposal": cached}, nil
}

// readPump drains client frames so pongs and close messages are processed.
func (s *Server) readPump(conn *websocket.Conn, done context.CancelFunc) {
	defer done()
	conn.SetReadLimit(4096)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Debug("websocket closed", "error", err)
			}
			return
		}
	}
}

func (s *Server) writePump(ctx context.Context, conn *websocket.Conn, send <-chan []byte) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(wsWriteWait))
			return
		case data := <-send:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
