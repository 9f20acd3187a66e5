package server

import (
	"log"
	"net/http"

	apperrors "github.com/signcast/host/internal/errors"
)

// handleWebSocket upgrades a display's connection and hands it to the
// lifecycle. The socket itself is unauthenticated; the pairing code shown on
// the display is what an operator claims.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written the HTTP error.
		log.Printf("server: %v", apperrors.Wrap(apperrors.CodeServerUpgradeFailed, "websocket upgrade failed", err))
		return
	}

	client := newClient(s, conn, r.RemoteAddr)
	if !s.addClient(client) {
		conn.Close()
		return
	}

	// writePump must run before Connect queues the first displayCode.
	go client.writePump()

	pc, err := s.lc.Connect(r.Context(), client)
	if err != nil {
		log.Printf("server: rejected connection from %s: %v", r.RemoteAddr, err)
		client.Close()
		s.removeClient(client)
		return
	}
	client.pc = pc

	go client.readPump()
}
