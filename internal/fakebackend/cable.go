package fakebackend

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/omochice/chatwidget/pkg/protocol"
)

// handleCable upgrades to a websocket and speaks the subscription protocol:
// welcome on connect, confirm or reject on subscribe, periodic pings.
func (s *Server) handleCable(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to upgrade connection")
		return
	}

	s.mu.Lock()
	s.conns[conn] = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.serveCable(conn)
}

func (s *Server) serveCable(conn *websocket.Conn) {
	defer s.wg.Done()

	outgoing := make(chan []byte, 32)
	stop := make(chan struct{})
	var subs []*subscriber

	defer func() {
		for _, sub := range subs {
			s.hub.Unregister(sub)
		}
		close(stop)
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	// Single writer; gorilla connections allow one concurrent writer.
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.pingInterval)
		defer ticker.Stop()
		for {
			var data []byte
			select {
			case <-stop:
				return
			case data = <-outgoing:
			case <-ticker.C:
				data, _ = protocol.EncodeControl(protocol.ControlPing, "")
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.logger.Debug().Err(err).Msg("cable write failed")
				return
			}
		}
	}()

	send := func(ct protocol.ControlType, identifier string) {
		data, err := protocol.EncodeControl(ct, identifier)
		if err != nil {
			return
		}
		select {
		case outgoing <- data:
		default:
		}
	}

	send(protocol.ControlWelcome, "")

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug().Err(err).Msg("cable read error")
			}
			return
		}

		name, channel, token, err := protocol.DecodeCommand(data)
		if err != nil {
			s.logger.Warn().Err(err).Msg("bad cable command")
			continue
		}
		identifier := protocol.Identifier(channel, token)

		switch name {
		case "subscribe":
			if _, ok := s.tokenKnown(token); !ok || channel != s.channel {
				s.logger.Info().Str("channel", channel).Msg("rejecting subscription")
				send(protocol.ControlRejectSubscription, identifier)
				continue
			}
			sub := &subscriber{token: token, outgoing: outgoing}
			s.hub.Register(sub)
			subs = append(subs, sub)
			send(protocol.ControlConfirmSubscription, identifier)
		case "unsubscribe":
			remaining := subs[:0]
			for _, sub := range subs {
				if sub.token == token {
					s.hub.Unregister(sub)
					continue
				}
				remaining = append(remaining, sub)
			}
			subs = remaining
		default:
			s.logger.Debug().Str("command", name).Msg("ignoring command")
		}
	}
}

func (s *Server) tokenKnown(token string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, rec := range s.contacts {
		if rec.token == token {
			return id, true
		}
	}
	return "", false
}
