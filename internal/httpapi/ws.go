package httpapi

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/karmaspark/internal/agent"
	"github.com/ent0n29/karmaspark/internal/protocol"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsReadTimeout  = 120 * time.Second
)

// handleConversationWS streams reminder deliveries for the conversation in
// the path. Clients may subscribe to more conversations, ping, and run turns
// whose replies come back as agent_reply messages.
func (s *Server) handleConversationWS(w http.ResponseWriter, r *http.Request) {
	conversationID := strings.TrimSpace(chi.URLParam(r, "id"))
	if conversationID == "" {
		respondError(w, http.StatusBadRequest, "missing_conversation_id", "conversation id is required")
		return
	}
	if !mayAccess(r.Context(), conversationID) {
		respondError(w, http.StatusForbidden, "forbidden", "token does not cover this conversation")
		return
	}
	if s.deps.Hub == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "delivery hub not configured")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	// Unblock ReadMessage once the writer gives up.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	outbound := make(chan any, 256)
	var (
		workers     sync.WaitGroup
		unsubscribe []func()
		subscribed  = map[string]bool{}
	)
	subscribe := func(id string) {
		if subscribed[id] {
			return
		}
		subscribed[id] = true
		sub, unsub := s.deps.Hub.Subscribe(id)
		unsubscribe = append(unsubscribe, unsub)
		workers.Add(1)
		go func() {
			defer workers.Done()
			for msg := range sub.C {
				select {
				case outbound <- msg:
				case <-ctx.Done():
				}
			}
		}()
	}
	enqueue := func(msg any) {
		select {
		case outbound <- msg:
		case <-ctx.Done():
		}
	}

	subscribe(conversationID)
	enqueue(protocol.SystemEvent{
		Type:           protocol.TypeSystemEvent,
		ConversationID: conversationID,
		Code:           "subscribed",
	})

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-outbound:
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteJSON(msg); err != nil {
					s.deps.Logger.Debug("websocket write failed", "conversation_id", conversationID, "error", err)
					cancel()
					return
				}
				if t, ok := messageTypeOf(msg); ok {
					s.deps.Metrics.WSMessage("outbound", string(t))
				}
			}
		}
	}()

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	})

	for ctx.Err() == nil {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			enqueue(protocol.ErrorEvent{
				Type:           protocol.TypeErrorEvent,
				ConversationID: conversationID,
				Code:           "invalid_client_message",
				Source:         "gateway",
				Detail:         err.Error(),
			})
			continue
		}
		if t, ok := messageTypeOf(parsed); ok {
			s.deps.Metrics.WSMessage("inbound", string(t))
		}

		switch m := parsed.(type) {
		case protocol.ClientSubscribe:
			if !mayAccess(ctx, m.ConversationID) {
				enqueue(protocol.ErrorEvent{
					Type:           protocol.TypeErrorEvent,
					ConversationID: m.ConversationID,
					Code:           "forbidden",
					Source:         "gateway",
					Detail:         "token does not cover this conversation",
				})
				continue
			}
			subscribe(m.ConversationID)
		case protocol.ClientPing:
			enqueue(protocol.Pong{Type: protocol.TypePong, TSMs: m.TSMs})
		case protocol.ClientTurn:
			m.ConversationID, m.AuthorID = scoped(ctx, m.ConversationID, m.AuthorID)
			workers.Add(1)
			go func() {
				defer workers.Done()
				enqueue(s.runSocketTurn(ctx, m))
			}()
		}
	}

	cancel()
	for _, unsub := range unsubscribe {
		unsub()
	}
	workers.Wait()
	<-writerDone
}

func (s *Server) runSocketTurn(ctx context.Context, m protocol.ClientTurn) any {
	reply, err := s.deps.Turns.HandleTurn(ctx, agent.Request{
		ConversationID: m.ConversationID,
		AuthorID:       m.AuthorID,
		Text:           m.Text,
	})
	if err != nil && !agent.IsUserError(err) {
		return protocol.ErrorEvent{
			Type:           protocol.TypeErrorEvent,
			ConversationID: m.ConversationID,
			Code:           errorCode(err),
			Source:         "agent",
			Retryable:      turnStatus(err) >= 500,
			Detail:         reply.Text,
		}
	}
	return protocol.AgentReply{
		Type:           protocol.TypeAgentReply,
		ConversationID: m.ConversationID,
		TurnID:         reply.TurnID,
		Text:           reply.Text,
		Markdown:       reply.Markdown,
		Degraded:       len(reply.Degraded) > 0,
	}
}

func messageTypeOf(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.ClientSubscribe:
		return m.Type, true
	case protocol.ClientPing:
		return m.Type, true
	case protocol.ClientTurn:
		return m.Type, true
	case protocol.ReminderFired:
		return m.Type, true
	case protocol.AgentReply:
		return m.Type, true
	case protocol.Pong:
		return m.Type, true
	case protocol.SystemEvent:
		return m.Type, true
	case protocol.ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}
