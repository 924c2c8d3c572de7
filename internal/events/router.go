package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/ashureev/agentdesk/internal/domain"
	"github.com/ashureev/agentdesk/internal/store"
)

// MaxMessageLength bounds a single chat message.
const MaxMessageLength = 4000

// RouteResult identifies what routing a message produced.
type RouteResult struct {
	EventID              string `json:"eventId"`
	ChatThreadID         string `json:"chatThreadId"`
	SenderConversationID string `json:"conversationId"`
}

func validateContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return fmt.Errorf("%w: content is required", ErrInvalidInput)
	}
	if utf8.RuneCountInString(content) > MaxMessageLength {
		return fmt.Errorf("%w: content exceeds %d characters", ErrInvalidInput, MaxMessageLength)
	}
	return nil
}

// SendMessage starts or continues a chat between the sender's agent and the
// agent of targetUserID.
func (s *Service) SendMessage(ctx context.Context, sender *domain.Agent, targetUserID, content string) (*RouteResult, error) {
	if err := validateContent(content); err != nil {
		return nil, err
	}
	if !sender.IsClaimed() {
		return nil, ErrNotClaimed
	}

	var res *RouteResult
	err := s.run(ctx, "send message", func(tx store.Repository, fx *effects) error {
		r, err := s.routeMessage(ctx, tx, fx, sender, targetUserID, content)
		if err != nil {
			return err
		}
		if r == nil {
			return ErrPeerNoAgent
		}
		res = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// RouteMessage delivers content from the sender's agent to the target user's
// agent. It returns nil, without writing anything, when the target has no
// active agent.
func (s *Service) RouteMessage(ctx context.Context, sender *domain.Agent, targetUserID, content string) (*RouteResult, error) {
	var res *RouteResult
	err := s.run(ctx, "route message", func(tx store.Repository, fx *effects) error {
		r, err := s.routeMessage(ctx, tx, fx, sender, targetUserID, content)
		res = r
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// routeMessage appends content to both sides of the chat thread between the
// two users and raises a NEW_MESSAGE event for the recipient. Each call adds
// exactly one message to each side.
func (s *Service) routeMessage(ctx context.Context, tx store.Repository, fx *effects, sender *domain.Agent, targetUserID, content string) (*RouteResult, error) {
	if targetUserID == "" {
		return nil, fmt.Errorf("%w: target user is required", ErrInvalidInput)
	}
	if targetUserID == sender.OwnerUserID {
		return nil, fmt.Errorf("%w: cannot message yourself", ErrInvalidInput)
	}

	target, err := activeAgentOf(ctx, tx, targetUserID)
	if err != nil {
		return nil, err
	}
	if target == nil {
		return nil, nil
	}

	senderConv, err := tx.FindThreadConversationByPeer(ctx, sender.ID, targetUserID)
	if err != nil {
		return nil, fmt.Errorf("find sender thread: %w", err)
	}
	var threadID string
	if senderConv != nil {
		threadID = senderConv.ChatThreadID
	} else {
		mirrored, err := tx.FindThreadConversationByPeer(ctx, target.ID, sender.OwnerUserID)
		if err != nil {
			return nil, fmt.Errorf("find recipient thread: %w", err)
		}
		if mirrored != nil {
			threadID = mirrored.ChatThreadID
		} else {
			threadID = s.ids.NewID()
		}
		senderConv, err = s.threadConversation(ctx, tx, sender.ID, threadID, targetUserID)
		if err != nil {
			return nil, err
		}
	}

	recipientConv, err := s.threadConversation(ctx, tx, target.ID, threadID, sender.OwnerUserID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	for _, side := range []struct {
		conv *domain.Conversation
		role domain.MessageRole
	}{
		{senderConv, domain.RoleAgent},
		{recipientConv, domain.RoleAgent.Mirror()},
	} {
		if err := tx.AppendMessage(ctx, &domain.Message{
			ID:             s.ids.NewID(),
			ConversationID: side.conv.ID,
			Role:           side.role,
			Content:        content,
			CreatedAt:      now,
		}); err != nil {
			return nil, fmt.Errorf("append message: %w", err)
		}
		if err := tx.TouchConversation(ctx, side.conv.ID, now); err != nil {
			return nil, fmt.Errorf("touch conversation: %w", err)
		}
	}

	from, err := profile(ctx, tx, sender.OwnerUserID)
	if err != nil {
		return nil, err
	}
	ev := s.newEvent(target.ID, domain.NewMessagePayload{
		ChatThreadID:  threadID,
		SenderUserID:  sender.OwnerUserID,
		SenderAgentID: sender.ID,
		Sender:        from,
		Content:       content,
	}, recipientConv.ID)
	if err := tx.CreateEvent(ctx, ev); err != nil {
		return nil, fmt.Errorf("create message event: %w", err)
	}
	fx.created = append(fx.created, ev.ID)

	slog.Info("Message routed",
		"chat_thread_id", threadID,
		"sender_agent_id", sender.ID,
		"recipient_agent_id", target.ID,
		"event_id", ev.ID)
	return &RouteResult{EventID: ev.ID, ChatThreadID: threadID, SenderConversationID: senderConv.ID}, nil
}

// threadConversation returns the agent's side of a chat thread, creating it
// when absent.
func (s *Service) threadConversation(ctx context.Context, tx store.Repository, agentID, threadID, peerUserID string) (*domain.Conversation, error) {
	conv, err := tx.FindConversationByThread(ctx, agentID, threadID)
	if err != nil {
		return nil, fmt.Errorf("find thread conversation: %w", err)
	}
	if conv != nil {
		return conv, nil
	}

	conv = s.newConversation(agentID)
	conv.ChatThreadID = threadID
	conv.PeerUserID = peerUserID
	err = tx.CreateConversation(ctx, conv)
	if errors.Is(err, store.ErrConflict) {
		return tx.FindConversationByThread(ctx, agentID, threadID)
	}
	if err != nil {
		return nil, fmt.Errorf("create thread conversation: %w", err)
	}
	return conv, nil
}

// Reply answers one of the agent's events with a chat message to the other
// party. Replying to a NEW_MESSAGE event decides it and forwards the reply;
// replying to any other event turns its conversation into a chat thread.
func (s *Service) Reply(ctx context.Context, agent *domain.Agent, eventID, content string) (*RouteResult, error) {
	if err := validateContent(content); err != nil {
		return nil, err
	}
	if !agent.IsClaimed() {
		return nil, fmt.Errorf("%w: agent is not claimed", ErrInvalidInput)
	}

	var res *RouteResult
	err := s.run(ctx, "reply to event", func(tx store.Repository, fx *effects) error {
		ev, err := tx.GetEvent(ctx, eventID)
		if err != nil {
			return fmt.Errorf("load event: %w", err)
		}
		if ev == nil {
			return fmt.Errorf("%w: event %s", ErrNotFound, eventID)
		}
		if ev.AgentID != agent.ID {
			return ErrForbidden
		}
		now := s.now()
		if ev.ExpiredAt(now) {
			return ErrExpired
		}

		var r *RouteResult
		if ev.Type == domain.EventNewMessage {
			r, err = s.replyToMessage(ctx, tx, fx, agent, ev, content)
		} else {
			r, err = s.replyInConversation(ctx, tx, fx, agent, ev, content)
		}
		if err != nil {
			return err
		}
		if r == nil {
			return ErrPeerNoAgent
		}
		res = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (s *Service) replyToMessage(ctx context.Context, tx store.Repository, fx *effects, agent *domain.Agent, ev *domain.Event, content string) (*RouteResult, error) {
	p, ok := ev.Payload.(domain.NewMessagePayload)
	if !ok || p.SenderUserID == "" {
		return nil, fmt.Errorf("%w: message event has no sender", ErrInvalidInput)
	}

	if ev.Status != domain.EventDecided {
		if _, err := tx.DecideEvent(ctx, ev.ID, &domain.Decision{Decision: domain.DecisionReply}, s.now()); err != nil {
			return nil, fmt.Errorf("decide message event: %w", err)
		}
	}
	return s.routeMessage(ctx, tx, fx, agent, p.SenderUserID, content)
}

func (s *Service) replyInConversation(ctx context.Context, tx store.Repository, fx *effects, agent *domain.Agent, ev *domain.Event, content string) (*RouteResult, error) {
	peer, err := s.peerOf(ctx, tx, agent, ev)
	if err != nil {
		return nil, err
	}

	existing, err := tx.FindThreadConversationByPeer(ctx, agent.ID, peer)
	if err != nil {
		return nil, fmt.Errorf("find thread with peer: %w", err)
	}
	if existing == nil {
		peerAgent, err := activeAgentOf(ctx, tx, peer)
		if err != nil {
			return nil, err
		}
		if peerAgent == nil {
			return nil, nil
		}
		if err := s.upgradeToThread(ctx, tx, agent, peerAgent, ev, peer); err != nil {
			return nil, err
		}
	}
	return s.routeMessage(ctx, tx, fx, agent, peer, content)
}

// upgradeToThread attaches a chat thread to the event's one-sided
// conversation so the routed reply lands in it.
func (s *Service) upgradeToThread(ctx context.Context, tx store.Repository, agent, peerAgent *domain.Agent, ev *domain.Event, peer string) error {
	threadID := s.ids.NewID()
	mirrored, err := tx.FindThreadConversationByPeer(ctx, peerAgent.ID, agent.OwnerUserID)
	if err != nil {
		return fmt.Errorf("find peer thread: %w", err)
	}
	if mirrored != nil {
		threadID = mirrored.ChatThreadID
	}

	var conv *domain.Conversation
	if ev.ConversationID != "" {
		conv, err = tx.GetConversation(ctx, ev.ConversationID)
		if err != nil {
			return fmt.Errorf("load event conversation: %w", err)
		}
	}
	if conv == nil || conv.IsChatThread() {
		_, err := s.threadConversation(ctx, tx, agent.ID, threadID, peer)
		return err
	}

	attached, err := tx.AttachChatThread(ctx, conv.ID, threadID, peer, s.now())
	if err != nil {
		return fmt.Errorf("attach chat thread: %w", err)
	}
	if attached {
		slog.Info("Conversation upgraded to chat thread", "conversation_id", conv.ID, "chat_thread_id", threadID)
	}
	return nil
}

func (s *Service) peerOf(ctx context.Context, tx store.Repository, agent *domain.Agent, ev *domain.Event) (string, error) {
	switch {
	case ev.ConnectionRequestID != "":
		req, err := tx.GetConnectionRequest(ctx, ev.ConnectionRequestID)
		if err != nil {
			return "", fmt.Errorf("load connection request: %w", err)
		}
		if req == nil {
			return "", fmt.Errorf("%w: connection request %s", ErrNotFound, ev.ConnectionRequestID)
		}
		if req.SenderID == agent.OwnerUserID {
			return req.RecipientID, nil
		}
		return req.SenderID, nil
	case ev.NegotiationID != "":
		neg, err := tx.GetNegotiation(ctx, ev.NegotiationID)
		if err != nil {
			return "", fmt.Errorf("load negotiation: %w", err)
		}
		if neg == nil {
			return "", fmt.Errorf("%w: negotiation %s", ErrNotFound, ev.NegotiationID)
		}
		if neg.SellerID == agent.OwnerUserID {
			return neg.BuyerID, nil
		}
		return neg.SellerID, nil
	}
	return "", fmt.Errorf("%w: event has no counterpart", ErrInvalidInput)
}
