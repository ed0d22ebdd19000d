// ABOUTME: Chat session lifecycle: implicit sessions, session switch, archive, stale recovery.
// ABOUTME: Maps a (user, instance, agent) triple to at most one active upstream conversation.

package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/harborline/harbormaster/internal/adapter"
	"github.com/harborline/harbormaster/internal/registry"
	"github.com/harborline/harbormaster/internal/sandbox"
	"github.com/harborline/harbormaster/internal/store"
	"github.com/harborline/harbormaster/internal/tasks"
)

// ErrInstanceNotConnected is returned when the targeted instance has no live
// gateway connection. Callers surface it as a clear condition, not a hang.
var ErrInstanceNotConnected = errors.New("instance not connected")

// DefaultStaleAfter is the grace window before an empty upstream transcript
// marks an active session stale. It exists so a session is not misclassified
// right after creation, before upstream has processed the first message.
const DefaultStaleAfter = 30 * time.Second

const maxTitleLen = 80

// Connections is the slice of the registry the chat layer needs.
type Connections interface {
	GetAdapter(instanceID string) (adapter.Adapter, bool)
	GetConn(instanceID string) (registry.Conn, bool)
}

// Options tunes the lifecycle layer.
type Options struct {
	StaleAfter time.Duration
}

// Service owns chat session lifecycle and response streaming.
type Service struct {
	store      store.Store
	conns      Connections
	runtime    sandbox.Runtime
	tasks      *tasks.Runner
	staleAfter time.Duration
	logger     *slog.Logger
}

func NewService(st store.Store, conns Connections, runtime sandbox.Runtime, runner *tasks.Runner, opts Options, logger *slog.Logger) *Service {
	if opts.StaleAfter == 0 {
		opts.StaleAfter = DefaultStaleAfter
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Service{
		store:      st,
		conns:      conns,
		runtime:    runtime,
		tasks:      runner,
		staleAfter: opts.StaleAfter,
		logger:     logger.With("component", "chat"),
	}
}

// SendInput is one chat message from a user. SessionID targets a specific
// historical session; empty means the triple's active session, created on
// first use.
type SendInput struct {
	UserID      string
	InstanceID  string
	AgentID     string
	Message     string
	SessionID   string
	Attachments []adapter.Attachment
}

// Send resolves the session, opens the caller-facing event stream, and kicks
// off the upstream exchange. The first frame on the returned channel is
// always the session event, emitted before any model output exists. The
// channel closes after a terminal done or error frame.
func (s *Service) Send(ctx context.Context, in SendInput) (<-chan Event, error) {
	ad, ok := s.conns.GetAdapter(in.InstanceID)
	if !ok {
		return nil, fmt.Errorf("instance %s: %w", in.InstanceID, ErrInstanceNotConnected)
	}
	conn, ok := s.conns.GetConn(in.InstanceID)
	if !ok {
		return nil, fmt.Errorf("instance %s: %w", in.InstanceID, ErrInstanceNotConnected)
	}

	sess, err := s.resolveSession(ctx, ad, in)
	if err != nil {
		return nil, err
	}

	containerName := ""
	if inst, err := s.store.GetInstance(ctx, in.InstanceID); err == nil {
		containerName = inst.ContainerName
	}

	runID := uuid.New().String()
	events := make(chan Event, eventBuffer)
	events <- Event{Type: EventSession, SessionID: sess.ID}

	r := &run{
		svc:           s,
		sess:          sess,
		ad:            ad,
		runID:         runID,
		input:         in,
		events:        events,
		upstream:      make(chan upstreamEvent, upstreamBuffer),
		terminal:      make(chan *chatEventPayload, 1),
		emittedImages: make(map[string]bool),
		containerName: containerName,
		logger:        s.logger.With("run_id", runID, "session_id", sess.ID),
	}

	// Subscriptions go up before the send so no early event is missed.
	// Events for other runs are filtered out up front by run id.
	unsubChat := conn.On(chatEventName, func(payload json.RawMessage) {
		var p chatEventPayload
		if json.Unmarshal(payload, &p) != nil || p.RunID != runID {
			return
		}
		r.enqueue(upstreamEvent{chat: &p})
	})
	unsubTool := conn.On(toolEventName, func(payload json.RawMessage) {
		var p toolEventPayload
		if json.Unmarshal(payload, &p) != nil || p.RunID != runID {
			return
		}
		r.enqueue(upstreamEvent{tool: &p})
	})
	r.unsubscribe = []func(){unsubChat, unsubTool}

	go r.loop(ctx)
	return events, nil
}

// resolveSession finds or creates the active session for the send. A send
// targeting an inactive historical session archives the currently active one
// first, then reactivates the target.
func (s *Service) resolveSession(ctx context.Context, ad adapter.Adapter, in SendInput) (*store.ChatSession, error) {
	userID, instanceID, agentID := in.UserID, in.InstanceID, in.AgentID

	if in.SessionID != "" {
		target, err := s.store.GetSession(ctx, in.SessionID)
		if err != nil {
			return nil, fmt.Errorf("loading session %s: %w", in.SessionID, err)
		}
		if target.UserID != in.UserID {
			return nil, store.ErrNotFound
		}
		instanceID, agentID = target.InstanceID, target.AgentID

		if !target.IsActive {
			current, err := s.store.GetActiveSession(ctx, userID, instanceID, agentID)
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				return nil, err
			}
			if current != nil && current.ID != target.ID {
				if err := s.archiveSession(ctx, ad, current, false); err != nil {
					return nil, fmt.Errorf("archiving session %s before switch: %w", current.ID, err)
				}
			}
			if err := s.store.ActivateSession(ctx, target.ID); err != nil {
				return nil, fmt.Errorf("activating session %s: %w", target.ID, err)
			}
			s.logger.Info("session switched", "session_id", target.ID, "user_id", userID)
		}
	}

	candidate := &store.ChatSession{
		ID:         uuid.New().String(),
		UserID:     userID,
		InstanceID: instanceID,
		AgentID:    agentID,
		SessionKey: sessionKey(agentID, userID),
	}
	sess, created, err := s.store.TouchOrCreateActiveSession(ctx, candidate)
	if err != nil {
		return nil, fmt.Errorf("resolving active session: %w", err)
	}
	if created {
		s.logger.Info("chat session created", "session_id", sess.ID, "user_id", userID, "agent_id", agentID)
	}
	return sess, nil
}

// HistoryResult is a session's persisted snapshots plus, for an active
// session, the live upstream transcript. Stale reports that this read
// detected and recovered a stale session.
type HistoryResult struct {
	Session   *store.ChatSession
	Snapshots []*store.MessageSnapshot
	Live      []adapter.TranscriptMessage
	Stale     bool
}

// History returns a session's transcript. An active session whose upstream
// transcript is empty past the grace window lost its conversation to an
// upstream restart; the live buffer is promoted to a permanent snapshot and
// the session deactivated.
func (s *Service) History(ctx context.Context, userID, sessionID string) (*HistoryResult, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.UserID != userID {
		return nil, store.ErrNotFound
	}

	res := &HistoryResult{Session: sess}

	if sess.IsActive {
		if ad, ok := s.conns.GetAdapter(sess.InstanceID); ok {
			live, err := ad.History(ctx, sess.SessionKey)
			switch {
			case err != nil:
				s.logger.Warn("failed to fetch live transcript", "session_id", sess.ID, "error", err)
			// The grace window is measured from the last send, not from
			// creation: an empty transcript right after a message means
			// upstream has not processed it yet, regardless of row age.
			case len(live) == 0 && time.Since(sess.LastMessageAt) > s.staleAfter:
				if err := s.recoverStale(ctx, sess); err != nil {
					return nil, err
				}
				res.Stale = true
				updated, err := s.store.GetSession(ctx, sessionID)
				if err != nil {
					return nil, err
				}
				res.Session = updated
			default:
				res.Live = live
			}
		}
	}

	snapshots, err := s.store.ListSnapshots(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	res.Snapshots = snapshots
	return res, nil
}

// ListSessions lists a user's sessions on an instance, most recent first.
func (s *Service) ListSessions(ctx context.Context, userID, instanceID string, limit int) ([]*store.ChatSession, error) {
	return s.store.ListSessions(ctx, userID, instanceID, limit)
}

// Archive persists the session's transcript as a snapshot batch, resets the
// upstream conversation, and deactivates the row. When upstream is
// unreachable the row is deactivated locally instead of blocking.
func (s *Service) Archive(ctx context.Context, userID, sessionID string) error {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.UserID != userID {
		return store.ErrNotFound
	}

	ad, ok := s.conns.GetAdapter(sess.InstanceID)
	if !ok {
		return s.store.DeactivateSession(ctx, sess.ID)
	}
	return s.archiveSession(ctx, ad, sess, false)
}

// ClearContext archives the transcript but keeps the row active, so the next
// send reuses it against a clean upstream context.
func (s *Service) ClearContext(ctx context.Context, userID, sessionID string) error {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.UserID != userID {
		return store.ErrNotFound
	}

	ad, ok := s.conns.GetAdapter(sess.InstanceID)
	if !ok {
		return s.store.SetLiveMessages(ctx, sess.ID, nil)
	}
	return s.archiveSession(ctx, ad, sess, true)
}

// archiveSession is the archive primitive: fetch the upstream transcript,
// persist it as an append-only batch, auto-title, delete the upstream key,
// then deactivate (or clear the live buffer when keepActive).
func (s *Service) archiveSession(ctx context.Context, ad adapter.Adapter, sess *store.ChatSession, keepActive bool) error {
	transcript, err := ad.History(ctx, sess.SessionKey)
	if err != nil {
		s.logger.Warn("archive falling back to local deactivation", "session_id", sess.ID, "error", err)
		if keepActive {
			return s.store.SetLiveMessages(ctx, sess.ID, nil)
		}
		return s.store.DeactivateSession(ctx, sess.ID)
	}

	if len(transcript) > 0 {
		batch := transcriptToSnapshots(sess.ID, uuid.New().String(), transcript)
		if err := s.store.SaveSnapshots(ctx, batch); err != nil {
			return fmt.Errorf("saving snapshots for session %s: %w", sess.ID, err)
		}
		if sess.Title == nil {
			if title := deriveTitle(transcript); title != "" {
				if err := s.store.SetSessionTitle(ctx, sess.ID, title); err != nil {
					s.logger.Warn("failed to title session", "session_id", sess.ID, "error", err)
				}
			}
		}
		s.logger.Info("session archived", "session_id", sess.ID, "messages", len(transcript))
	}

	// Deleting the upstream key guarantees the next activation starts from
	// clean context. A key upstream already forgot is fine.
	if err := ad.DeleteSession(ctx, sess.SessionKey); err != nil {
		s.logger.Warn("failed to reset upstream conversation", "session_id", sess.ID, "error", err)
	}

	if keepActive {
		return s.store.SetLiveMessages(ctx, sess.ID, nil)
	}
	return s.store.DeactivateSession(ctx, sess.ID)
}

// recoverStale promotes any buffered live transcript to a permanent snapshot
// batch and deactivates the session.
func (s *Service) recoverStale(ctx context.Context, sess *store.ChatSession) error {
	s.logger.Info("stale session detected", "session_id", sess.ID, "idle", time.Since(sess.LastMessageAt))

	if sess.LiveMessages != nil && *sess.LiveMessages != "" {
		var buffered []adapter.TranscriptMessage
		if err := json.Unmarshal([]byte(*sess.LiveMessages), &buffered); err != nil {
			s.logger.Warn("discarding unparseable live buffer", "session_id", sess.ID, "error", err)
		} else if len(buffered) > 0 {
			batch := transcriptToSnapshots(sess.ID, uuid.New().String(), buffered)
			if err := s.store.SaveSnapshots(ctx, batch); err != nil {
				return fmt.Errorf("promoting live buffer for session %s: %w", sess.ID, err)
			}
		}
	}
	return s.store.DeactivateSession(ctx, sess.ID)
}

// sessionKey derives the upstream conversation identifier for an (agent,
// user) pair. Distinct from the locally persisted session row's id.
func sessionKey(agentID, userID string) string {
	return fmt.Sprintf("agent:%s:user:%s", agentID, userID)
}

func transcriptToSnapshots(sessionID, batchID string, transcript []adapter.TranscriptMessage) []*store.MessageSnapshot {
	// One stamp for the whole batch: replay order is (created_at,
	// order_index), so rows within a batch sort by index and batches sort
	// by when they were archived.
	now := time.Now().UTC()

	batch := make([]*store.MessageSnapshot, 0, len(transcript))
	for i, msg := range transcript {
		snap := &store.MessageSnapshot{
			ID:            uuid.New().String(),
			BatchID:       batchID,
			ChatSessionID: sessionID,
			OrderIndex:    i,
			Role:          msg.Role,
			Content:       msg.Content,
			CreatedAt:     now,
		}
		if msg.Thinking != "" {
			thinking := msg.Thinking
			snap.Thinking = &thinking
		}
		if len(msg.ToolCalls) > 0 {
			toolCalls := string(msg.ToolCalls)
			snap.ToolCalls = &toolCalls
		}
		if len(msg.ContentBlocks) > 0 {
			blocks := string(msg.ContentBlocks)
			snap.ContentBlocks = &blocks
		}
		batch = append(batch, snap)
	}
	return batch
}

// deriveTitle takes the first line of the first user message, truncated.
func deriveTitle(transcript []adapter.TranscriptMessage) string {
	for _, msg := range transcript {
		if msg.Role != "user" {
			continue
		}
		line := strings.TrimSpace(msg.Content)
		if idx := strings.IndexByte(line, '\n'); idx >= 0 {
			line = strings.TrimSpace(line[:idx])
		}
		if line == "" {
			continue
		}
		runes := []rune(line)
		if len(runes) > maxTitleLen {
			line = string(runes[:maxTitleLen])
		}
		return line
	}
	return ""
}
