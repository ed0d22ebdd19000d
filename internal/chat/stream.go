// ABOUTME: Streaming of one chat run: incremental diffs, tool events, image resolution.
// ABOUTME: Forwards upstream events for a single run id to the caller's channel in order.

package chat

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"path"
	"strings"

	"github.com/harborline/harbormaster/internal/adapter"
	"github.com/harborline/harbormaster/internal/store"
)

const (
	eventBuffer    = 64
	upstreamBuffer = 64

	// transcriptScanWindow bounds the post-run image rescan to the tail of
	// the transcript.
	transcriptScanWindow = 10
)

// upstreamEvent is one gateway event queued for this run. Exactly one field
// is set.
type upstreamEvent struct {
	chat *chatEventPayload
	tool *toolEventPayload
}

// run is the state of one in-flight send: diff cursors, image dedupe, and
// the subscriptions to tear down when the run ends.
type run struct {
	svc   *Service
	sess  *store.ChatSession
	ad    adapter.Adapter
	runID string
	input SendInput

	events      chan<- Event
	upstream    chan upstreamEvent
	terminal    chan *chatEventPayload
	unsubscribe []func()

	lastText      string
	lastThinking  string
	emittedImages map[string]bool
	containerName string
	logger        *slog.Logger
}

// enqueue hands an event from the connection's read path to the run's
// goroutine. It never blocks the read path; delta and tool overflow is
// dropped with a log, but a terminal chat state always reaches the loop via
// a reserved slot, or the stream would never close.
func (r *run) enqueue(ev upstreamEvent) {
	select {
	case r.upstream <- ev:
		return
	default:
	}

	if ev.chat != nil && isTerminalState(ev.chat.State) {
		select {
		case r.terminal <- ev.chat:
		default:
			// A terminal event is already waiting; the run ends either way.
		}
		return
	}
	r.logger.Warn("dropping upstream event, run queue full")
}

func isTerminalState(state string) bool {
	return state == stateFinal || state == stateError || state == stateAborted
}

// loop drives the run to a terminal frame. Every exit path emits either done
// or error before closing the stream; it never closes silently.
func (r *run) loop(ctx context.Context) {
	defer r.teardown()

	err := r.ad.SendChat(ctx, adapter.SendRequest{
		SessionKey:  r.sess.SessionKey,
		AgentID:     r.sess.AgentID,
		Message:     r.input.Message,
		RunID:       r.runID,
		Attachments: r.input.Attachments,
	})
	if err != nil {
		r.fail(err.Error())
		return
	}

	for {
		select {
		case <-ctx.Done():
			r.fail("stream canceled: " + ctx.Err().Error())
			return
		case ev := <-r.upstream:
			switch {
			case ev.chat != nil:
				if terminal := r.handleChat(ctx, ev.chat); terminal {
					return
				}
			case ev.tool != nil:
				r.handleTool(ctx, ev.tool)
			}
		case p := <-r.terminal:
			// Events already queued carry the diffs leading up to this
			// terminal state; flush them first so no text is lost.
			if !r.drainQueued(ctx) {
				r.handleChat(ctx, p)
			}
			return
		}
	}
}

// drainQueued processes everything already buffered without blocking.
// Reports whether a terminal frame was emitted while draining.
func (r *run) drainQueued(ctx context.Context) bool {
	for {
		select {
		case ev := <-r.upstream:
			switch {
			case ev.chat != nil:
				if r.handleChat(ctx, ev.chat) {
					return true
				}
			case ev.tool != nil:
				r.handleTool(ctx, ev.tool)
			}
		default:
			return false
		}
	}
}

func (r *run) handleChat(ctx context.Context, p *chatEventPayload) bool {
	switch p.State {
	case stateDelta:
		r.emitDiffs(p)
		return false
	case stateFinal:
		r.emitDiffs(p)
		r.finish(ctx)
		return true
	case stateError:
		msg := p.Error
		if msg == "" {
			msg = "generation failed"
		}
		r.fail(msg)
		return true
	case stateAborted:
		r.fail("generation aborted")
		return true
	default:
		r.logger.Warn("unknown chat event state", "state", p.State)
		return false
	}
}

// emitDiffs sends only the suffix the caller has not seen yet. Cumulative
// strings arrive in order for this run, so the cursors only move forward.
func (r *run) emitDiffs(p *chatEventPayload) {
	if chunk := diff(r.lastThinking, p.Thinking); chunk != "" {
		r.lastThinking = p.Thinking
		r.emit(Event{Type: EventThinking, Text: chunk})
	}
	if chunk := diff(r.lastText, p.Text); chunk != "" {
		r.lastText = p.Text
		r.emit(Event{Type: EventText, Text: chunk})
	}
}

func (r *run) handleTool(ctx context.Context, p *toolEventPayload) {
	switch p.Phase {
	case phaseStart:
		payload, err := json.Marshal(struct {
			Name  string          `json:"name"`
			Input json.RawMessage `json:"input,omitempty"`
		}{Name: p.Name, Input: p.Input})
		if err != nil {
			return
		}
		r.emit(Event{Type: EventToolCall, Payload: payload})
	case phaseResult:
		payload, err := json.Marshal(struct {
			Name   string          `json:"name"`
			Output json.RawMessage `json:"output,omitempty"`
		}{Name: p.Name, Output: p.Output})
		if err != nil {
			return
		}
		r.emit(Event{Type: EventToolResult, Payload: payload})
		for _, imagePath := range p.Paths {
			r.emitImage(ctx, imagePath)
		}
	}
}

// finish runs the terminal sequence for a successful generation: a
// best-effort rescan of the transcript for image paths the tool stream did
// not carry, the done frame, and an async live-snapshot write.
func (r *run) finish(ctx context.Context) {
	transcript, err := r.ad.History(ctx, r.sess.SessionKey)
	if err != nil {
		r.logger.Debug("post-run transcript scan failed", "error", err)
	} else {
		for _, imagePath := range scanImagePaths(transcript, transcriptScanWindow) {
			r.emitImage(ctx, imagePath)
		}
	}

	r.emit(Event{Type: EventDone, SessionID: r.sess.ID})

	if transcript == nil {
		return
	}
	sessionID := r.sess.ID
	svc := r.svc
	r.svc.tasks.Submit("live-snapshot", func(ctx context.Context) error {
		data, err := json.Marshal(transcript)
		if err != nil {
			return err
		}
		buffered := string(data)
		return svc.store.SetLiveMessages(ctx, sessionID, &buffered)
	})
}

func (r *run) fail(msg string) {
	r.emit(Event{Type: EventError, SessionID: r.sess.ID, Text: msg})
}

// emitImage resolves a sandbox path to inline data and emits an image frame.
// Deduplicated by path within the run; failures are best-effort and never
// fail the run.
func (r *run) emitImage(ctx context.Context, imagePath string) {
	if r.emittedImages[imagePath] {
		return
	}
	r.emittedImages[imagePath] = true

	mediaType := mediaTypeForPath(imagePath)
	if mediaType == "" || r.containerName == "" {
		return
	}

	data, err := r.svc.runtime.ReadFile(ctx, r.containerName, imagePath)
	if err != nil {
		r.logger.Debug("image resolution failed", "path", imagePath, "error", err)
		return
	}

	r.emit(Event{
		Type:      EventImage,
		Path:      imagePath,
		MediaType: mediaType,
		Data:      base64.StdEncoding.EncodeToString(data),
	})
}

func (r *run) emit(ev Event) {
	r.events <- ev
}

func (r *run) teardown() {
	for _, unsub := range r.unsubscribe {
		unsub()
	}
	close(r.events)
}

// diff returns the suffix of cumulative beyond prev. A cumulative string
// that no longer extends prev is returned whole: upstream rebuilt its
// buffer and the caller needs the new text.
func diff(prev, cumulative string) string {
	if strings.HasPrefix(cumulative, prev) {
		return cumulative[len(prev):]
	}
	return cumulative
}

// scanImagePaths collects image paths from content blocks in the last few
// transcript messages.
func scanImagePaths(transcript []adapter.TranscriptMessage, window int) []string {
	start := 0
	if len(transcript) > window {
		start = len(transcript) - window
	}

	var paths []string
	for _, msg := range transcript[start:] {
		if len(msg.ContentBlocks) == 0 {
			continue
		}
		var blocks []struct {
			Type string `json:"type"`
			Path string `json:"path"`
		}
		if err := json.Unmarshal(msg.ContentBlocks, &blocks); err != nil {
			continue
		}
		for _, block := range blocks {
			if block.Type == "image" && block.Path != "" {
				paths = append(paths, block.Path)
			}
		}
	}
	return paths
}

func mediaTypeForPath(imagePath string) string {
	switch strings.ToLower(path.Ext(imagePath)) {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	default:
		return ""
	}
}
