// Package pipeline glues the thread store, the agent loop, and the draft
// coordinator into the two background flows the API layer triggers: drafting
// a reply to a thread update and revising a draft on feedback.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/harun/quill/pkg/agent"
	"github.com/harun/quill/pkg/draft"
	"github.com/harun/quill/pkg/llm"
	"github.com/harun/quill/pkg/prompts"
	"github.com/harun/quill/pkg/search"
	"github.com/harun/quill/pkg/thread"
	"github.com/harun/quill/pkg/tools"
)

// InboundMessage is one message delivered by a thread update.
type InboundMessage struct {
	SenderName string    `json:"sender_name"`
	Content    string    `json:"content"`
	Timestamp  time.Time `json:"timestamp"`
}

// ThreadUpdate is a batch of messages for one thread.
type ThreadUpdate struct {
	UserID     string           `json:"user_id"`
	ThreadName string           `json:"thread_name"`
	Messages   []InboundMessage `json:"messages"`
}

// FeedbackRequest asks for a revision of a committed draft.
type FeedbackRequest struct {
	UserID         string `json:"user_id"`
	ThreadName     string `json:"thread_name"`
	DraftMessageID string `json:"draft_message_id"`
	Feedback       string `json:"feedback"`
}

// Pipeline owns the two flows. index may be nil when search is disabled.
// Tool providers are held long-lived, but their descriptors are rediscovered
// for every agent run so registries never outlive the run they serve.
type Pipeline struct {
	store       *thread.Store
	index       *search.Index
	coordinator *draft.Coordinator
	controller  *agent.Controller
	providers   []tools.Provider
	prompts     *prompts.Store
	logger      zerolog.Logger
}

// New wires a pipeline.
func New(store *thread.Store, index *search.Index, coordinator *draft.Coordinator, controller *agent.Controller, providers []tools.Provider, promptStore *prompts.Store, logger zerolog.Logger) *Pipeline {
	return &Pipeline{
		store:       store,
		index:       index,
		coordinator: coordinator,
		controller:  controller,
		providers:   providers,
		prompts:     promptStore,
		logger:      logger,
	}
}

// RunDraftPipeline ingests a thread update and produces at most one
// committed draft. It returns the draft id, or "" when no draft was
// produced: nothing new arrived, the run ended without a proposal, or the
// commit was discarded. Discards are outcomes, not errors.
func (p *Pipeline) RunDraftPipeline(ctx context.Context, update ThreadUpdate) (string, error) {
	logger := p.logger.With().
		Str("user_id", update.UserID).
		Str("thread", update.ThreadName).
		Logger()

	existing, err := p.store.GetThreadMessages(ctx, update.UserID, update.ThreadName)
	if err != nil {
		return "", fmt.Errorf("failed to load thread: %w", err)
	}

	existingIDs := map[string]bool{}
	for _, msg := range existing {
		existingIDs[msg.ID] = true
	}

	var fresh []thread.Message
	for _, in := range update.Messages {
		msg := thread.Message{
			ID:         thread.NewMessageID(in.SenderName, in.Timestamp, in.Content),
			UserID:     update.UserID,
			ThreadName: update.ThreadName,
			SenderName: in.SenderName,
			Content:    in.Content,
			Type:       thread.TypeMessage,
			Timestamp:  in.Timestamp,
		}
		if !existingIDs[msg.ID] {
			fresh = append(fresh, msg)
		}
	}

	if len(fresh) == 0 {
		logger.Debug().Msg("No new messages, nothing to draft")
		return "", nil
	}

	// New messages invalidate any committed draft for the thread.
	for _, msg := range existing {
		if msg.Type != thread.TypeDraft {
			continue
		}
		if _, err := p.store.RemoveMessage(ctx, update.UserID, msg.ID); err != nil {
			return "", fmt.Errorf("failed to remove invalidated draft: %w", err)
		}
		logger.Info().Str("draft_id", msg.ID).Msg("Invalidated existing draft")
	}

	for _, msg := range fresh {
		if err := p.store.AddMessage(ctx, msg); err != nil {
			return "", fmt.Errorf("failed to store message: %w", err)
		}
		if p.index != nil {
			if err := p.index.IndexMessage(ctx, msg); err != nil {
				logger.Warn().Err(err).Str("message_id", msg.ID).Msg("Indexing failed")
			}
		}
	}
	logger.Info().Int("new_messages", len(fresh)).Msg("Thread update ingested")

	// Snapshot the basis after ingestion; the commit re-checks against it.
	history, err := p.store.GetThreadMessages(ctx, update.UserID, update.ThreadName)
	if err != nil {
		return "", fmt.Errorf("failed to reload thread: %w", err)
	}

	basis := map[string]bool{}
	for _, msg := range history {
		if msg.Type == thread.TypeMessage {
			basis[msg.ID] = true
		}
	}

	result := p.controller.Run(ctx, tools.Discover(ctx, p.providers, logger), agent.RunParams{
		UserID:       update.UserID,
		SystemPrompt: p.prompts.Get(prompts.ProcessThread),
		Seed:         seedFromHistory(history),
	})
	if result.Err != nil {
		return "", fmt.Errorf("agent run failed: %w", result.Err)
	}
	if result.Terminal != agent.TerminalDraft {
		logger.Info().Str("terminal", string(result.Terminal)).Msg("Run ended without a draft proposal")
		return "", nil
	}

	outcome, err := p.coordinator.CommitIfFresh(ctx, draft.Candidate{
		UserID:          update.UserID,
		ThreadName:      update.ThreadName,
		Content:         result.DraftContent,
		ProducedAt:      time.Now().UTC(),
		AgentID:         result.AgentID,
		BasisMessageIDs: basis,
		Transcript:      result.Conversation,
	})
	if err != nil {
		return "", err
	}
	if outcome.Status != draft.StatusCommitted {
		return "", nil
	}
	return outcome.DraftID, nil
}

// RunFeedbackPipeline revises an existing draft. The revision replaces the
// old draft unconditionally under the same agent id.
func (p *Pipeline) RunFeedbackPipeline(ctx context.Context, req FeedbackRequest) (string, error) {
	logger := p.logger.With().
		Str("user_id", req.UserID).
		Str("draft_id", req.DraftMessageID).
		Logger()

	history, err := p.store.GetThreadMessages(ctx, req.UserID, req.ThreadName)
	if err != nil {
		return "", fmt.Errorf("failed to load thread: %w", err)
	}

	var oldDraft *thread.Message
	for i, msg := range history {
		if msg.ID == req.DraftMessageID && msg.Type == thread.TypeDraft {
			oldDraft = &history[i]
			break
		}
	}
	if oldDraft == nil {
		return "", fmt.Errorf("draft %s not found in thread %s", req.DraftMessageID, req.ThreadName)
	}
	if oldDraft.AgentID == "" {
		oldDraft.AgentID = uuid.NewString()
	}

	seed := seedFromHistory(history)
	seed = append(seed, llm.AssistantMessage(oldDraft.Content))
	seed = append(seed, llm.UserMessage("FEEDBACK: "+req.Feedback))

	result := p.controller.Run(ctx, tools.Discover(ctx, p.providers, logger), agent.RunParams{
		UserID:       req.UserID,
		SystemPrompt: p.prompts.Get(prompts.ReviseDraft),
		Seed:         seed,
	})
	if result.Err != nil {
		return "", fmt.Errorf("agent run failed: %w", result.Err)
	}
	if result.Terminal != agent.TerminalDraft {
		logger.Info().Str("terminal", string(result.Terminal)).Msg("Run ended without a revision")
		return "", nil
	}

	draftID, err := p.coordinator.Replace(ctx, req.UserID, *oldDraft, result.DraftContent, time.Now().UTC())
	if err != nil {
		return "", err
	}

	// Transcript persistence is best-effort, keyed by the draft's original
	// agent id so revisions accumulate under one context.
	if err := p.store.UpsertAgentContext(ctx, req.UserID, oldDraft.AgentID, result.Conversation); err != nil {
		logger.Warn().Err(err).Msg("Transcript persistence failed")
	}

	return draftID, nil
}

// Drafts lists every committed draft for a user.
func (p *Pipeline) Drafts(ctx context.Context, userID string) ([]thread.Message, error) {
	return p.store.GetMessagesByType(ctx, userID, thread.TypeDraft)
}

// RejectDraft deletes a draft and reports whether it existed. The agent
// context saved with the draft goes with it; a rejected draft will never
// be revised, so there is no transcript to resume.
func (p *Pipeline) RejectDraft(ctx context.Context, userID, draftID string) (bool, error) {
	msg, err := p.store.GetMessage(ctx, userID, draftID)
	if err != nil {
		return false, err
	}

	removed, err := p.store.RemoveMessage(ctx, userID, draftID)
	if err != nil {
		return false, err
	}
	if !removed {
		return false, nil
	}

	if msg != nil && msg.AgentID != "" {
		if _, err := p.store.RemoveAgent(ctx, userID, msg.AgentID); err != nil {
			p.logger.Warn().Err(err).Str("agent_id", msg.AgentID).Msg("Agent context cleanup failed")
		}
	}
	p.logger.Info().Str("user_id", userID).Str("draft_id", draftID).Msg("Draft rejected")
	return true, nil
}

// seedFromHistory converts stored MESSAGE rows into conversation turns.
// Agent-authored messages become assistant turns, everything else user
// turns. Drafts are excluded; the feedback flow appends the draft itself.
func seedFromHistory(history []thread.Message) []llm.Message {
	seed := []llm.Message{}
	for _, msg := range history {
		if msg.Type != thread.TypeMessage {
			continue
		}
		if msg.SenderName == draft.DraftSender {
			seed = append(seed, llm.AssistantMessage(msg.Content))
		} else {
			seed = append(seed, llm.UserMessage(fmt.Sprintf("%s: %s", msg.SenderName, msg.Content)))
		}
	}
	return seed
}
