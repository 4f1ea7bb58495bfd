// Package draft applies the optimistic staleness protocol between an agent
// run's proposed draft and the live thread state.
package draft

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/quill/pkg/llm"
	"github.com/harun/quill/pkg/thread"
)

// DraftSender is the sender name recorded on committed drafts.
const DraftSender = "Agent"

// Status is the outcome of a commit attempt.
type Status string

const (
	// StatusCommitted means the draft was written.
	StatusCommitted Status = "committed"
	// StatusDiscardedStale means messages arrived after the basis was
	// captured; nothing was written.
	StatusDiscardedStale Status = "discarded_stale"
	// StatusDiscardedDuplicate means the thread already has a committed
	// draft; nothing was written.
	StatusDiscardedDuplicate Status = "discarded_duplicate"
)

// Outcome carries the status plus the draft id on commit.
type Outcome struct {
	Status  Status
	DraftID string
}

// Candidate is a draft proposed by a terminated agent run.
type Candidate struct {
	UserID          string
	ThreadName      string
	Content         string
	ProducedAt      time.Time
	AgentID         string
	BasisMessageIDs map[string]bool
	Transcript      []llm.Message
}

// Coordinator performs the check-then-act commit. The check is optimistic:
// no cross-process lock protects the window between the staleness read and
// the draft write.
type Coordinator struct {
	store  *thread.Store
	logger zerolog.Logger
}

// NewCoordinator wires a coordinator to a thread store.
func NewCoordinator(store *thread.Store, logger zerolog.Logger) *Coordinator {
	return &Coordinator{store: store, logger: logger}
}

// CommitIfFresh re-reads the thread and commits the candidate only when no
// message arrived after the basis was captured and no draft exists yet. The
// discard outcomes leave the store untouched.
func (c *Coordinator) CommitIfFresh(ctx context.Context, candidate Candidate) (Outcome, error) {
	logger := c.logger.With().
		Str("thread", candidate.ThreadName).
		Str("agent_id", candidate.AgentID).
		Logger()

	messages, err := c.store.GetThreadMessages(ctx, candidate.UserID, candidate.ThreadName)
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to re-read thread: %w", err)
	}

	var existingDraft *thread.Message
	for i, msg := range messages {
		switch msg.Type {
		case thread.TypeDraft:
			existingDraft = &messages[i]
		case thread.TypeMessage:
			if !candidate.BasisMessageIDs[msg.ID] {
				logger.Info().Str("new_message_id", msg.ID).Msg("Draft discarded, thread moved past basis")
				return Outcome{Status: StatusDiscardedStale}, nil
			}
		}
	}

	if existingDraft != nil {
		logger.Info().Str("existing_draft_id", existingDraft.ID).Msg("Draft discarded, thread already has one")
		return Outcome{Status: StatusDiscardedDuplicate}, nil
	}

	draft := thread.Message{
		ID:         thread.NewMessageID(DraftSender, candidate.ProducedAt, candidate.Content),
		UserID:     candidate.UserID,
		ThreadName: candidate.ThreadName,
		SenderName: DraftSender,
		Content:    candidate.Content,
		Type:       thread.TypeDraft,
		Timestamp:  candidate.ProducedAt,
		AgentID:    candidate.AgentID,
	}

	if err := c.store.AddMessage(ctx, draft); err != nil {
		return Outcome{}, fmt.Errorf("failed to persist draft: %w", err)
	}

	// The transcript write is independent of the draft write. A failure
	// here is logged, not escalated, and the draft stays committed.
	if err := c.store.UpsertAgentContext(ctx, candidate.UserID, candidate.AgentID, candidate.Transcript); err != nil {
		logger.Warn().Err(err).Msg("Transcript persistence failed")
	}

	logger.Info().Str("draft_id", draft.ID).Msg("Draft committed")
	return Outcome{Status: StatusCommitted, DraftID: draft.ID}, nil
}

// Replace deletes the old draft and inserts the revision under the same
// agent id. Unlike CommitIfFresh there is no staleness re-check on this
// path: a revision always lands, even when the thread has moved on.
func (c *Coordinator) Replace(ctx context.Context, userID string, oldDraft thread.Message, content string, producedAt time.Time) (string, error) {
	if _, err := c.store.RemoveMessage(ctx, userID, oldDraft.ID); err != nil {
		return "", fmt.Errorf("failed to remove old draft: %w", err)
	}

	revision := thread.Message{
		ID:         thread.NewMessageID(DraftSender, producedAt, content),
		UserID:     userID,
		ThreadName: oldDraft.ThreadName,
		SenderName: DraftSender,
		Content:    content,
		Type:       thread.TypeDraft,
		Timestamp:  producedAt,
		AgentID:    oldDraft.AgentID,
	}

	if err := c.store.AddMessage(ctx, revision); err != nil {
		return "", fmt.Errorf("failed to persist revised draft: %w", err)
	}

	c.logger.Info().
		Str("thread", oldDraft.ThreadName).
		Str("old_draft_id", oldDraft.ID).
		Str("draft_id", revision.ID).
		Msg("Draft replaced")
	return revision.ID, nil
}
