// Package history rebuilds an ordered, role-tagged conversation from the
// unordered post collection a chat platform returns for a thread.
package history

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/agentoven/chatbridge/pkg/models"
	"github.com/rs/zerolog/log"
)

// ErrFetch marks a failed thread fetch. Fetch logs it and degrades to an
// empty conversation; it never reaches the caller.
var ErrFetch = errors.New("thread history fetch failed")

const systemPostPrefix = "system_"

// ThreadFetcher loads every post in a thread.
type ThreadFetcher interface {
	GetThread(ctx context.Context, rootID string) (*models.Thread, error)
}

// Reconstructor turns thread posts into conversation messages as seen by
// the bot identified by botUserID.
type Reconstructor struct {
	fetcher   ThreadFetcher
	botUserID string
	timeout   time.Duration
}

// New returns a Reconstructor. A zero timeout means no fetch deadline.
func New(fetcher ThreadFetcher, botUserID string, timeout time.Duration) *Reconstructor {
	return &Reconstructor{fetcher: fetcher, botUserID: botUserID, timeout: timeout}
}

// Fetch loads and reconstructs the thread rooted at rootID. Errors are
// logged and yield an empty conversation.
func (r *Reconstructor) Fetch(ctx context.Context, rootID, triggering string) []models.ConversationMessage {
	if rootID == "" {
		return nil
	}

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	thread, err := r.fetcher.GetThread(ctx, rootID)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrFetch, err)
		log.Warn().Err(err).Str("root_id", rootID).Msg("Continuing without thread history")
		return nil
	}

	msgs := r.Reconstruct(thread, rootID, triggering)
	log.Debug().Str("root_id", rootID).Int("messages", len(msgs)).Msg("Reconstructed thread history")
	return msgs
}

// Reconstruct orders thread posts by creation time and tags each with a role.
// System posts, empty posts and posts equal to triggering are dropped.
func (r *Reconstructor) Reconstruct(thread *models.Thread, rootID, triggering string) []models.ConversationMessage {
	if rootID == "" || thread == nil {
		return nil
	}

	posts := collect(thread)
	sort.SliceStable(posts, func(i, j int) bool {
		return posts[i].CreateAt < posts[j].CreateAt
	})

	out := make([]models.ConversationMessage, 0, len(posts))
	for _, p := range posts {
		if strings.HasPrefix(p.Type, systemPostPrefix) {
			continue
		}
		if p.Message == "" || p.Message == triggering {
			continue
		}
		role := models.RoleUser
		if p.UserID == r.botUserID {
			role = models.RoleAssistant
		}
		out = append(out, models.ConversationMessage{Role: role, Content: p.Message})
	}
	return out
}

// collect flattens the thread in collection order: the platform's order list
// first, then any posts it left out, by ID.
func collect(thread *models.Thread) []models.Post {
	posts := make([]models.Post, 0, len(thread.Posts))
	seen := make(map[string]bool, len(thread.Posts))

	for _, id := range thread.Order {
		p, ok := thread.Posts[id]
		if !ok || seen[id] {
			continue
		}
		seen[id] = true
		posts = append(posts, p)
	}

	var rest []string
	for id := range thread.Posts {
		if !seen[id] {
			rest = append(rest, id)
		}
	}
	sort.Strings(rest)
	for _, id := range rest {
		posts = append(posts, thread.Posts[id])
	}
	return posts
}
