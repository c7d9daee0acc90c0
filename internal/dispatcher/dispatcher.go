// Package dispatcher decides what to do with each inbound chat post and sends
// the resulting messages back to its thread.
//
// Per post:
//
//	self check → redelivery check → channel filter (log only) →
//	resolve thread root → command router, or history + agent + assembler →
//	deduplicate → send to the thread root
//
// Posts in one thread are handled one at a time in arrival order; different
// threads run concurrently up to a configured bound.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/agentoven/chatbridge/internal/agent"
	"github.com/agentoven/chatbridge/internal/assembler"
	"github.com/agentoven/chatbridge/internal/command"
	"github.com/agentoven/chatbridge/internal/metrics"
	"github.com/agentoven/chatbridge/pkg/models"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/semaphore"
)

const (
	// NoResponse replaces an empty segment.
	NoResponse = "No response generated"

	seenCacheSize = 2048
	seenTTL       = 10 * time.Minute
)

// ErrAgentTimeout is returned when the agent does not answer in time.
var ErrAgentTimeout = errors.New("agent timed out")

var tracer = otel.Tracer("chatbridge/dispatcher")

// Transport is the outbound side of the chat platform.
type Transport interface {
	PostMessage(ctx context.Context, channelID, message, rootID string) error
	AddReaction(ctx context.Context, postID, emoji string) error
}

type CommandRouter interface {
	Route(ctx context.Context, text string) command.Result
}

type History interface {
	Fetch(ctx context.Context, rootID, triggering string) []models.ConversationMessage
}

type Options struct {
	BotUserID     string
	ChannelID     string // restricts nothing; mismatches are only logged
	CommandPrefix string
	AgentTimeout  time.Duration
	MaxInFlight   int64
	ReactionEmoji string // empty disables the acknowledgement reaction
	Metadata      map[string]string
	Metrics       *metrics.Metrics
}

// Dispatcher routes inbound posts. It is safe for concurrent use.
type Dispatcher struct {
	transport Transport
	router    CommandRouter
	history   History
	agent     agent.Runtime
	opts      Options

	seenMu sync.Mutex
	seen   *lru.Cache[string, time.Time]

	sem    *semaphore.Weighted
	mu     sync.Mutex
	queues map[string][]models.Post
	wg     sync.WaitGroup
}

func New(transport Transport, router CommandRouter, history History, runtime agent.Runtime, opts Options) (*Dispatcher, error) {
	if opts.CommandPrefix == "" {
		opts.CommandPrefix = "/"
	}
	if opts.MaxInFlight <= 0 {
		opts.MaxInFlight = 8
	}
	seen, err := lru.New[string, time.Time](seenCacheSize)
	if err != nil {
		return nil, fmt.Errorf("dispatcher dedup cache init: %w", err)
	}
	return &Dispatcher{
		transport: transport,
		router:    router,
		history:   history,
		agent:     runtime,
		opts:      opts,
		seen:      seen,
		sem:       semaphore.NewWeighted(opts.MaxInFlight),
		queues:    make(map[string][]models.Post),
	}, nil
}

// Enqueue schedules post for handling and returns immediately. Cancelling
// ctx drops posts that have not started; a post already being handled runs
// to completion under its own timeouts and still gets its reply.
func (d *Dispatcher) Enqueue(ctx context.Context, post models.Post) {
	if !d.accept(post) {
		return
	}

	key := post.Root()
	d.mu.Lock()
	pending, running := d.queues[key]
	d.queues[key] = append(pending, post)
	d.mu.Unlock()
	if running {
		return
	}

	d.wg.Add(1)
	go d.drain(ctx, key)
}

// Wait blocks until every queued post has been handled.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) drain(ctx context.Context, key string) {
	defer d.wg.Done()

	if err := d.sem.Acquire(ctx, 1); err != nil {
		d.mu.Lock()
		dropped := len(d.queues[key])
		delete(d.queues, key)
		d.mu.Unlock()
		log.Warn().Err(err).Str("root_id", key).Int("dropped", dropped).Msg("Dropping queued posts on shutdown")
		return
	}
	defer d.sem.Release(1)
	d.opts.Metrics.AddInFlight(1)
	defer d.opts.Metrics.AddInFlight(-1)

	work := context.WithoutCancel(ctx)
	for {
		d.mu.Lock()
		pending := d.queues[key]
		if len(pending) == 0 || ctx.Err() != nil {
			delete(d.queues, key)
			d.mu.Unlock()
			if len(pending) > 0 {
				log.Warn().Err(ctx.Err()).Str("root_id", key).Int("dropped", len(pending)).Msg("Dropping queued posts on shutdown")
			}
			return
		}
		post := pending[0]
		d.queues[key] = pending[1:]
		d.mu.Unlock()

		d.process(work, post)
	}
}

// Handle processes post synchronously.
func (d *Dispatcher) Handle(ctx context.Context, post models.Post) {
	if !d.accept(post) {
		return
	}
	d.process(ctx, post)
}

// accept drops the bot's own posts and redelivered post IDs.
func (d *Dispatcher) accept(post models.Post) bool {
	if post.UserID == d.opts.BotUserID {
		d.opts.Metrics.IncMessage("ignored")
		return false
	}
	if post.ID != "" && d.isDuplicate(post.ID) {
		log.Debug().Str("post_id", post.ID).Msg("Skipping redelivered post")
		d.opts.Metrics.IncMessage("ignored")
		return false
	}
	return true
}

func (d *Dispatcher) isDuplicate(postID string) bool {
	now := time.Now()
	d.seenMu.Lock()
	defer d.seenMu.Unlock()

	if ts, ok := d.seen.Get(postID); ok {
		if now.Sub(ts) <= seenTTL {
			return true
		}
		d.seen.Remove(postID)
	}
	d.seen.Add(postID, now)
	return false
}

func (d *Dispatcher) process(ctx context.Context, post models.Post) {
	root := post.Root()
	logger := log.With().Str("post_id", post.ID).Str("root_id", root).Str("user_id", post.UserID).Logger()

	ctx, span := tracer.Start(ctx, "dispatcher.handle")
	span.SetAttributes(
		attribute.String("chat.post_id", post.ID),
		attribute.String("chat.root_id", root),
	)
	defer span.End()

	start := time.Now()
	branch := "agent"

	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("Recovered from panic while handling post")
			d.opts.Metrics.IncMessage("error")
			d.send(ctx, post.ChannelID, root, []models.Segment{{Text: fmt.Sprintf("Error processing your request: %v", r)}}, nil)
		}
	}()

	if d.opts.ChannelID != "" && post.ChannelID != d.opts.ChannelID {
		logger.Info().
			Str("channel_id", post.ChannelID).
			Str("configured", d.opts.ChannelID).
			Msg("Received message from a different channel than configured")
	}

	var (
		segments []models.Segment
		prior    []models.ConversationMessage
		err      error
	)

	if strings.HasPrefix(post.Message, d.opts.CommandPrefix) {
		branch = "command"
		text := strings.TrimSpace(strings.TrimPrefix(post.Message, d.opts.CommandPrefix))
		res := d.router.Route(ctx, text)
		if res.Delegate {
			branch = "agent"
			segments, prior, err = d.runAgent(ctx, post, root)
		} else {
			segments = res.Segments
		}
	} else {
		segments, prior, err = d.runAgent(ctx, post, root)
	}

	if err != nil {
		logger.Error().Err(err).Str("branch", branch).Msg("Error handling message")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		d.opts.Metrics.IncMessage("error")
		segments = []models.Segment{{Text: "Error processing your request: " + err.Error()}}
	} else {
		d.opts.Metrics.IncMessage(branch)
	}

	sent := d.send(ctx, post.ChannelID, root, segments, prior)
	d.opts.Metrics.ObserveHandle(branch, time.Since(start))
	logger.Info().
		Str("branch", branch).
		Int("segments", sent).
		Dur("elapsed", time.Since(start)).
		Msg("Handled post")
}

func (d *Dispatcher) runAgent(ctx context.Context, post models.Post, root string) ([]models.Segment, []models.ConversationMessage, error) {
	if d.opts.ReactionEmoji != "" {
		if err := d.transport.AddReaction(ctx, post.ID, d.opts.ReactionEmoji); err != nil {
			log.Warn().Err(err).Str("post_id", post.ID).Msg("Failed to add reaction")
		}
	}

	history := d.history.Fetch(ctx, root, post.Message)

	actx := ctx
	if d.opts.AgentTimeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, d.opts.AgentTimeout)
		defer cancel()
	}

	turns, err := d.agent.Run(actx, agent.Request{
		History:  history,
		Query:    post.Message,
		UserID:   post.UserID,
		Metadata: d.metadata(post),
	})
	if err != nil {
		if errors.Is(actx.Err(), context.DeadlineExceeded) {
			return nil, history, fmt.Errorf("%w after %s", ErrAgentTimeout, d.opts.AgentTimeout)
		}
		return nil, history, err
	}
	return assembler.Assemble(turns, post.Message), history, nil
}

func (d *Dispatcher) metadata(post models.Post) map[string]string {
	md := make(map[string]string, len(d.opts.Metadata)+1)
	for k, v := range d.opts.Metadata {
		md[k] = v
	}
	md["channel_id"] = post.ChannelID
	return md
}

// send posts segments to root, skipping any already said by the bot in the
// thread or earlier in this batch. It returns the number posted.
func (d *Dispatcher) send(ctx context.Context, channelID, root string, segments []models.Segment, prior []models.ConversationMessage) int {
	said := make(map[string]bool, len(prior)+len(segments))
	for _, m := range prior {
		if m.Role == models.RoleAssistant {
			said[m.Content] = true
		}
	}

	sent := 0
	for _, seg := range segments {
		if said[seg.Text] {
			log.Debug().Str("root_id", root).Msg("Skipping duplicate segment")
			continue
		}
		said[seg.Text] = true

		text := seg.Text
		if text == "" {
			text = NoResponse
		}
		if err := d.transport.PostMessage(ctx, channelID, text, root); err != nil {
			log.Error().Err(err).Str("root_id", root).Msg("Failed to post message")
			continue
		}
		sent++
	}
	d.opts.Metrics.IncSegments(sent)
	return sent
}
