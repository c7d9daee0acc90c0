package dispatcher_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/agentoven/chatbridge/internal/agent"
	"github.com/agentoven/chatbridge/internal/command"
	"github.com/agentoven/chatbridge/internal/dispatcher"
	"github.com/agentoven/chatbridge/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sentPost struct {
	channel, message, root string
}

type fakeTransport struct {
	mu        sync.Mutex
	posts     []sentPost
	reactions []string
}

func (f *fakeTransport) PostMessage(ctx context.Context, channelID, message, rootID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posts = append(f.posts, sentPost{channelID, message, rootID})
	return nil
}

func (f *fakeTransport) AddReaction(_ context.Context, postID, emoji string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reactions = append(f.reactions, postID+":"+emoji)
	return nil
}

func (f *fakeTransport) messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.posts))
	for _, p := range f.posts {
		out = append(out, p.message)
	}
	return out
}

type fakeRouter struct {
	result command.Result
	texts  []string
}

func (f *fakeRouter) Route(_ context.Context, text string) command.Result {
	f.texts = append(f.texts, text)
	return f.result
}

type fakeHistory struct {
	messages []models.ConversationMessage
	roots    []string
}

func (f *fakeHistory) Fetch(_ context.Context, rootID, _ string) []models.ConversationMessage {
	f.roots = append(f.roots, rootID)
	return f.messages
}

type fakeAgent struct {
	mu       sync.Mutex
	turns    []models.Turn
	err      error
	block    time.Duration
	requests []agent.Request
}

func (f *fakeAgent) Run(ctx context.Context, req agent.Request) ([]models.Turn, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if f.block > 0 {
		select {
		case <-time.After(f.block):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.turns, f.err
}

type fixture struct {
	transport *fakeTransport
	router    *fakeRouter
	history   *fakeHistory
	agent     *fakeAgent
	d         *dispatcher.Dispatcher
}

func newFixture(t *testing.T, opts dispatcher.Options) *fixture {
	t.Helper()
	f := &fixture{
		transport: &fakeTransport{},
		router:    &fakeRouter{},
		history:   &fakeHistory{},
		agent:     &fakeAgent{},
	}
	if opts.BotUserID == "" {
		opts.BotUserID = "bot"
	}
	d, err := dispatcher.New(f.transport, f.router, f.history, f.agent, opts)
	require.NoError(t, err)
	f.d = d
	return f
}

func TestCommandRepliesToPostAsRoot(t *testing.T) {
	f := newFixture(t, dispatcher.Options{CommandPrefix: "#"})
	f.router.result = command.Result{Segments: models.Segments("Available MCP servers:\n- weather")}

	f.d.Handle(context.Background(), models.Post{ID: "P1", ChannelID: "c1", UserID: "u1", Message: "#servers"})

	require.Len(t, f.transport.posts, 1)
	assert.Equal(t, sentPost{"c1", "Available MCP servers:\n- weather", "P1"}, f.transport.posts[0])
	assert.Equal(t, []string{"servers"}, f.router.texts)
	assert.Empty(t, f.agent.requests)
	assert.Empty(t, f.transport.reactions)
}

func TestAgentAnswerIsAssembledIntoThread(t *testing.T) {
	f := newFixture(t, dispatcher.Options{CommandPrefix: "#", ReactionEmoji: "thumbsup"})
	f.agent.turns = []models.Turn{
		models.ToolCallTurn("c1", "weather.get", map[string]any{"city": "Paris"}),
		models.ToolResultTurn("c1", "weather.get", "22C", "ok"),
		models.TextTurn(models.RoleAssistant, "It's 22C in Paris."),
	}

	f.d.Handle(context.Background(), models.Post{ID: "P2", ChannelID: "c1", UserID: "u1", RootID: "T1", Message: "what's the weather"})

	require.Len(t, f.transport.posts, 2)
	assert.Equal(t, "Called tool: weather.get\n```json\n{\n  \"city\": \"Paris\"\n}\n```\nResult: 22C (ok)", f.transport.posts[0].message)
	assert.Equal(t, "It's 22C in Paris.", f.transport.posts[1].message)
	for _, p := range f.transport.posts {
		assert.Equal(t, "T1", p.root)
	}

	assert.Equal(t, []string{"P2:thumbsup"}, f.transport.reactions)
	assert.Equal(t, []string{"T1"}, f.history.roots)
	require.Len(t, f.agent.requests, 1)
	assert.Equal(t, "what's the weather", f.agent.requests[0].Query)
	assert.Equal(t, "c1", f.agent.requests[0].Metadata["channel_id"])
}

func TestOwnPostsAreIgnored(t *testing.T) {
	f := newFixture(t, dispatcher.Options{})
	f.d.Handle(context.Background(), models.Post{ID: "P1", UserID: "bot", Message: "/servers"})
	f.d.Handle(context.Background(), models.Post{ID: "P2", UserID: "bot", Message: "hello"})

	assert.Empty(t, f.transport.posts)
	assert.Empty(t, f.router.texts)
	assert.Empty(t, f.agent.requests)
}

func TestRedeliveredPostIsHandledOnce(t *testing.T) {
	f := newFixture(t, dispatcher.Options{})
	f.router.result = command.Result{Segments: models.Segments("ok")}

	post := models.Post{ID: "P1", ChannelID: "c1", UserID: "u1", Message: "/servers"}
	f.d.Handle(context.Background(), post)
	f.d.Handle(context.Background(), post)

	assert.Len(t, f.router.texts, 1)
	assert.Len(t, f.transport.posts, 1)
}

func TestDuplicateSegmentsAreSentOnce(t *testing.T) {
	f := newFixture(t, dispatcher.Options{})
	f.agent.turns = []models.Turn{
		models.TextTurn(models.RoleAssistant, "same"),
		models.TextTurn(models.RoleAssistant, "same"),
		models.TextTurn(models.RoleAssistant, "said before"),
	}
	f.history.messages = []models.ConversationMessage{
		{Role: models.RoleUser, Content: "earlier"},
		{Role: models.RoleAssistant, Content: "said before"},
	}

	f.d.Handle(context.Background(), models.Post{ID: "P1", ChannelID: "c1", UserID: "u1", RootID: "T1", Message: "q"})

	assert.Equal(t, []string{"same"}, f.transport.messages())
}

func TestEmptyAnswerPostsPlaceholder(t *testing.T) {
	f := newFixture(t, dispatcher.Options{})
	f.router.result = command.Result{Segments: models.Segments("")}

	f.d.Handle(context.Background(), models.Post{ID: "P1", ChannelID: "c1", UserID: "u1", Message: "/x"})

	assert.Equal(t, []string{dispatcher.NoResponse}, f.transport.messages())
}

func TestDelegatedCommandRunsAgentWithOriginalMessage(t *testing.T) {
	f := newFixture(t, dispatcher.Options{})
	f.router.result = command.Result{Delegate: true}
	f.agent.turns = []models.Turn{models.TextTurn(models.RoleAssistant, "done")}

	f.d.Handle(context.Background(), models.Post{ID: "P1", ChannelID: "c1", UserID: "u1", Message: "/github summarize PR 12"})

	require.Len(t, f.agent.requests, 1)
	assert.Equal(t, "/github summarize PR 12", f.agent.requests[0].Query)
	assert.Equal(t, []string{"github summarize PR 12"}, f.router.texts)
	assert.Equal(t, []string{"done"}, f.transport.messages())
}

func TestAgentFailureIsReported(t *testing.T) {
	f := newFixture(t, dispatcher.Options{})
	f.agent.err = errors.New("model unavailable")

	f.d.Handle(context.Background(), models.Post{ID: "P1", ChannelID: "c1", UserID: "u1", Message: "hello"})

	assert.Equal(t, []string{"Error processing your request: model unavailable"}, f.transport.messages())
}

func TestAgentTimeout(t *testing.T) {
	f := newFixture(t, dispatcher.Options{AgentTimeout: 20 * time.Millisecond})
	f.agent.block = time.Second

	f.d.Handle(context.Background(), models.Post{ID: "P1", ChannelID: "c1", UserID: "u1", Message: "hello"})

	msgs := f.transport.messages()
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0], dispatcher.ErrAgentTimeout.Error())
}

type panickyRouter struct{}

func (panickyRouter) Route(context.Context, string) command.Result { panic("boom") }

func TestPanicIsReported(t *testing.T) {
	transport := &fakeTransport{}
	d, err := dispatcher.New(transport, panickyRouter{}, &fakeHistory{}, &fakeAgent{}, dispatcher.Options{BotUserID: "bot"})
	require.NoError(t, err)

	d.Handle(context.Background(), models.Post{ID: "P1", ChannelID: "c1", UserID: "u1", Message: "/x"})

	assert.Equal(t, []string{"Error processing your request: boom"}, transport.messages())
}

func TestEnqueueKeepsThreadOrder(t *testing.T) {
	f := newFixture(t, dispatcher.Options{MaxInFlight: 4})
	f.agent.block = 5 * time.Millisecond
	f.agent.turns = nil

	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		f.d.Enqueue(ctx, models.Post{ID: id, ChannelID: "c1", UserID: "u1", RootID: "T1", Message: "msg " + id})
	}
	f.d.Wait()

	require.Len(t, f.agent.requests, 3)
	assert.Equal(t, "msg a", f.agent.requests[0].Query)
	assert.Equal(t, "msg b", f.agent.requests[1].Query)
	assert.Equal(t, "msg c", f.agent.requests[2].Query)
}

func TestShutdownFinishesRunningPost(t *testing.T) {
	f := newFixture(t, dispatcher.Options{})
	f.agent.block = 300 * time.Millisecond
	f.agent.turns = []models.Turn{models.TextTurn(models.RoleAssistant, "It's sunny")}

	ctx, cancel := context.WithCancel(context.Background())
	f.d.Enqueue(ctx, models.Post{ID: "a", ChannelID: "c1", UserID: "u1", RootID: "T1", Message: "weather?"})
	f.d.Enqueue(ctx, models.Post{ID: "b", ChannelID: "c1", UserID: "u1", RootID: "T1", Message: "and tomorrow?"})

	time.Sleep(50 * time.Millisecond)
	cancel()
	f.d.Wait()

	assert.Equal(t, []string{"It's sunny"}, f.transport.messages())
	f.agent.mu.Lock()
	defer f.agent.mu.Unlock()
	require.Len(t, f.agent.requests, 1)
	assert.Equal(t, "weather?", f.agent.requests[0].Query)
}

func TestCommandOutputIsNotFilteredByThread(t *testing.T) {
	f := newFixture(t, dispatcher.Options{})
	f.history.messages = []models.ConversationMessage{{Role: models.RoleAssistant, Content: "hello bridge"}}
	f.router.result = command.Result{Segments: models.Segments("hello bridge")}

	f.d.Handle(context.Background(), models.Post{ID: "P2", ChannelID: "c1", UserID: "u1", RootID: "T1", Message: "/echo call greet {}"})

	assert.Equal(t, []string{"hello bridge"}, f.transport.messages())
	assert.Empty(t, f.history.roots)
}
