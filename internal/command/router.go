// Package command parses and executes the prefixed chat command grammar:
//
//	help
//	servers
//	<server>
//	<server> tools
//	<server> tool <tool>
//	<server> call <tool> [<json-object> | <param-name> <param-value...>]
//	<server> resources
//	<server> prompts
//
// Anything else addressed to a known server is handed to the agent.
package command

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/agentoven/chatbridge/pkg/models"
	"github.com/rs/zerolog/log"
)

// Registry is the slice of the provider registry the router needs.
type Registry interface {
	Names() []string
	Has(name string) bool
	Tools(provider string) ([]models.MCPToolInfo, error)
	Call(ctx context.Context, provider, tool string, args map[string]any) (*models.MCPToolResult, error)
	Resources(ctx context.Context, provider string) ([]models.MCPResource, error)
	Prompts(ctx context.Context, provider string) ([]models.MCPPrompt, error)
}

// Result is either segments to post or a request to hand the message to the
// agent instead.
type Result struct {
	Segments []models.Segment
	Delegate bool
}

func reply(texts ...string) Result {
	return Result{Segments: models.Segments(texts...)}
}

// Router executes commands against a registry.
type Router struct {
	reg    Registry
	prefix string
}

func NewRouter(reg Registry, prefix string) *Router {
	return &Router{reg: reg, prefix: prefix}
}

func (r *Router) Prefix() string { return r.prefix }

// Route executes text, which must already have the prefix removed.
func (r *Router) Route(ctx context.Context, text string) Result {
	inv := Parse(text)

	switch inv.Provider {
	case "", "help":
		return reply(HelpText(r.prefix))
	case "servers":
		return reply(r.servers())
	}

	if !r.reg.Has(inv.Provider) {
		names := r.reg.Names()
		sort.Strings(names)
		return reply(fmt.Sprintf("Unknown server '%s'. Available servers: %s", inv.Provider, strings.Join(names, ", ")))
	}

	if inv.Subcommand == "" {
		return reply(r.usage(inv.Provider))
	}

	switch inv.Subcommand {
	case "tools":
		return r.tools(inv.Provider)
	case "tool":
		return r.toolHelp(inv)
	case "call":
		return r.call(ctx, inv)
	case "resources":
		return r.resources(ctx, inv.Provider)
	case "prompts":
		return r.prompts(ctx, inv.Provider)
	default:
		log.Debug().Str("provider", inv.Provider).Str("subcommand", inv.Subcommand).Msg("Unrecognized subcommand, delegating to agent")
		return Result{Delegate: true}
	}
}

func (r *Router) usage(provider string) string {
	err := fmt.Errorf("%w. Use %s%s <command> [arguments]", ErrUsage, r.prefix, provider)
	return capitalize(err.Error())
}

func (r *Router) servers() string {
	var b strings.Builder
	b.WriteString("Available MCP servers:")
	for _, name := range r.reg.Names() {
		b.WriteString("\n- " + name)
	}
	return b.String()
}

func (r *Router) tools(provider string) Result {
	tools, err := r.reg.Tools(provider)
	if err != nil {
		return r.fail(err)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Available tools for %s:", provider)
	for _, t := range tools {
		fmt.Fprintf(&b, "\n- %s: %s", t.Name, t.Description)
	}
	return reply(b.String())
}

func (r *Router) toolHelp(inv Invocation) Result {
	if len(inv.Args) == 0 {
		return reply(capitalize(fmt.Sprintf("%s. Use %s%s tool <tool_name>", ErrUsage, r.prefix, inv.Provider)))
	}
	tools, err := r.reg.Tools(inv.Provider)
	if err != nil {
		return r.fail(err)
	}
	for _, t := range tools {
		if t.Name == inv.Args[0] {
			return reply(ToolHelp(r.prefix, inv.Provider, t))
		}
	}
	return reply(fmt.Sprintf("Unknown tool '%s' on %s. Use %s%s tools to list them.", inv.Args[0], inv.Provider, r.prefix, inv.Provider))
}

func (r *Router) call(ctx context.Context, inv Invocation) Result {
	if len(inv.Args) == 0 {
		return reply(capitalize(fmt.Sprintf("%s call command. Use %s%s call <tool_name> [parameter_name] [value]", ErrUsage, r.prefix, inv.Provider)))
	}
	tool := inv.Args[0]
	args := ParseCallArgs(inv.Args[1:])

	log.Info().Str("provider", inv.Provider).Str("tool", tool).Interface("args", args).Msg("Calling tool from command")

	result, err := r.reg.Call(ctx, inv.Provider, tool, args)
	if err != nil {
		log.Error().Err(err).Str("provider", inv.Provider).Str("tool", tool).Msg("Tool call failed")
		return reply(err.Error())
	}

	segments := []string{fmt.Sprintf("Tool result from %s (%s): %s", inv.Provider, tool, result.Status())}
	if text := result.Text(); text != "" {
		segments = append(segments, text)
	}
	return reply(segments...)
}

func (r *Router) resources(ctx context.Context, provider string) Result {
	resources, err := r.reg.Resources(ctx, provider)
	if err != nil {
		return r.fail(err)
	}
	var b strings.Builder
	b.WriteString("Available MCP resources:")
	for _, res := range resources {
		b.WriteString("\n- " + res.String())
	}
	return reply(b.String())
}

func (r *Router) prompts(ctx context.Context, provider string) Result {
	prompts, err := r.reg.Prompts(ctx, provider)
	if err != nil {
		return r.fail(err)
	}
	var b strings.Builder
	b.WriteString("Available MCP prompts:")
	for _, p := range prompts {
		b.WriteString("\n- " + p.String())
	}
	return reply(b.String())
}

func (r *Router) fail(err error) Result {
	log.Error().Err(err).Msg("Error processing command")
	return reply("Error processing command: " + err.Error())
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
