package agent

import (
	"sort"
	"strings"
)

const (
	TypeSimple = "simple"
	TypeGitHub = "github"
)

const simplePrompt = `You are an AI assistant integrated with Mattermost and MCP servers.
You can call tools from connected MCP servers to help answer questions.
Always be helpful, accurate, and concise. If you don't know something, say so.

You are answering in channel {{channel_name}} of team {{team_name}}.`

const githubPrompt = `You are a software engineering assistant integrated with Mattermost and MCP servers.
You help the team track work in the GitHub repository {{github_repo}}.

When asked about issues, pull requests, commits or code:
- Use the GitHub tools to look the answer up instead of guessing.
- Quote issue and pull request numbers with a leading '#'.
- Summarize long tool output; include links when the tools return them.

Other MCP tools are available as well; use them when they fit the request.
You are answering in channel {{channel_name}} of team {{team_name}}.
If you don't know something, say so.`

// SystemPrompt returns the prompt template for an agent type.
// Unknown types fall back to the simple prompt.
func SystemPrompt(agentType string) string {
	if strings.EqualFold(agentType, TypeGitHub) {
		return githubPrompt
	}
	return simplePrompt
}

// RenderPrompt substitutes {{key}} placeholders with metadata values and
// drops lines whose placeholders stay unresolved.
func RenderPrompt(template string, vars map[string]string) string {
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	result := template
	for _, k := range keys {
		if vars[k] == "" {
			continue
		}
		result = strings.ReplaceAll(result, "{{"+k+"}}", vars[k])
	}

	lines := strings.Split(result, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if strings.Contains(line, "{{") && strings.Contains(line, "}}") {
			continue
		}
		kept = append(kept, line)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}
