package command

import (
	"fmt"
	"sort"
	"strings"

	"github.com/agentoven/chatbridge/pkg/models"
)

const helpTemplate = `**MCP Client Help**
Use ` + "`{p}<command>`" + ` to interact with MCP servers.

**Available commands:**
1. ` + "`{p}help`" + ` - Show this help message
2. ` + "`{p}servers`" + ` - List all available MCP servers

**Server-specific commands:**
Use ` + "`{p}<server_name> <command>`" + ` to interact with a specific server.

**Commands for each server:**
1. ` + "`{p}<server_name> tools`" + ` - List all available tools for the server
2. ` + "`{p}<server_name> tool <tool_name>`" + ` - Show parameters for one tool
3. ` + "`{p}<server_name> call <tool_name> <parameter_name> <value>`" + ` - Call a specific tool
4. ` + "`{p}<server_name> resources`" + ` - List all available resources
5. ` + "`{p}<server_name> prompts`" + ` - List all available prompts

**Examples:**
- List servers: ` + "`{p}servers`" + `
- List tools of a server: ` + "`{p}simple-mcp-server tools`" + `
- Call a tool: ` + "`{p}simple-mcp-server call echo message \"Hello World\"`" + `

**Notes:**
- Tool parameters are given as a name and a value.
- For tools with several parameters use JSON:
  ` + "`{p}<server_name> call <tool_name> {\"param1\": \"value1\", \"param2\": \"value2\"}`" + `

**Direct interaction:**
Anything that is not a command goes to the AI assistant, which uses the tools as needed.`

// HelpText renders the usage text for prefix.
func HelpText(prefix string) string {
	return strings.ReplaceAll(helpTemplate, "{p}", prefix)
}

// ToolHelp describes one tool's parameters from its input schema.
// Required parameters are marked with "*".
func ToolHelp(prefix, provider string, tool models.MCPToolInfo) string {
	var b strings.Builder
	fmt.Fprintf(&b, "**Tool help: %s**\nDescription: %s\n\n**Parameters:**\n", tool.Name, tool.Description)

	required := requiredParams(tool.InputSchema)
	props, _ := tool.InputSchema["properties"].(map[string]any)
	if len(props) == 0 {
		b.WriteString("No parameters required\n")
	} else {
		names := make([]string, 0, len(props))
		for name := range props {
			names = append(names, name)
		}
		sort.Strings(names)

		isRequired := make(map[string]bool, len(required))
		for _, r := range required {
			isRequired[r] = true
		}
		for _, name := range names {
			info, _ := props[name].(map[string]any)
			typ, _ := info["type"].(string)
			if typ == "" {
				typ = "any"
			}
			mark := ""
			if isRequired[name] {
				mark = "*"
			}
			fmt.Fprintf(&b, "- %s%s: %s", name, mark, typ)
			if desc, _ := info["description"].(string); desc != "" {
				b.WriteString(" - " + desc)
			}
			b.WriteString("\n")
		}
		b.WriteString("\n* = required parameter\n")
	}

	example := "<parameter_name> <value>"
	if len(required) > 0 {
		example = required[0] + " <value>"
	}
	fmt.Fprintf(&b, "\n**Example:**\n`%s%s call %s %s`", prefix, provider, tool.Name, example)
	return b.String()
}

func requiredParams(schema map[string]any) []string {
	var out []string
	switch req := schema["required"].(type) {
	case []any:
		for _, r := range req {
			if s, ok := r.(string); ok {
				out = append(out, s)
			}
		}
	case []string:
		out = append(out, req...)
	}
	return out
}
