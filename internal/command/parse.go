package command

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// ErrUsage marks a malformed command.
var ErrUsage = errors.New("invalid command")

// Invocation is one parsed command line, prefix already stripped.
type Invocation struct {
	Provider   string
	Subcommand string
	Args       []string
	Raw        string
}

// Parse splits text into whitespace tokens. The first token is the provider
// (or a global command), the second the subcommand.
func Parse(text string) Invocation {
	inv := Invocation{Raw: text}
	tokens := strings.Fields(text)
	if len(tokens) > 0 {
		inv.Provider = tokens[0]
	}
	if len(tokens) > 1 {
		inv.Subcommand = tokens[1]
	}
	if len(tokens) > 2 {
		inv.Args = tokens[2:]
	}
	return inv
}

// ParseCallArgs turns the tokens after "call <tool>" into an argument map.
//
// The tokens are joined and read as one JSON object after single quotes are
// stripped; objects with broken braces or quoting are repaired first. When
// that fails the legacy form applies: the first token names the parameter and
// the rest, joined by spaces and unquoted, is its value. No tokens yields an
// empty map.
func ParseCallArgs(tokens []string) map[string]any {
	if len(tokens) == 0 {
		return map[string]any{}
	}

	joined := strings.TrimSpace(strings.ReplaceAll(strings.Join(tokens, " "), "'", ""))
	if args, ok := decodeObject(joined); ok {
		return args
	}
	if strings.HasPrefix(joined, "{") {
		if repaired, err := jsonrepair.JSONRepair(joined); err == nil {
			if args, ok := decodeObject(repaired); ok {
				return args
			}
		}
	}

	value := unquote(strings.Join(tokens[1:], " "))
	return map[string]any{tokens[0]: value}
}

func decodeObject(s string) (map[string]any, bool) {
	var args map[string]any
	if err := json.Unmarshal([]byte(s), &args); err != nil || args == nil {
		return nil, false
	}
	return args, true
}

func unquote(s string) string {
	if len(s) >= 2 {
		first, last := s[0], s[len(s)-1]
		if (first == '"' && last == '"') || (first == '\'' && last == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}
