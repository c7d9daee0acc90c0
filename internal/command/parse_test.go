package command_test

import (
	"testing"

	"github.com/agentoven/chatbridge/internal/command"
	"github.com/stretchr/testify/assert"
)

func TestParse(t *testing.T) {
	inv := command.Parse("  github   call  search q  ")
	assert.Equal(t, "github", inv.Provider)
	assert.Equal(t, "call", inv.Subcommand)
	assert.Equal(t, []string{"search", "q"}, inv.Args)

	assert.Equal(t, command.Invocation{Raw: ""}, command.Parse(""))
}

func TestParseCallArgs(t *testing.T) {
	assert.Equal(t, map[string]any{}, command.ParseCallArgs(nil))

	assert.Equal(t,
		map[string]any{"message": "hi"},
		command.ParseCallArgs([]string{"message", `"hi"`}))

	assert.Equal(t,
		map[string]any{"message": "Hello World"},
		command.ParseCallArgs([]string{"message", `"Hello`, `World"`}))

	assert.Equal(t,
		map[string]any{"a": "b"},
		command.ParseCallArgs([]string{`'{"a":`, `"b"}'`}))

	assert.Equal(t,
		map[string]any{"flag": ""},
		command.ParseCallArgs([]string{"flag"}))
}

func TestParseCallArgsRepairsBrokenObject(t *testing.T) {
	got := command.ParseCallArgs([]string{`{"city":`, `"Paris"`})
	assert.Equal(t, map[string]any{"city": "Paris"}, got)
}
