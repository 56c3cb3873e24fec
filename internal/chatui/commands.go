// ABOUTME: Slash command parsing for the chat terminal UI
// ABOUTME: Maps typed lines onto orchestrator operations

package chatui

import (
	"strings"
)

// Command is a parsed input line.
type Command struct {
	Name string // "" for a plain message
	Arg  string
}

// Commands understood by the UI, shown by /help.
var commandHelp = []struct{ usage, about string }{
	{"/agent NAME", "talk to NAME (loads its latest thread)"},
	{"/agents", "list agents on the agent server"},
	{"/leave", "deselect the current agent"},
	{"/design NAME", "route the conversation to NAME until /design"},
	{"/design", "clear the design override"},
	{"/threads", "list this agent's threads"},
	{"/switch ID", "open thread ID"},
	{"/new", "start a new thread"},
	{"/retry", "reconnect the current thread"},
	{"/help", "show this help"},
	{"/quit", "exit"},
}

// ParseCommand splits a line into a slash command and its argument.
// Lines that do not start with "/" are messages; "//" escapes a leading slash.
func ParseCommand(line string) Command {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") || strings.HasPrefix(line, "//") {
		return Command{Arg: strings.TrimPrefix(line, "/")}
	}

	name, arg, _ := strings.Cut(line[1:], " ")
	return Command{Name: strings.ToLower(name), Arg: strings.TrimSpace(arg)}
}

func helpLines() []string {
	lines := make([]string, 0, len(commandHelp))
	for _, c := range commandHelp {
		lines = append(lines, padRight(c.usage, 14)+" "+c.about)
	}
	return lines
}

func padRight(s string, n int) string {
	if len(s) >= n {
		return s
	}
	return s + strings.Repeat(" ", n-len(s))
}
