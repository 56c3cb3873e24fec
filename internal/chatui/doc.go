// Package chatui is the terminal front end of a conversation.
//
// Model is a Bubble Tea model that renders orchestrator views and maps typed
// lines onto orchestrator calls. Plain lines are sent as messages; lines that
// start with "/" are commands (see /help). Controller calls run as tea.Cmds so
// the UI never blocks while a channel connects.
//
// Colours come from the negotiated theme. Values that are not hex colours fall
// back to the default theme.
package chatui
