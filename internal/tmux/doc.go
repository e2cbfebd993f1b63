// Package tmux wraps the tmux commands the coordination layer needs:
// enumerating panes, inspecting one pane, tagging a pane with an agent id,
// and pasting text into a pane followed by Enter.
//
// All commands go through a CommandRunner so tests can record arguments and
// script output without a tmux server.
package tmux
