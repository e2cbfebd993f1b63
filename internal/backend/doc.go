// Package backend discovers peer agents, checks that they are still alive
// and nudges them with text.
//
// # Overview
//
// Two implementations satisfy the same five-operation Backend interface:
//
//   - TmuxBackend enumerates tmux panes, confirms each pane runs the agent
//     CLI, identifies agents by pane id ("%12") and delivers text by pasting
//     it into the pane and pressing Enter.
//   - ProcessBackend enumerates OS processes whose command line matches the
//     agent CLI, filters them by working directory, and identifies them by
//     controlling terminal ("/dev/pts/3") or pid ("pid:4242"). It cannot push
//     text into another process, so SendMessage always fails with
//     ErrDeliveryUnsupported.
//
// # Selection
//
// Select is a pure function of an explicit override, the configured value
// and the environment (TMUX / TMUX_PANE). The caller builds one backend at
// process start and passes it to every component; nothing here caches or
// re-detects.
//
// # Identifiers
//
// Every identifier is checked against an allow-list before it reaches the
// filesystem, the process table or a tmux command line:
//
//	%<digits>              tmux pane
//	/dev/pts/<digits>      pseudo terminal
//	/dev/tty<alnum>        terminal
//	pid:<digits>           bare process
//
// # Process Table
//
// ProcessTable abstracts process enumeration. On Linux it reads /proc via
// prometheus/procfs (command line, cwd, controlling tty, COVEN_AGENT_ID from
// the environment). Where /proc is unavailable it falls back to
// mitchellh/go-ps, which only knows pid, parent pid and executable name.
package backend
