package main

import (
	"context"
	"sort"
	"strings"

	"github.com/RoseWrightdev/job-portal-messaging/internal/v1/messenger"
	"github.com/RoseWrightdev/job-portal-messaging/internal/v1/types"
)

const helpText = `Commands:
  /open <user>            mark a conversation as open
  /close <user>           mark it closed
  /send <user> <text>     send a chat message
  /html <user> <markup>   send an HTML message
  /call <user>            start a video call
  /accept | /refuse       answer the ringing call
  /hangup                 cancel, refuse or end the current call
  /list                   show conversations
  /quit                   sign out`

// command is one parsed input line.
type command struct {
	name string
	peer types.UserID
	text string
}

// parseCommand splits "/name peer text...". Lines without a leading slash send to the
// last opened peer.
func parseCommand(line string) command {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") {
		return command{text: line}
	}
	fields := strings.SplitN(line[1:], " ", 3)
	cmd := command{name: strings.ToLower(fields[0])}
	if len(fields) > 1 {
		cmd.peer = types.UserID(strings.TrimSpace(fields[1]))
	}
	if len(fields) > 2 {
		cmd.text = strings.TrimSpace(fields[2])
	}
	return cmd
}

type repl struct {
	session *messenger.Session
	out     *console
	current types.UserID
}

// run executes one line and reports whether the loop should continue.
func (r *repl) run(ctx context.Context, line string) bool {
	cmd := parseCommand(line)
	var err error

	switch cmd.name {
	case "":
		if cmd.text == "" {
			return true
		}
		if r.current == "" {
			r.out.printf("Open a conversation first: /open <user>")
			return true
		}
		_, err = r.session.SendChat(ctx, r.current, cmd.text)
	case "help":
		r.out.printf(helpText)
	case "open":
		r.current = cmd.peer
		r.session.OpenConversation(cmd.peer)
	case "close":
		r.session.CloseConversation(cmd.peer)
		if r.current == cmd.peer {
			r.current = ""
		}
	case "send":
		_, err = r.session.SendChat(ctx, cmd.peer, cmd.text)
	case "html":
		_, err = r.session.SendHTML(ctx, cmd.peer, cmd.text)
	case "call":
		err = r.session.Call(ctx, cmd.peer)
	case "accept":
		err = r.session.Accept(ctx)
	case "refuse":
		err = r.session.Refuse(ctx)
	case "hangup":
		err = r.session.Hangup(ctx)
	case "list":
		r.list()
	case "quit", "exit":
		return false
	default:
		r.out.printf("Unknown command %q, try /help", cmd.name)
	}

	if err != nil {
		r.out.printf("! %v", err)
	}
	return true
}

func (r *repl) list() {
	convs := r.session.Conversations()
	if len(convs) == 0 {
		r.out.printf("No conversations yet")
		return
	}
	sort.SliceStable(convs, func(i, j int) bool { return convs[i].UnreadCount > convs[j].UnreadCount })
	for _, c := range convs {
		name := c.DisplayName
		if name == "" {
			name = string(c.ID)
		}
		r.out.printf("%-24s %-20s unread=%d messages=%d", name, c.ID, c.UnreadCount, len(c.Messages))
	}
}
