package main

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/thoughtoinnovate/tark/pkg/approval"
	"github.com/thoughtoinnovate/tark/pkg/storage"
)

// terminalApprover drains the mediator queue and prompts on the
// terminal, one request at a time.
type terminalApprover struct {
	*approval.Mediator
	in  *bufio.Reader
	out io.Writer
}

func newTerminalApprover(in io.Reader, out io.Writer) *terminalApprover {
	a := &terminalApprover{
		Mediator: approval.NewMediator(),
		in:       bufio.NewReader(in),
		out:      out,
	}
	go a.serve()
	return a
}

func (a *terminalApprover) serve() {
	for req := range a.Requests() {
		// Requests cancelled while queued need no prompt.
		if req.StateOf() != approval.StatePending {
			continue
		}
		a.prompt(req)
	}
}

func (a *terminalApprover) prompt(req *approval.Request) {
	fmt.Fprintf(a.out, "\napproval needed — %s (risk: %s)\n  %s\n", req.ToolID, req.Risk, req.Command)
	if req.DiffPreview != "" {
		fmt.Fprintln(a.out, indent(req.DiffPreview, "  "))
	}

	options := "[y]es once / [n]o once / [s]ession"
	if req.AllowSavePattern {
		options = "[y]es once / [a]lways / [s]ession / [n]o once / [d]eny always"
	}

	for {
		fmt.Fprintf(a.out, "  %s: ", options)
		line, err := a.in.ReadString('\n')
		if err != nil {
			return // stdin closed; the pending request dies with the context
		}

		var kind approval.ResponseKind
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			kind = approval.ApproveOnce
		case "a", "always":
			kind = approval.ApproveAlways
		case "s", "session":
			kind = approval.ApproveSession
		case "n", "no":
			kind = approval.DenyOnce
		case "d", "deny":
			kind = approval.DenyAlways
		default:
			continue
		}

		var pattern *storage.Pattern
		if (kind == approval.ApproveAlways || kind == approval.DenyAlways) && len(req.SuggestedPatterns) > 0 {
			suggested := req.SuggestedPatterns[len(req.SuggestedPatterns)-1]
			pattern = &suggested
		}

		err = a.Respond(approval.Response{RequestID: req.ID, Kind: kind, Pattern: pattern})
		if err == approval.ErrSaveNotAllowed {
			fmt.Fprintln(a.out, "  this decision cannot be remembered; answer once instead")
			continue
		}
		return
	}
}

func indent(s, prefix string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i, line := range lines {
		lines[i] = prefix + line
	}
	return strings.Join(lines, "\n")
}
