// Package approvalprovider implements approval.Provider over a terminal
// prompt and over client-side MCP elicitation.
package approvalprovider

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	"github.com/Sentinel-Gate/Sentinelgate/internal/domain/approval"
)

// TerminalProvider prompts a human operator on a local terminal. It is the
// fallback of last resort — analogous to the original's systemd-ask-password
// path — for headless or SSH sessions with no GUI and no connected client
// capable of elicitation.
type TerminalProvider struct {
	askPasswordBin string // resolved path to systemd-ask-password, or "" if unavailable
	out            io.Writer
	in             io.Reader
	logger         *slog.Logger
}

func NewTerminalProvider(logger *slog.Logger) *TerminalProvider {
	if logger == nil {
		logger = slog.Default()
	}
	bin, _ := exec.LookPath("systemd-ask-password")
	return &TerminalProvider{askPasswordBin: bin, out: os.Stdout, in: os.Stdin, logger: logger}
}

func (p *TerminalProvider) Name() string { return "terminal" }

func (p *TerminalProvider) IsAvailable(ctx context.Context) bool {
	return p.askPasswordBin != "" || isTerminal(p.in)
}

func (p *TerminalProvider) RequestApproval(ctx context.Context, req *approval.Request) (*approval.Response, error) {
	if p.askPasswordBin != "" {
		return p.requestViaAskPassword(ctx, req)
	}
	return p.requestViaStdin(ctx, req)
}

func (p *TerminalProvider) requestViaAskPassword(ctx context.Context, req *approval.Request) (*approval.Response, error) {
	prompt := fmt.Sprintf("Approve %s? (%s) [Scopes: %s] (yes/no)",
		req.ToolName, req.Message, strings.Join(req.RequiredScopes, ", "))

	cmd := exec.CommandContext(ctx, p.askPasswordBin,
		"--timeout", fmt.Sprintf("%d", req.TimeoutSeconds), prompt)
	out, err := cmd.Output()
	if ctx.Err() != nil {
		return &approval.Response{RequestID: req.RequestID, Decision: approval.DecisionTimeout}, nil
	}
	if err != nil {
		return &approval.Response{RequestID: req.RequestID, Decision: approval.DecisionError, ErrorMessage: err.Error()}, nil
	}

	answer := strings.ToLower(strings.TrimSpace(string(out)))
	if answer == "yes" || answer == "y" {
		return &approval.Response{
			RequestID:      req.RequestID,
			Decision:       approval.DecisionApproved,
			SelectedScopes: append([]string(nil), req.RequiredScopes...),
			LeaseSeconds:   300,
		}, nil
	}
	return &approval.Response{RequestID: req.RequestID, Decision: approval.DecisionDenied}, nil
}

// requestViaStdin is the plain-terminal fallback when systemd-ask-password
// isn't installed: print the prompt, block on a line of stdin, respecting
// ctx cancellation via a buffered read in a goroutine.
func (p *TerminalProvider) requestViaStdin(ctx context.Context, req *approval.Request) (*approval.Response, error) {
	fmt.Fprintf(p.out, "\nApprove %s? (%s)\nScopes: %s\nType 'yes' or 'no': ",
		req.ToolName, req.Message, strings.Join(req.RequiredScopes, ", "))

	lineCh := make(chan string, 1)
	go func() {
		scanner := bufio.NewScanner(p.in)
		if scanner.Scan() {
			lineCh <- scanner.Text()
		} else {
			lineCh <- ""
		}
	}()

	select {
	case <-ctx.Done():
		return &approval.Response{RequestID: req.RequestID, Decision: approval.DecisionTimeout}, nil
	case line := <-lineCh:
		answer := strings.ToLower(strings.TrimSpace(line))
		if answer == "yes" || answer == "y" || answer == "approve" {
			return &approval.Response{
				RequestID:      req.RequestID,
				Decision:       approval.DecisionApproved,
				SelectedScopes: append([]string(nil), req.RequiredScopes...),
				LeaseSeconds:   300,
			}, nil
		}
		return &approval.Response{RequestID: req.RequestID, Decision: approval.DecisionDenied}, nil
	}
}

func isTerminal(r io.Reader) bool {
	f, ok := r.(*os.File)
	if !ok {
		return false
	}
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}

var _ approval.Provider = (*TerminalProvider)(nil)
