package gateway

import (
	"context"
	"encoding/json"
	"fmt"

	"warpgate/pkg/channels"
	"warpgate/pkg/terminal"
)

type terminalRef struct {
	TerminalID string `json:"terminalId"`
}

type writeRequest struct {
	TerminalID string `json:"terminalId"`
	Data       string `json:"data"`
}

type resizeRequest struct {
	TerminalID string `json:"terminalId"`
	Cols       uint16 `json:"cols"`
	Rows       uint16 `json:"rows"`
}

type approveRequest struct {
	TerminalID string `json:"terminalId"`
	Token      string `json:"token"`
}

func decode(payload json.RawMessage, v any) error {
	if len(payload) == 0 || string(payload) == "null" {
		return nil
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	return nil
}

// handler adapts a typed operation to a channel handler. Payload errors become
// a failed Result, never a transport error.
func handler[T any, R any](op func(context.Context, T) R) channels.HandlerFunc {
	return func(ctx context.Context, payload json.RawMessage) (any, error) {
		var req T
		if err := decode(payload, &req); err != nil {
			return failure(err), nil
		}
		return op(ctx, req), nil
	}
}

// Register binds every control operation to its channel. Registering outside
// the allowlist panics.
func (g *Gateway) Register(reg *channels.Registry) {
	reg.MustHandle(channels.PolicyGet, handler(func(ctx context.Context, _ struct{}) PolicyState {
		return g.PolicyGet(ctx)
	}))
	reg.MustHandle(channels.PolicySet, handler(g.PolicySet))
	reg.MustHandle(channels.TerminalCreate, handler(func(ctx context.Context, o terminal.Options) Result {
		return g.CreateTerminal(ctx, o)
	}))
	reg.MustHandle(channels.TerminalWrite, handler(func(ctx context.Context, r writeRequest) Result {
		return g.WriteTerminal(ctx, r.TerminalID, r.Data)
	}))
	reg.MustHandle(channels.TerminalKill, handler(func(ctx context.Context, r terminalRef) Result {
		return g.KillTerminal(ctx, r.TerminalID)
	}))
	reg.MustHandle(channels.TerminalResize, handler(func(ctx context.Context, r resizeRequest) Result {
		return g.ResizeTerminal(ctx, r.TerminalID, r.Cols, r.Rows)
	}))
	reg.MustHandle(channels.TerminalProposeExec, handler(g.ProposeExec))
	reg.MustHandle(channels.TerminalApproveExec, handler(func(ctx context.Context, r approveRequest) Result {
		return g.ApproveExec(ctx, r.TerminalID, r.Token)
	}))
}
