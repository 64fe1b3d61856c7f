package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"

	"github.com/mil-ad/r2d2ctl/internal/bluez"
	"github.com/mil-ad/r2d2ctl/internal/config"
	"github.com/mil-ad/r2d2ctl/internal/robot"
)

func ipcCall(ctx context.Context, sock string, req IPCRequest) (IPCResponse, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", sock)
	if err != nil {
		return IPCResponse{}, fmt.Errorf("connect to daemon: %w (is `r2d2ctl daemon` running?)", err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return IPCResponse{}, fmt.Errorf("send request: %w", err)
	}

	var resp IPCResponse
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return IPCResponse{}, fmt.Errorf("read response: %w", err)
	}
	return resp, nil
}

// runCommand sends req to the daemon and prints the confirmation.
func runCommand(ctx context.Context, out io.Writer, sock string, req IPCRequest) error {
	resp, err := ipcCall(ctx, sock, req)
	if err != nil {
		return err
	}
	if resp.Error != "" {
		return fmt.Errorf("%s", resp.Error)
	}
	fmt.Fprintln(out, resp.Message)
	return nil
}

func runStatus(ctx context.Context, out io.Writer, sock string) error {
	resp, err := ipcCall(ctx, sock, IPCRequest{Command: cmdStatus})
	if err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(resp)
}

// runDirect opens its own session for one command and always disconnects
// afterwards, without going through a daemon.
func runDirect(ctx context.Context, out io.Writer, cfg *config.Config, logger *slog.Logger, send func(context.Context, *robot.Relay) (string, error)) error {
	adapter, err := bluez.Open(ctx, cfg.Device.Adapter, logger)
	if err != nil {
		return err
	}
	defer adapter.Close()

	return oneShot(ctx, out, robot.NewManager(adapter, managerConfig(cfg, logger)), logger, send)
}

func oneShot(ctx context.Context, out io.Writer, mgr *robot.Manager, logger *slog.Logger, send func(context.Context, *robot.Relay) (string, error)) (err error) {
	defer func() {
		err = errors.Join(err, mgr.Disconnect())
	}()

	if err := mgr.Connect(ctx); err != nil {
		return err
	}
	msg, err := send(ctx, robot.NewRelay(mgr, logger))
	if err != nil {
		return err
	}
	fmt.Fprintln(out, msg)
	return nil
}
