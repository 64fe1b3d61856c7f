package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/mil-ad/r2d2ctl/internal/bluez"
	"github.com/mil-ad/r2d2ctl/internal/config"
	"github.com/mil-ad/r2d2ctl/internal/events"
	"github.com/mil-ad/r2d2ctl/internal/robot"
)

// requestTimeout bounds one IPC request, including a reconnect.
const requestTimeout = time.Minute

type daemon struct {
	mgr   *robot.Manager
	relay *robot.Relay
	log   *slog.Logger
	mu    sync.Mutex // serializes commands to the robot
}

func newDaemon(mgr *robot.Manager, logger *slog.Logger) *daemon {
	return &daemon{
		mgr:   mgr,
		relay: robot.NewRelay(mgr, logger),
		log:   logger.With("component", "daemon"),
	}
}

func (d *daemon) handleRequest(ctx context.Context, req IPCRequest) IPCResponse {
	d.mu.Lock()
	defer d.mu.Unlock()

	var (
		msg string
		err error
	)
	switch req.Command {
	case cmdStatus:
	case cmdExpress:
		msg, err = d.relay.Express(ctx, req.Mood)
	case cmdStream:
		msg, err = d.relay.StreamAudio(ctx)
	case cmdDisconnect:
		err = d.mgr.Disconnect()
		if err == nil {
			msg = "Robot disconnected."
		}
	default:
		return IPCResponse{State: d.mgr.State(), Error: fmt.Sprintf("unknown command: %q", req.Command), Kind: "bad_request"}
	}

	resp := IPCResponse{Message: msg, State: d.mgr.State(), Device: d.mgr.Device()}
	if err != nil {
		d.log.Warn("command failed", "command", req.Command, "error", err)
		resp.Error = err.Error()
		resp.Kind = robot.Kind(err)
	}
	return resp
}

func (d *daemon) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	var req IPCRequest
	if err := json.NewDecoder(conn).Decode(&req); err != nil {
		resp := IPCResponse{Error: "invalid request: " + err.Error(), Kind: "bad_request"}
		json.NewEncoder(conn).Encode(resp)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	resp := d.handleRequest(ctx, req)
	if err := json.NewEncoder(conn).Encode(resp); err != nil {
		d.log.Debug("write response", "error", err)
	}
}

// serve accepts IPC connections on ln until ctx is done.
func (d *daemon) serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		go d.handleConn(ctx, conn)
	}
}

func serveEvents(ctx context.Context, addr string, hub *events.Hub, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("GET /events", hub)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("serving session events", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("events server", "error", err)
	}
}

func runDaemon(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	adapter, err := bluez.Open(ctx, cfg.Device.Adapter, logger)
	if err != nil {
		return err
	}
	defer adapter.Close()

	mcfg := managerConfig(cfg, logger)
	if cfg.Daemon.EventsAddr != "" {
		hub := events.NewHub(logger)
		mcfg.OnStateChange = hub.StateObserver()
		go serveEvents(ctx, cfg.Daemon.EventsAddr, hub, logger)
	}
	mgr := robot.NewManager(adapter, mcfg)
	defer func() {
		if err := mgr.Disconnect(); err != nil {
			logger.Warn("disconnect on shutdown", "error", err)
		}
	}()

	go adapter.WatchLinkLoss(ctx, mgr.LinkLost)

	sock := cfg.Daemon.Socket
	os.Remove(sock) // remove stale socket
	ln, err := net.Listen("unix", sock)
	if err != nil {
		return fmt.Errorf("listen %s: %w", sock, err)
	}
	os.Chmod(sock, 0700)
	defer os.Remove(sock)

	logger.Info("listening", "socket", sock, "device", cfg.Device.Name)
	err = newDaemon(mgr, logger).serve(ctx, ln)
	logger.Info("shutting down")
	return err
}

func managerConfig(cfg *config.Config, logger *slog.Logger) robot.ManagerConfig {
	return robot.ManagerConfig{
		Name:           cfg.Device.Name,
		Characteristic: cfg.Device.Characteristic,
		ScanTimeout:    cfg.Device.ScanTimeout,
		ConnectTimeout: cfg.Device.ConnectTimeout,
		Logger:         logger,
	}
}
