// Command fakeagent is a scripted agent for exercising a running gateway by
// hand. It registers, heartbeats and answers every task it receives.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/graph8/agent-gateway/internal/domain"
	"github.com/graph8/agent-gateway/internal/infrastructure/logger"
	"github.com/graph8/agent-gateway/internal/protocol"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type options struct {
	url         string
	agentID     string
	userID      string
	subprotocol string
	heartbeat   time.Duration
	workDelay   time.Duration
	fail        bool
	verbose     bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := options{}
	cmd := &cobra.Command{
		Use:           "fakeagent",
		Short:         "Connect a scripted agent to an agent gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			zl, err := newZap(opts.verbose)
			if err != nil {
				return err
			}
			log := logger.FromZap(zl).Named("fakeagent")
			defer log.Sync()
			return run(ctx, opts, log)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.url, "url", "ws://localhost:8000/api/websocket/agent", "gateway agent endpoint")
	f.StringVar(&opts.agentID, "agent-id", "agent-local", "agent id to register as")
	f.StringVar(&opts.userID, "user-id", "user-local", "user id to register as")
	f.StringVar(&opts.subprotocol, "subprotocol", "graph8-agent", "WebSocket subprotocol to offer (empty for none)")
	f.DurationVar(&opts.heartbeat, "heartbeat", 10*time.Second, "heartbeat interval")
	f.DurationVar(&opts.workDelay, "work-delay", time.Second, "time between task_ack and task_result")
	f.BoolVar(&opts.fail, "fail", false, "report every task as failed")
	f.BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging")
	return cmd
}

func newZap(verbose bool) (*zap.Logger, error) {
	cfg := zap.NewDevelopmentConfig()
	if !verbose {
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	return cfg.Build()
}

// agent serialises writes; gorilla connections allow one concurrent writer.
type agent struct {
	opts options
	conn *websocket.Conn
	log  *logger.Logger
	mu   sync.Mutex
}

func (a *agent) send(msg protocol.Message) error {
	raw, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	_ = a.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return a.conn.WriteMessage(websocket.TextMessage, raw)
}

func run(ctx context.Context, opts options, log *logger.Logger) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	if opts.subprotocol != "" {
		dialer.Subprotocols = []string{opts.subprotocol}
	}
	conn, resp, err := dialer.DialContext(ctx, opts.url, http.Header{})
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial %s: %w (status %d)", opts.url, err, resp.StatusCode)
		}
		return fmt.Errorf("dial %s: %w", opts.url, err)
	}
	defer conn.Close()
	log.Infow("connected", "url", opts.url, "subprotocol", conn.Subprotocol())

	a := &agent{opts: opts, conn: conn, log: log}
	if err := a.send(&protocol.AgentRegister{
		AgentID:   opts.agentID,
		UserID:    opts.userID,
		Status:    domain.AgentStatusReady,
		Timestamp: protocol.NewTimestamp(time.Now()),
	}); err != nil {
		return fmt.Errorf("register: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ticker := time.NewTicker(opts.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				a.mu.Lock()
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(time.Second))
				a.mu.Unlock()
				_ = conn.SetReadDeadline(time.Now())
				return nil
			case now := <-ticker.C:
				if err := a.send(&protocol.Heartbeat{Timestamp: protocol.NewTimestamp(now)}); err != nil {
					return fmt.Errorf("heartbeat: %w", err)
				}
			}
		}
	})
	g.Go(func() error {
		return a.readLoop(gctx)
	})

	err = g.Wait()
	log.Info("disconnected")
	return err
}

func (a *agent) readLoop(ctx context.Context) error {
	var work sync.WaitGroup
	defer work.Wait()

	for {
		_, raw, err := a.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		msg, err := protocol.Decode(raw)
		if err != nil {
			a.log.Warnw("frame_malformed", "error", err)
			continue
		}

		switch m := msg.(type) {
		case *protocol.AgentRegistered:
			a.log.Infow("registered", "agent_id", m.AgentID, "user_id", m.UserID)
		case *protocol.HeartbeatAck:
			a.log.Debugw("heartbeat_ack", "timestamp", m.Timestamp)
		case *protocol.Task:
			a.log.Infow("task_received", "task_id", m.TaskID, "instruction", m.Instruction, "url", m.Metadata.URL)
			work.Add(1)
			go func() {
				defer work.Done()
				if err := a.execute(ctx, m); err != nil {
					a.log.Warnw("task_reply_failed", "task_id", m.TaskID, "error", err)
				}
			}()
		default:
			a.log.Debugw("frame_ignored", "type", msg.MessageType())
		}
	}
}

func (a *agent) execute(ctx context.Context, task *protocol.Task) error {
	if err := a.send(&protocol.TaskAck{
		TaskID:  task.TaskID,
		AgentID: a.opts.agentID,
		UserID:  a.opts.userID,
		Status:  domain.AgentStatusBusy,
	}); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(a.opts.workDelay):
	}

	result := &protocol.TaskResult{
		TaskID:  task.TaskID,
		AgentID: a.opts.agentID,
		UserID:  a.opts.userID,
		Success: !a.opts.fail,
		Status:  domain.AgentStatusReady,
		Results: map[string]any{
			"url":         task.Metadata.URL,
			"instruction": task.Instruction,
			"finished_at": time.Now().UTC().Format(time.RFC3339),
		},
	}
	if a.opts.fail {
		result.Results = map[string]any{"error": "task failed on request"}
	}
	if err := a.send(result); err != nil {
		return err
	}
	a.log.Infow("task_answered", "task_id", task.TaskID, "success", result.Success)
	return nil
}
