// Package control answers operator commands published on the instance's MQTT
// control topic. Commands only read snapshots of the packet loop or ask the
// service to stop; nothing here touches learner state.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/rafaelvaloto/Neura-Rig/internal/config"
)

// Command names accepted on the control topic
const (
	CmdGetStatus  = "get_status"
	CmdGetMetrics = "get_metrics"
	CmdShutdown   = "shutdown"
)

const (
	statusSuccess = "success"
	statusError   = "error"
)

type Command struct {
	Command string                 `json:"command"`
	Params  map[string]interface{} `json:"params,omitempty"`
}

// Response is published on {control}/response for every command, including
// ones that fail to parse (CommandAck "unknown")
type Response struct {
	CommandAck string                 `json:"command_ack"`
	Instance   string                 `json:"instance_id"`
	Status     string                 `json:"status"`
	Data       map[string]interface{} `json:"data,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Timestamp  string                 `json:"timestamp"`
}

// Client is the slice of mqtt.Client the handler needs
type Client interface {
	IsConnected() bool
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Unsubscribe(topics ...string) mqtt.Token
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// CommandCallbacks are supplied by the service. A nil callback makes its
// command answer with an error.
type CommandCallbacks struct {
	OnGetStatus  func() map[string]interface{}
	OnGetMetrics func() map[string]interface{}
	OnShutdown   func() error
}

type Handler struct {
	cfg       *config.Config
	client    Client
	commands  chan Command
	callbacks CommandCallbacks
	snapshots map[string]func() map[string]interface{}

	// time for the shutdown ack to leave before MQTT is torn down
	shutdownDelay time.Duration

	mu      sync.Mutex
	stopped bool
}

func NewHandler(cfg *config.Config, client Client, callbacks CommandCallbacks) *Handler {
	return &Handler{
		cfg:       cfg,
		client:    client,
		commands:  make(chan Command, 10),
		callbacks: callbacks,
		snapshots: map[string]func() map[string]interface{}{
			CmdGetStatus:  callbacks.OnGetStatus,
			CmdGetMetrics: callbacks.OnGetMetrics,
		},
		shutdownDelay: 500 * time.Millisecond,
	}
}

func (h *Handler) ResponseTopic() string {
	return h.cfg.MQTT.Topics.Control + "/response"
}

// Start subscribes to the control topic and serves commands until ctx is
// cancelled or Stop is called
func (h *Handler) Start(ctx context.Context) error {
	topic := h.cfg.MQTT.Topics.Control
	qos := h.cfg.MQTT.QoS["control"]

	token := h.client.Subscribe(topic, qos, func(_ mqtt.Client, msg mqtt.Message) {
		h.enqueue(msg.Payload())
	})
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("control plane subscription timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("control plane subscription failed: %w", err)
	}
	slog.Info("control plane listening", "topic", topic, "qos", qos)

	go h.serve(ctx)
	return nil
}

// Stop unsubscribes and drops commands that arrive afterwards. Safe to call
// more than once.
func (h *Handler) Stop() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return nil
	}
	h.stopped = true

	if h.client != nil && h.client.IsConnected() {
		h.client.Unsubscribe(h.cfg.MQTT.Topics.Control).WaitTimeout(2 * time.Second)
	}
	close(h.commands)

	slog.Info("control plane stopped")
	return nil
}

func (h *Handler) enqueue(payload []byte) {
	var cmd Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		slog.Warn("unparseable control command", "error", err, "bytes", len(payload))
		h.reply(Response{CommandAck: "unknown", Status: statusError, Error: "invalid JSON"})
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return
	}
	select {
	case h.commands <- cmd:
	default:
		slog.Warn("control queue full, command dropped", "command", cmd.Command)
	}
}

func (h *Handler) serve(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd, ok := <-h.commands:
			if !ok {
				return
			}
			slog.Info("control command", "command", cmd.Command)
			resp := h.execute(cmd)
			h.reply(resp)
			// the ack is on the wire before the service tears MQTT down
			if cmd.Command == CmdShutdown && resp.Status == statusSuccess {
				time.AfterFunc(h.shutdownDelay, func() {
					if err := h.callbacks.OnShutdown(); err != nil {
						slog.Error("shutdown callback failed", "error", err)
					}
				})
			}
		}
	}
}

func (h *Handler) execute(cmd Command) Response {
	resp := Response{CommandAck: cmd.Command, Status: statusSuccess}

	if snapshot, ok := h.snapshots[cmd.Command]; ok {
		if snapshot == nil {
			return failed(resp, cmd.Command+" not available")
		}
		resp.Data = snapshot()
		return resp
	}

	if cmd.Command != CmdShutdown {
		return failed(resp, "unknown command: "+cmd.Command)
	}
	if h.callbacks.OnShutdown == nil {
		return failed(resp, "shutdown not available")
	}

	slog.Warn("shutdown requested over control plane")
	resp.Data = map[string]interface{}{"shutdown_initiated": true}
	return resp
}

func failed(resp Response, msg string) Response {
	resp.Status = statusError
	resp.Error = msg
	return resp
}

func (h *Handler) reply(resp Response) {
	resp.Instance = h.cfg.InstanceID
	resp.Timestamp = time.Now().UTC().Format(time.RFC3339)

	payload, err := json.Marshal(resp)
	if err != nil {
		slog.Error("failed to marshal control response", "error", err)
		return
	}

	token := h.client.Publish(h.ResponseTopic(), h.cfg.MQTT.QoS["control"], false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		slog.Error("control response publish timeout", "command_ack", resp.CommandAck)
		return
	}
	if err := token.Error(); err != nil {
		slog.Error("failed to publish control response", "command_ack", resp.CommandAck, "error", err)
	}
}
