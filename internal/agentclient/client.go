// Package agentclient is a reference implementation of the agent side of
// the wire contract (spec §6): it dials the control plane's WebSocket
// endpoint, sends periodic Heartbeats, Acknowledges and runs ExecuteJob
// pushes, and reports each job's Result back (no Progress messages are
// sent). Grounded on the teacher's
// agent/internal/client/client.go — the dial-then-spawn-readLoop-and-
// heartbeatLoop shape, the stopChan-based shutdown, and the write-mutex
// around the single connection are all carried over; Register/RegisterAck
// and the agent-pulls-RequestJob protocol are dropped because this wire
// contract has the server push ExecuteJob instead (see
// internal/transport's package doc).
package agentclient

import (
	"context"
	"fmt"
	"log"
	"os/exec"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/iyulab/orbitmesh/internal/job"
	"github.com/iyulab/orbitmesh/internal/transport"
)

// Executor runs a job's command and returns its result payload. The
// default implementation (Exec) runs Command through the OS shell; tests
// and embedders can substitute their own.
type Executor func(ctx context.Context, msg *transport.ExecuteJobMessage) (data []byte, execErr error)

// Exec runs msg.Command via /bin/sh -c on every platform, with no
// per-command timeout beyond msg.TimeoutMillis.
func Exec(ctx context.Context, msg *transport.ExecuteJobMessage) ([]byte, error) {
	if msg.TimeoutMillis > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(msg.TimeoutMillis)*time.Millisecond)
		defer cancel()
	}
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", msg.Command)
	out, err := cmd.CombinedOutput()
	return out, err
}

// Client is a single agent connection to the control plane.
type Client struct {
	serverURL         string
	agentID           string
	maxConcurrency    int
	heartbeatInterval time.Duration
	executor          Executor

	conn     *websocket.Conn
	writeMu  sync.Mutex
	stopChan chan struct{}

	runningMu   sync.Mutex
	runningJobs int
}

// New creates a Client. executor defaults to Exec if nil.
func New(serverURL, agentID string, maxConcurrency int, executor Executor) *Client {
	if executor == nil {
		executor = Exec
	}
	return &Client{
		serverURL:         serverURL,
		agentID:           agentID,
		maxConcurrency:    maxConcurrency,
		heartbeatInterval: 20 * time.Second,
		executor:          executor,
		stopChan:          make(chan struct{}),
	}
}

// Connect dials the control plane. It returns once the handshake
// completes; the read and heartbeat loops are started by Run, which blocks
// until Stop or a connection error.
func (c *Client) Connect() error {
	conn, _, err := websocket.DefaultDialer.Dial(c.serverURL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.serverURL, err)
	}
	c.conn = conn
	log.Printf("agent %s connected to %s", c.agentID, c.serverURL)
	return nil
}

// Run blocks, running the read loop and heartbeat loop until Stop is
// called or the connection drops.
func (c *Client) Run() {
	go c.heartbeatLoop()
	c.readLoop()
}

// Stop closes the connection and stops the heartbeat loop.
func (c *Client) Stop() {
	close(c.stopChan)
	if c.conn != nil {
		c.conn.Close()
	}
}

func (c *Client) writeEnvelope(typ transport.MessageType, payload []byte) error {
	env := &transport.Envelope{Type: typ, RequestID: generateRequestID(), Timestamp: time.Now(), Payload: payload}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.BinaryMessage, env.Marshal())
}

func (c *Client) sendHeartbeat() error {
	msg := &transport.HeartbeatMessage{AgentID: c.agentID, RunningJobs: c.getRunningJobs()}
	return c.writeEnvelope(transport.MessageHeartbeat, msg.Marshal())
}

func (c *Client) sendAcknowledge(jobID string) error {
	msg := &transport.AcknowledgeMessage{JobID: jobID, AgentID: c.agentID}
	return c.writeEnvelope(transport.MessageAcknowledge, msg.Marshal())
}

func (c *Client) sendProgress(p job.Progress) error {
	msg := transport.ProgressFromModel(p)
	return c.writeEnvelope(transport.MessageProgress, msg.Marshal())
}

func (c *Client) sendResult(r job.Result) error {
	msg := transport.ResultFromModel(r)
	return c.writeEnvelope(transport.MessageResult, msg.Marshal())
}

func (c *Client) heartbeatLoop() {
	ticker := time.NewTicker(c.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := c.sendHeartbeat(); err != nil {
				log.Printf("heartbeat failed: %v", err)
				return
			}
		case <-c.stopChan:
			return
		}
	}
}

func (c *Client) readLoop() {
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.stopChan:
				return
			default:
			}
			log.Printf("read error: %v", err)
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		env, err := transport.UnmarshalEnvelope(data)
		if err != nil {
			log.Printf("failed to unmarshal envelope: %v", err)
			continue
		}
		c.handleEnvelope(env)
	}
}

func (c *Client) handleEnvelope(env *transport.Envelope) {
	switch env.Type {
	case transport.MessageExecuteJob:
		msg, err := transport.UnmarshalExecuteJob(env.Payload)
		if err != nil {
			log.Printf("failed to unmarshal ExecuteJob: %v", err)
			return
		}
		go c.handleExecuteJob(msg)
	case transport.MessageCancelJob:
		msg, err := transport.UnmarshalCancelJob(env.Payload)
		if err != nil {
			log.Printf("failed to unmarshal CancelJob: %v", err)
			return
		}
		log.Printf("job %s cancelled: %s", msg.JobID, msg.Reason)
	default:
		log.Printf("unhandled message type: %d", env.Type)
	}
}

func (c *Client) handleExecuteJob(msg *transport.ExecuteJobMessage) {
	c.incRunning()
	defer c.decRunning()

	if err := c.sendAcknowledge(msg.JobID); err != nil {
		log.Printf("acknowledge failed: %v", err)
	}

	started := time.Now()
	data, execErr := c.executor(context.Background(), msg)
	completed := time.Now()

	result := job.Result{
		JobID:       msg.JobID,
		AgentID:     c.agentID,
		StartedAt:   started,
		CompletedAt: completed,
	}
	if execErr != nil {
		result.Status = job.StatusFailed
		result.Error = execErr.Error()
		result.ErrorCode = "EXECUTION_FAILED"
	} else {
		result.Status = job.StatusCompleted
		result.Data = data
	}

	if err := c.sendResult(result); err != nil {
		log.Printf("send result failed: %v", err)
	}
}

func (c *Client) incRunning() {
	c.runningMu.Lock()
	c.runningJobs++
	c.runningMu.Unlock()
}

func (c *Client) decRunning() {
	c.runningMu.Lock()
	c.runningJobs--
	c.runningMu.Unlock()
}

func (c *Client) getRunningJobs() int {
	c.runningMu.Lock()
	defer c.runningMu.Unlock()
	return c.runningJobs
}

var requestIDCounter struct {
	sync.Mutex
	n uint64
}

func generateRequestID() string {
	requestIDCounter.Lock()
	requestIDCounter.n++
	n := requestIDCounter.n
	requestIDCounter.Unlock()
	return fmt.Sprintf("%d-%d", time.Now().UnixNano(), n)
}
