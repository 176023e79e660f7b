package transport

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/iyulab/orbitmesh/internal/job"
	"github.com/iyulab/orbitmesh/internal/registry"
)

// Ingest is the set of non-throwing inbound handlers the gateway drives on
// every agent message (spec §4.8 C8). internal/ingest.Handlers implements
// this; the gateway only depends on the interface so transport and ingest
// don't import each other.
type Ingest interface {
	OnAcknowledge(jobID, agentID string)
	OnProgress(p job.Progress)
	OnResult(r job.Result)
	OnHeartbeat(agentID string, runningJobs int)
	OnDisconnect(agentID string)
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Connection is one agent's live websocket connection. It implements
// registry.ConnectionHandle so the dispatcher can push through it without
// depending on gorilla/websocket directly.
type Connection struct {
	AgentID string
	conn    *websocket.Conn
	sendCh  chan []byte
	closeCh chan struct{}
	closed  bool
	mu      sync.Mutex
}

// Send enqueues method/payload as an Envelope for the write pump. Never
// blocks longer than the channel's buffer allows; a full buffer indicates a
// stuck/slow agent and is treated as a transport failure.
func (c *Connection) Send(method string, payload []byte) error {
	var msgType MessageType
	switch method {
	case "ExecuteJob":
		msgType = MessageExecuteJob
	case "CancelJob":
		msgType = MessageCancelJob
	default:
		return errors.New("transport: unknown outbound method " + method)
	}
	env := &Envelope{Type: msgType, Timestamp: time.Now(), Payload: payload}
	select {
	case c.sendCh <- env.Marshal():
		return nil
	default:
		return errors.New("transport: send buffer full for agent " + c.AgentID)
	}
}

// Closed reports whether the connection has been torn down.
func (c *Connection) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Connection) markClosed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

// Gateway terminates the websocket transport: it upgrades HTTP connections,
// runs one read pump + one write pump per agent, and drives Ingest on
// inbound messages. Adapted from the teacher's Gateway/handleConnection,
// generalized from the teacher's protobuf-generated control.Envelope to the
// hand-rolled Envelope in this package, and from the teacher's
// agent-pulls-RequestJob protocol to the spec's server-pushes-ExecuteJob
// protocol (so there is no RequestJob/JobStatus handling here, only the
// spec §6 operations).
type Gateway struct {
	registry *registry.Registry
	ingest   Ingest
	log      *zap.Logger

	mu          sync.RWMutex
	connections map[string]*Connection
}

// New creates a Gateway. log may be nil (falls back to a no-op logger).
func New(reg *registry.Registry, ingest Ingest, log *zap.Logger) *Gateway {
	if log == nil {
		log = zap.NewNop()
	}
	return &Gateway{
		registry:    reg,
		ingest:      ingest,
		log:         log.Named("transport"),
		connections: make(map[string]*Connection),
	}
}

// HandleWebSocket upgrades r and starts serving one agent connection.
// agentID is expected to have already been resolved by the caller (e.g. from
// a validated bearer token or enrollment record) — the gateway itself does
// not implement the enrollment/auth flow, only the transport. Capabilities,
// tags, and group come from query parameters on the upgrade request (no
// Register wire message exists in this contract, see the package doc), and
// the resulting Connection is registered as the agent's ConnectionHandle so
// the dispatcher can push to it immediately.
func (g *Gateway) HandleWebSocket(agentID string, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Warn("websocket upgrade failed", zap.Error(err), zap.String("agent_id", agentID))
		return
	}

	c := &Connection{
		AgentID: agentID,
		conn:    conn,
		sendCh:  make(chan []byte, 256),
		closeCh: make(chan struct{}),
	}

	g.mu.Lock()
	g.connections[agentID] = c
	g.mu.Unlock()

	q := r.URL.Query()
	g.registry.Register(&registry.Agent{
		ID:               agentID,
		Name:             q.Get("name"),
		Group:            q.Get("group"),
		Tags:             splitNonEmpty(q.Get("tags")),
		Capabilities:     splitNonEmpty(q.Get("capabilities")),
		Status:           registry.StatusReady,
		ConnectionHandle: c,
		LastHeartbeat:    time.Now(),
	})

	go g.writePump(c)
	g.readPump(c)
}

func splitNonEmpty(csv string) []string {
	if csv == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(csv); i++ {
		if i == len(csv) || csv[i] == ',' {
			if i > start {
				out = append(out, csv[start:i])
			}
			start = i + 1
		}
	}
	return out
}

func (g *Gateway) writePump(c *Connection) {
	for {
		select {
		case msg := <-c.sendCh:
			if err := c.conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
				g.log.Warn("write error", zap.Error(err), zap.String("agent_id", c.AgentID))
				return
			}
		case <-c.closeCh:
			return
		}
	}
}

func (g *Gateway) readPump(c *Connection) {
	defer g.onConnectionClosed(c)

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		env, err := UnmarshalEnvelope(data)
		if err != nil {
			g.log.Warn("invalid envelope", zap.Error(err), zap.String("agent_id", c.AgentID))
			continue
		}
		g.dispatchInbound(c, env)
	}
}

func (g *Gateway) onConnectionClosed(c *Connection) {
	c.markClosed()
	close(c.closeCh)
	c.conn.Close()

	g.mu.Lock()
	if g.connections[c.AgentID] == c {
		delete(g.connections, c.AgentID)
	}
	g.mu.Unlock()

	if g.ingest != nil {
		g.ingest.OnDisconnect(c.AgentID)
	}
}

func (g *Gateway) dispatchInbound(c *Connection, env *Envelope) {
	if g.ingest == nil {
		return
	}
	switch env.Type {
	case MessageAcknowledge:
		m, err := UnmarshalAcknowledge(env.Payload)
		if err != nil {
			g.log.Warn("bad Acknowledge payload", zap.Error(err))
			return
		}
		g.ingest.OnAcknowledge(m.JobID, m.AgentID)
	case MessageProgress:
		m, err := UnmarshalProgress(env.Payload)
		if err != nil {
			g.log.Warn("bad Progress payload", zap.Error(err))
			return
		}
		g.ingest.OnProgress(m.ToModel())
	case MessageResult:
		m, err := UnmarshalResult(env.Payload)
		if err != nil {
			g.log.Warn("bad Result payload", zap.Error(err))
			return
		}
		g.ingest.OnResult(m.ToModel())
	case MessageHeartbeat:
		m, err := UnmarshalHeartbeat(env.Payload)
		if err != nil {
			g.log.Warn("bad Heartbeat payload", zap.Error(err))
			return
		}
		g.ingest.OnHeartbeat(m.AgentID, m.RunningJobs)
	default:
		g.log.Warn("unknown message type from agent", zap.Uint64("type", uint64(env.Type)), zap.String("agent_id", c.AgentID))
	}
}

// Connection looks up an agent's live connection. HandleWebSocket has
// already registered that connection as the agent's
// registry.ConnectionHandle.
func (g *Gateway) Connection(agentID string) (*Connection, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	c, ok := g.connections[agentID]
	return c, ok
}
