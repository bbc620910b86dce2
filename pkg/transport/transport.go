package transport

import (
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/meftunca/lifeguard/pkg/codec"
	"github.com/meftunca/lifeguard/pkg/compression"
	"github.com/meftunca/lifeguard/pkg/protocol"
	"github.com/meftunca/lifeguard/pkg/types"
)

// InboundMessage is a decoded request delivered to the shell's handler.
type InboundMessage struct {
	Type     protocol.MessageType
	Envelope *types.Envelope
}

// Response is a decoded ack or nack correlated to an outstanding request.
type Response struct {
	Type     protocol.MessageType
	Envelope *types.Envelope
}

// IsAck reports whether the response is an ack.
func (r *Response) IsAck() bool {
	return r.Type == protocol.MessageTypeAck
}

// Handler consumes inbound requests (pings and ping-reqs). Responses are
// routed to their outstanding requests internally and never reach the
// handler.
type Handler func(msg *InboundMessage)

// Stats holds transport counters.
type Stats struct {
	PacketsSent     int64 `json:"packets_sent"`
	PacketsReceived int64 `json:"packets_received"`
	BytesSent       int64 `json:"bytes_sent"`
	BytesReceived   int64 `json:"bytes_received"`
	DecodeErrors    int64 `json:"decode_errors"`
	LateResponses   int64 `json:"late_responses"`
	TimedOutReqs    int64 `json:"timed_out_requests"`
}

// Config holds transport settings.
type Config struct {
	BindHost          string
	BindPort          int
	CompressThreshold int
}

// UDPTransport sends and receives SWIM frames over a single UDP socket.
// Requests are correlated to responses by envelope sequence number with a
// per-request timeout; responses arriving after their request timed out are
// counted and dropped.
type UDPTransport struct {
	conn       *net.UDPConn
	codec      codec.Codec
	compressor compression.Compressor
	cfg        Config
	localNode  types.Node
	logger     logrus.FieldLogger

	seqNo   uint64
	mu      sync.Mutex
	pending map[uint64]chan *Response

	handler Handler

	stats   Stats
	closed  chan struct{}
	started int32
	wg      sync.WaitGroup
}

// NewUDPTransport binds the UDP socket. Start must be called before any
// traffic flows.
func NewUDPTransport(cfg Config, localNode types.Node, c codec.Codec, comp compression.Compressor, logger logrus.FieldLogger) (*UDPTransport, error) {
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(cfg.BindHost, strconv.Itoa(cfg.BindPort)))
	if err != nil {
		return nil, types.ErrNetworkError("resolve bind address", err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, types.ErrNetworkError("bind udp socket", err)
	}

	return &UDPTransport{
		conn:       conn,
		codec:      c,
		compressor: comp,
		cfg:        cfg,
		localNode:  localNode,
		logger:     logger,
		pending:    make(map[uint64]chan *Response),
		closed:     make(chan struct{}),
	}, nil
}

// LocalNode returns the node this transport speaks for.
func (t *UDPTransport) LocalNode() types.Node {
	return t.localNode
}

// LocalAddr returns the bound socket address. Useful when binding port 0.
func (t *UDPTransport) LocalAddr() net.Addr {
	return t.conn.LocalAddr()
}

// SetHandler installs the inbound request handler. Must be called before
// Start.
func (t *UDPTransport) SetHandler(h Handler) {
	t.handler = h
}

// Start launches the read loop.
func (t *UDPTransport) Start() {
	if !atomic.CompareAndSwapInt32(&t.started, 0, 1) {
		return
	}
	t.wg.Add(1)
	go t.readLoop()
}

// Close shuts the socket down and waits for the read loop to exit.
func (t *UDPTransport) Close() error {
	select {
	case <-t.closed:
		return nil
	default:
	}
	close(t.closed)
	err := t.conn.Close()
	t.wg.Wait()
	return err
}

// GetStats returns a snapshot of the transport counters.
func (t *UDPTransport) GetStats() Stats {
	return Stats{
		PacketsSent:     atomic.LoadInt64(&t.stats.PacketsSent),
		PacketsReceived: atomic.LoadInt64(&t.stats.PacketsReceived),
		BytesSent:       atomic.LoadInt64(&t.stats.BytesSent),
		BytesReceived:   atomic.LoadInt64(&t.stats.BytesReceived),
		DecodeErrors:    atomic.LoadInt64(&t.stats.DecodeErrors),
		LateResponses:   atomic.LoadInt64(&t.stats.LateResponses),
		TimedOutReqs:    atomic.LoadInt64(&t.stats.TimedOutReqs),
	}
}

// NextSeqNo hands out a fresh request sequence number.
func (t *UDPTransport) NextSeqNo() uint64 {
	return atomic.AddUint64(&t.seqNo, 1)
}

// Send transmits a fire-and-forget message (acks and nacks).
func (t *UDPTransport) Send(to types.Node, msgType protocol.MessageType, env *types.Envelope) error {
	return t.write(to, msgType, env)
}

// Request transmits a ping or ping-req and waits for the correlated ack or
// nack up to timeout. Timeout is the only outcome that drives suspicion;
// every transport-level failure is reported as a distinct error so the
// caller can treat it identically.
func (t *UDPTransport) Request(to types.Node, msgType protocol.MessageType, env *types.Envelope, timeout time.Duration) (*Response, error) {
	if env.SeqNo == 0 {
		env.SeqNo = t.NextSeqNo()
	}

	ch := make(chan *Response, 1)
	t.mu.Lock()
	t.pending[env.SeqNo] = ch
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		delete(t.pending, env.SeqNo)
		t.mu.Unlock()
	}()

	if err := t.write(to, msgType, env); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		return resp, nil
	case <-timer.C:
		atomic.AddInt64(&t.stats.TimedOutReqs, 1)
		return nil, types.ErrTimeout(msgType.String(), timeout)
	case <-t.closed:
		return nil, types.NewLifeguardError(types.ErrCodeConnectionLost, "transport closed")
	}
}

func (t *UDPTransport) write(to types.Node, msgType protocol.MessageType, env *types.Envelope) error {
	payload, err := t.codec.Encode(env)
	if err != nil {
		return err
	}

	compressed := false
	if t.cfg.CompressThreshold > 0 && len(payload) >= t.cfg.CompressThreshold &&
		len(payload) >= t.compressor.MinSize() && t.compressor.Name() != "none" {
		packed, err := t.compressor.Compress(payload)
		if err != nil {
			return err
		}
		if len(packed) < len(payload) {
			payload = packed
			compressed = true
		}
	}

	frame := protocol.NewFrame(msgType, payload, compressed)
	data, err := frame.Marshal()
	if err != nil {
		return err
	}

	addr, err := net.ResolveUDPAddr("udp", string(to.Addr()))
	if err != nil {
		return types.ErrNetworkError("resolve peer address", err)
	}

	n, err := t.conn.WriteToUDP(data, addr)
	if err != nil {
		return types.ErrNetworkError("send frame", err)
	}

	atomic.AddInt64(&t.stats.PacketsSent, 1)
	atomic.AddInt64(&t.stats.BytesSent, int64(n))
	return nil
}

func (t *UDPTransport) readLoop() {
	defer t.wg.Done()

	buf := make([]byte, protocol.MaxFrameSize+protocol.HeaderSize+protocol.TrailerSize)
	for {
		n, _, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-t.closed:
				return
			default:
			}
			t.logger.WithError(err).Warn("udp read failed")
			continue
		}

		atomic.AddInt64(&t.stats.PacketsReceived, 1)
		atomic.AddInt64(&t.stats.BytesReceived, int64(n))

		data := make([]byte, n)
		copy(data, buf[:n])
		t.dispatch(data)
	}
}

func (t *UDPTransport) dispatch(data []byte) {
	frame, err := protocol.Unmarshal(data)
	if err != nil {
		atomic.AddInt64(&t.stats.DecodeErrors, 1)
		t.logger.WithError(err).Debug("dropping malformed frame")
		return
	}

	payload := frame.Payload
	if frame.IsCompressed() {
		payload, err = t.compressor.Decompress(payload)
		if err != nil {
			atomic.AddInt64(&t.stats.DecodeErrors, 1)
			t.logger.WithError(err).Debug("dropping undecompressable frame")
			return
		}
	}

	env, err := t.codec.Decode(payload)
	if err != nil {
		atomic.AddInt64(&t.stats.DecodeErrors, 1)
		t.logger.WithError(err).Debug("dropping undecodable envelope")
		return
	}

	if frame.Header.Type.IsResponse() {
		t.mu.Lock()
		ch, ok := t.pending[env.SeqNo]
		t.mu.Unlock()
		if !ok {
			// The request already timed out; late responses never reach
			// the instance.
			atomic.AddInt64(&t.stats.LateResponses, 1)
			return
		}
		select {
		case ch <- &Response{Type: frame.Header.Type, Envelope: env}:
		default:
		}
		return
	}

	if t.handler != nil {
		t.handler(&InboundMessage{Type: frame.Header.Type, Envelope: env})
	}
}
