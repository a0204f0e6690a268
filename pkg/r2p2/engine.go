// Package r2p2 implements the request/response protocol engine: wire
// framing, segmentation and in-order reassembly, the ACK-triggered burst
// handshake for multi-packet requests, and the per-core lifecycle of
// in-flight request/response pairs.
//
// The engine performs no I/O of its own. A surrounding runtime owns the
// sockets and timers and feeds incoming datagrams through HandlePacket;
// see the transport package.
package r2p2

import (
	"io"
	"math/rand"
	"net"
	"net/netip"
	"time"

	"github.com/pkg/errors"

	"github.com/yongming/r2p2/pkg/buffer"
	"github.com/yongming/r2p2/pkg/metrics"
)

// HostTuple identifies a peer endpoint.
type HostTuple = netip.AddrPort

// DefaultPoolSize is the per-pool pair capacity when Config leaves it zero.
const DefaultPoolSize = 1024

// Default payload bounds. PayloadSize is a typical MTU minus the r2p2,
// UDP and IP headers; MinPayloadSize caps the first packet of a
// multi-packet message so that it stays inspectable on a routing fast
// path.
const (
	DefaultPayloadSize    = 1464
	DefaultMinPayloadSize = 64
)

// Conn is the backend state attached to one client pair, typically a
// connected socket. It is closed when the pair is freed.
type Conn interface {
	io.Closer
}

// Backend performs datagram output on behalf of the engine.
type Backend interface {
	// PrepareToSend allocates per-request backend state before the
	// engine frames the request. The returned Conn travels with the
	// pair and is closed at teardown.
	PrepareToSend(cx *Ctx) (Conn, error)

	// Send transmits every buffer in the chain as one datagram each.
	// c is the Conn of the originating client pair, or nil for
	// server-side sends (replies, ACKs) which go out the shared
	// listener socket.
	Send(chain *buffer.Buf, dst HostTuple, c Conn) error
}

// TxTimestamper is optionally implemented by a Backend that can report
// the hardware/software transmit timestamp of a request socket.
type TxTimestamper interface {
	TxTimestamp(c Conn) (time.Time, error)
}

// Timer is a cancellable timeout armed for one client pair.
type Timer interface {
	Stop() bool
}

// TimerScheduler arms request timeouts. Implementations must deliver the
// expiry on the engine's own core (the transport run loop does this by
// posting into the loop).
type TimerScheduler interface {
	Schedule(d time.Duration, fn func()) Timer
}

// RecvFunc is the application request handler. The scatter list aliases
// engine-owned memory and is only valid until the handler returns or
// SendResponse is called, whichever comes first.
type RecvFunc func(h ServerHandle, iov net.Buffers)

// Ctx carries the application context of one outgoing request.
type Ctx struct {
	Destination HostTuple
	Policy      Policy

	// Timeout arms the request timer when a TimerScheduler is
	// configured. Zero means no timeout.
	Timeout time.Duration

	// OnSuccess receives the reassembled reply. The pair stays live
	// until ReplyDone is called with the handle.
	OnSuccess func(h ClientHandle, arg interface{}, iov net.Buffers)
	// OnTimeout fires when the request timer expires.
	OnTimeout func(arg interface{})
	// OnError fires on reassembly and ordering failures.
	OnError func(arg interface{}, code int)

	Arg interface{}

	// Transmit and receive timestamps of the request/response exchange,
	// populated when timestamping is enabled on the engine.
	TxTimestamp time.Time
	RxTimestamp time.Time
}

// Config assembles an Engine.
type Config struct {
	// Backend performs datagram output. Required.
	Backend Backend

	// Buffers is the datagram buffer pool. Buffer capacity must be at
	// least HeaderLen+PayloadSize. Required.
	Buffers *buffer.Pool

	// Timers arms per-request timeouts. Optional; without it requests
	// never time out on their own.
	Timers TimerScheduler

	// RouterNotify, when set, is invoked after every reply send. It is
	// the side channel consumed by an external load balancer.
	RouterNotify func()

	// Metrics counts engine events. Optional; a nil value disables
	// counting.
	Metrics *metrics.Metrics

	// PayloadSize and MinPayloadSize override the packet body bounds.
	PayloadSize    int
	MinPayloadSize int

	// PoolSize overrides the per-pool pair capacity.
	PoolSize int

	// Timestamping folds rx timestamps handed to HandlePacket into the
	// request context and pulls tx timestamps from the backend on reply
	// completion.
	Timestamping bool

	// Rand seeds the request-id generator. Defaults to a time-seeded
	// source.
	Rand rand.Source
}

// Engine is the per-core protocol engine. It owns all per-core state and
// is not safe for concurrent use: exactly one goroutine (the core's run
// loop) may call into it.
type Engine struct {
	backend Backend
	buffers *buffer.Pool
	timers  TimerScheduler
	metrics *metrics.Metrics

	routerNotify func()
	rfn          RecvFunc

	clients        *clientPool
	servers        *serverPool
	pendingClients pendingClients
	pendingServers pendingServers

	rnd     *rand.Rand
	scratch net.Buffers

	payloadSize    int
	minPayloadSize int
	timestamping   bool
}

// NewEngine creates the per-core engine state: pairs pools, pending
// lists, and the request-id generator.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Backend == nil {
		return nil, errors.New("r2p2: Config.Backend is required")
	}
	if cfg.Buffers == nil {
		return nil, errors.New("r2p2: Config.Buffers is required")
	}
	poolSize := cfg.PoolSize
	if poolSize == 0 {
		poolSize = DefaultPoolSize
	}
	payloadSize := cfg.PayloadSize
	if payloadSize == 0 {
		payloadSize = DefaultPayloadSize
	}
	minPayloadSize := cfg.MinPayloadSize
	if minPayloadSize == 0 {
		minPayloadSize = DefaultMinPayloadSize
	}
	if minPayloadSize > payloadSize {
		return nil, errors.Errorf("r2p2: MinPayloadSize %d exceeds PayloadSize %d", minPayloadSize, payloadSize)
	}
	src := cfg.Rand
	if src == nil {
		src = rand.NewSource(time.Now().UnixNano())
	}
	return &Engine{
		backend:        cfg.Backend,
		buffers:        cfg.Buffers,
		timers:         cfg.Timers,
		metrics:        cfg.Metrics,
		routerNotify:   cfg.RouterNotify,
		clients:        newClientPool(poolSize),
		servers:        newServerPool(poolSize),
		rnd:            rand.New(src),
		scratch:        make(net.Buffers, 0, maxPacketsPerMsg),
		payloadSize:    payloadSize,
		minPayloadSize: minPayloadSize,
		timestamping:   cfg.Timestamping,
	}, nil
}

// SetRecvFunc registers the application request handler. It must be set
// before the first request packet arrives.
func (e *Engine) SetRecvFunc(fn RecvFunc) {
	e.rfn = fn
}

// Allocated returns the number of live client and server pairs. Intended
// for leak checks and introspection.
func (e *Engine) Allocated() (clients, servers int) {
	return e.clients.allocated(), e.servers.allocated()
}

// Close tears down every in-flight pair, releasing its buffer chains and
// backend state. The engine must not be used afterwards.
func (e *Engine) Close() error {
	for i := range e.clients.slots {
		cp := &e.clients.slots[i]
		if cp.meta.taken {
			e.pendingClients.remove(cp)
			e.freeClientPair(cp)
		}
	}
	for i := range e.servers.slots {
		sp := &e.servers.slots[i]
		if sp.meta.taken {
			e.pendingServers.remove(sp)
			e.freeServerPair(sp)
		}
	}
	return nil
}

func (e *Engine) freeClientPair(cp *clientPair) {
	if cp.timer != nil {
		cp.timer.Stop()
		cp.timer = nil
	}
	cp.reply.release()
	cp.request.release()
	if cp.conn != nil {
		_ = cp.conn.Close()
		cp.conn = nil
	}
	e.clients.release(cp)
}

func (e *Engine) freeServerPair(sp *serverPair) {
	sp.request.release()
	sp.reply.release()
	e.servers.release(sp)
}
