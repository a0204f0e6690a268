// Package transport is the runtime around the protocol engine: UDP
// sockets, the per-core run loop that serializes all engine access, the
// request timers, and (on linux) the socket timestamping pipeline.
package transport

import (
	"context"
	"net"
	"net/netip"
	"time"

	"github.com/datawire/dlib/derror"
	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dhttp"
	"github.com/datawire/dlib/dlog"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sethvargo/go-envconfig"

	"github.com/yongming/r2p2/pkg/buffer"
	"github.com/yongming/r2p2/pkg/metrics"
	"github.com/yongming/r2p2/pkg/r2p2"
)

// ErrTimeout is returned by Call when the request timer fires before the
// reply completes.
var ErrTimeout = errors.New("transport: request timed out")

// Config is the runtime configuration, populated from the environment and
// optionally overridden by CLI flags.
type Config struct {
	ListenAddr     string        `env:"R2P2_LISTEN,default=:8000"`
	PayloadSize    int           `env:"R2P2_PAYLOAD_SIZE,default=1464"`
	MinPayloadSize int           `env:"R2P2_MIN_PAYLOAD_SIZE,default=64"`
	PoolSize       int           `env:"R2P2_POOL_SIZE,default=1024"`
	BufferCount    int           `env:"R2P2_BUFFER_COUNT,default=4096"`
	RequestTimeout time.Duration `env:"R2P2_REQUEST_TIMEOUT,default=5s"`
	Timestamping   bool          `env:"R2P2_TIMESTAMPING,default=false"`
	MetricsAddr    string        `env:"R2P2_METRICS_ADDR"`
}

// ConfigFromEnv reads the runtime configuration from the environment.
func ConfigFromEnv(ctx context.Context) (*Config, error) {
	cfg := &Config{}
	if err := envconfig.Process(ctx, cfg); err != nil {
		return nil, errors.Wrap(err, "process environment")
	}
	return cfg, nil
}

// Node is one core's worth of runtime: an engine, a listening socket, and
// the run loop that is the only goroutine ever touching the engine.
// Socket readers and expired timers post closures into the loop.
type Node struct {
	cfg     Config
	engine  *r2p2.Engine
	backend *udpBackend
	buffers *buffer.Pool
	metrics *metrics.Metrics
	local   netip.AddrPort

	tasks  chan func(context.Context)
	closed chan struct{}
}

// NewNode binds the listening socket and assembles the engine.
func NewNode(ctx context.Context, cfg Config) (*Node, error) {
	if cfg.PayloadSize == 0 {
		cfg.PayloadSize = r2p2.DefaultPayloadSize
	}
	if cfg.MinPayloadSize == 0 {
		cfg.MinPayloadSize = r2p2.DefaultMinPayloadSize
	}
	if cfg.BufferCount == 0 {
		cfg.BufferCount = 4096
	}
	addr, err := net.ResolveUDPAddr("udp", cfg.ListenAddr)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve %q", cfg.ListenAddr)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "listen %q", cfg.ListenAddr)
	}
	if cfg.Timestamping {
		if err := enableTimestamping(conn); err != nil {
			_ = conn.Close()
			return nil, errors.Wrap(err, "enable timestamping")
		}
	}

	n := &Node{
		cfg:    cfg,
		tasks:  make(chan func(context.Context), 1024),
		closed: make(chan struct{}),
	}
	n.local = conn.LocalAddr().(*net.UDPAddr).AddrPort()
	n.buffers = buffer.NewPool(cfg.BufferCount, r2p2.HeaderLen+cfg.PayloadSize)
	n.backend = &udpBackend{node: n, listener: conn}
	if cfg.MetricsAddr != "" {
		n.metrics = metrics.New(prometheus.DefaultRegisterer)
	}

	eng, err := r2p2.NewEngine(r2p2.Config{
		Backend:        n.backend,
		Buffers:        n.buffers,
		Timers:         loopTimers{node: n},
		Metrics:        n.metrics,
		PayloadSize:    cfg.PayloadSize,
		MinPayloadSize: cfg.MinPayloadSize,
		PoolSize:       cfg.PoolSize,
		Timestamping:   cfg.Timestamping,
	})
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	n.engine = eng
	return n, nil
}

// LocalAddr returns the bound listener endpoint.
func (n *Node) LocalAddr() netip.AddrPort {
	return n.local
}

// post hands fn to the run loop. It is a no-op after shutdown.
func (n *Node) post(fn func(context.Context)) {
	select {
	case n.tasks <- fn:
	case <-n.closed:
	}
}

// SetHandler registers the application request handler. fn receives the
// flattened request payload and returns the reply payload. It runs inline
// on the run loop and must not block.
func (n *Node) SetHandler(fn func(ctx context.Context, req []byte) []byte) {
	n.post(func(ctx context.Context) {
		n.engine.SetRecvFunc(func(h r2p2.ServerHandle, iov net.Buffers) {
			resp := fn(ctx, flatten(iov))
			if err := n.engine.SendResponse(ctx, h, net.Buffers{resp}); err != nil {
				dlog.Errorf(ctx, "send response: %v", err)
			}
		})
	})
}

// Call issues one request and blocks until the reply, a timeout, or ctx
// cancellation.
func (n *Node) Call(ctx context.Context, dst netip.AddrPort, payload []byte) ([]byte, error) {
	type result struct {
		data []byte
		err  error
	}
	ch := make(chan result, 1)
	n.post(func(lctx context.Context) {
		cx := &r2p2.Ctx{
			Destination: dst,
			Timeout:     n.cfg.RequestTimeout,
			OnSuccess: func(h r2p2.ClientHandle, _ interface{}, iov net.Buffers) {
				data := flatten(iov)
				n.engine.ReplyDone(lctx, h)
				ch <- result{data: data}
			},
			OnTimeout: func(interface{}) {
				ch <- result{err: ErrTimeout}
			},
			OnError: func(_ interface{}, code int) {
				ch <- result{err: errors.Errorf("transport: request failed with code %d", code)}
			},
		}
		if err := n.engine.SendRequest(lctx, net.Buffers{payload}, cx); err != nil {
			ch <- result{err: err}
		}
	})
	select {
	case r := <-ch:
		return r.data, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Run serves the node until ctx is cancelled.
func (n *Node) Run(ctx context.Context) error {
	g := dgroup.NewGroup(ctx, dgroup.GroupConfig{})
	g.Go("engine-loop", n.runLoop)
	g.Go("udp-listener", func(ctx context.Context) error {
		go func() {
			<-ctx.Done()
			_ = n.backend.listener.Close()
		}()
		return n.readLoop(ctx, n.backend.listener, n.local)
	})
	if n.cfg.MetricsAddr != "" {
		g.Go("metrics", func(ctx context.Context) error {
			sc := &dhttp.ServerConfig{Handler: promhttp.Handler()}
			return sc.ListenAndServe(ctx, n.cfg.MetricsAddr)
		})
	}
	err := g.Wait()

	var errs error
	close(n.closed)
	// The loop goroutine is gone; tear down in-flight pairs and their
	// request sockets from here.
	if cerr := n.engine.Close(); cerr != nil {
		errs = multierror.Append(errs, cerr)
	}
	if cerr := n.backend.listener.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
		errs = multierror.Append(errs, cerr)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		errs = multierror.Append(errs, err)
	}
	return errs
}

// runLoop executes posted closures one at a time. It is the engine's
// single core.
func (n *Node) runLoop(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = derror.PanicToError(r)
			dlog.Errorf(ctx, "%+v", err)
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case fn := <-n.tasks:
			fn(ctx)
		}
	}
}

// readLoop reads datagrams from c and posts them to the run loop. It
// serves both the shared listener and the per-request client sockets, and
// returns cleanly when the socket is closed under it.
func (n *Node) readLoop(ctx context.Context, c *net.UDPConn, local netip.AddrPort) error {
	buf := make([]byte, r2p2.HeaderLen+n.cfg.PayloadSize)
	oob := make([]byte, 512)
	for {
		var (
			nb   int
			src  netip.AddrPort
			err  error
			rxTS time.Time
		)
		if n.cfg.Timestamping {
			var oobn int
			nb, oobn, _, src, err = c.ReadMsgUDPAddrPort(buf, oob)
			if err == nil && oobn > 0 {
				rxTS = rxTimestamp(oob[:oobn])
			}
		} else {
			nb, src, err = c.ReadFromUDPAddrPort(buf)
		}
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return errors.Wrap(err, "read")
		}
		data := make([]byte, nb)
		copy(data, buf[:nb])
		n.post(func(ctx context.Context) {
			gb := n.buffers.Get()
			copy(gb.Payload(), data)
			n.engine.HandlePacket(ctx, gb, len(data), src, local, rxTS)
		})
	}
}

func flatten(iov net.Buffers) []byte {
	total := 0
	for _, v := range iov {
		total += len(v)
	}
	out := make([]byte, 0, total)
	for _, v := range iov {
		out = append(out, v...)
	}
	return out
}

// loopTimers schedules request timeouts that fire on the run loop.
type loopTimers struct {
	node *Node
}

func (t loopTimers) Schedule(d time.Duration, fn func()) r2p2.Timer {
	return time.AfterFunc(d, func() {
		t.node.post(func(context.Context) { fn() })
	})
}

// udpBackend implements r2p2.Backend over kernel UDP sockets. Replies and
// ACKs go out the shared listener; each outbound request gets a connected
// socket of its own so that its response (and tx timestamp) can be tied
// back to the pair.
type udpBackend struct {
	node     *Node
	listener *net.UDPConn
}

// requestConn is the per-request backend state: the connected socket and
// its reader goroutine.
type requestConn struct {
	udp   *net.UDPConn
	local netip.AddrPort
}

func (c *requestConn) Close() error {
	return c.udp.Close()
}

func (c *requestConn) LocalAddr() netip.AddrPort {
	return c.local
}

func (b *udpBackend) PrepareToSend(cx *r2p2.Ctx) (r2p2.Conn, error) {
	c, err := net.DialUDP("udp", nil, net.UDPAddrFromAddrPort(cx.Destination))
	if err != nil {
		return nil, err
	}
	if b.node.cfg.Timestamping {
		if err := enableTimestamping(c); err != nil {
			_ = c.Close()
			return nil, err
		}
	}
	rc := &requestConn{udp: c, local: c.LocalAddr().(*net.UDPAddr).AddrPort()}

	// The response arrives on this socket; feed it into the loop like
	// the listener does. The reader exits when the pair teardown closes
	// the socket.
	go func() {
		_ = b.node.readLoop(context.Background(), c, rc.local)
	}()
	return rc, nil
}

func (b *udpBackend) Send(chain *buffer.Buf, dst r2p2.HostTuple, c r2p2.Conn) error {
	for gb := chain; gb != nil; gb = gb.Next() {
		var err error
		if rc, ok := c.(*requestConn); ok && rc != nil {
			_, err = rc.udp.Write(gb.Payload()[:gb.Len()])
		} else {
			_, err = b.listener.WriteToUDPAddrPort(gb.Payload()[:gb.Len()], dst)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// TxTimestamp reports the transmit timestamp of the request socket, when
// the platform supports it.
func (b *udpBackend) TxTimestamp(c r2p2.Conn) (time.Time, error) {
	rc, ok := c.(*requestConn)
	if !ok {
		return time.Time{}, errors.New("transport: not a request conn")
	}
	return txTimestamp(rc.udp)
}
