package transport

import (
	"bufio"
	"context"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/tidwall/redcon"

	"github.com/10yihang/shardmigrate/internal/logger"
	errs "github.com/10yihang/shardmigrate/pkg/errors"
)

const migrateCommand = "MIGRATE"

type RESPConfig struct {
	// Addr is the listen address of the cluster bus.
	Addr        string
	DialTimeout time.Duration
	// IOTimeout bounds a request without a context deadline.
	IOTimeout time.Duration
	// MaxIdle is the number of idle connections kept per peer.
	MaxIdle int
}

func DefaultRESPConfig() RESPConfig {
	return RESPConfig{
		Addr:        ":17000",
		DialTimeout: 2 * time.Second,
		IOTimeout:   30 * time.Second,
		MaxIdle:     4,
	}
}

// RESPTransport speaks RESP on the cluster bus. Each request is a
// "MIGRATE <gob body>" command answered with a bulk gob reply or an error.
type RESPTransport struct {
	id      string
	cfg     RESPConfig
	resolve Resolver
	logger  logger.Logger

	mu      sync.RWMutex
	handler Handler
	onReply ReplyFunc
	server  *redcon.Server
	ln      net.Listener
	idle    map[string][]*peerConn
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type peerConn struct {
	net.Conn
	rd *bufio.Reader
	wr *redcon.Writer
}

func NewRESPTransport(id string, cfg RESPConfig, resolve Resolver, log logger.Logger) *RESPTransport {
	if log == nil {
		log = logger.NopLogger
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &RESPTransport{
		id:      id,
		cfg:     cfg,
		resolve: resolve,
		logger:  log.WithPrefix("transport: "),
		idle:    make(map[string][]*peerConn),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (t *RESPTransport) OnReply(fn ReplyFunc) {
	t.mu.Lock()
	t.onReply = fn
	t.mu.Unlock()
}

// Serve starts listening and returns once the listener is bound.
func (t *RESPTransport) Serve(h Handler) error {
	ln, err := net.Listen("tcp", t.cfg.Addr)
	if err != nil {
		return errors.Wrapf(err, "listen %s", t.cfg.Addr)
	}

	srv := redcon.NewServer(t.cfg.Addr,
		t.handleCommand,
		func(conn redcon.Conn) bool { return true },
		func(conn redcon.Conn, err error) {},
	)

	t.mu.Lock()
	t.handler = h
	t.server = srv
	t.ln = ln
	t.mu.Unlock()

	t.logger.Infof("cluster bus listening on %s", ln.Addr())
	go func() {
		if err := srv.Serve(ln); err != nil {
			t.logger.Debugf("serve: %v", err)
		}
	}()
	return nil
}

// Addr returns the bound listen address.
func (t *RESPTransport) Addr() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.ln != nil {
		return t.ln.Addr().String()
	}
	return t.cfg.Addr
}

func (t *RESPTransport) handleCommand(conn redcon.Conn, cmd redcon.Command) {
	if len(cmd.Args) == 0 {
		conn.WriteError("ERR empty command")
		return
	}
	switch strings.ToUpper(string(cmd.Args[0])) {
	case "PING":
		conn.WriteString("PONG")
	case migrateCommand:
		if len(cmd.Args) != 2 {
			conn.WriteError("ERR wrong number of arguments for 'migrate' command")
			return
		}
		t.serveMigrate(conn, cmd.Args[1])
	default:
		conn.WriteError("ERR unknown command '" + string(cmd.Args[0]) + "'")
	}
}

func (t *RESPTransport) serveMigrate(conn redcon.Conn, body []byte) {
	msg, err := Decode(body)
	if err != nil {
		conn.WriteError("ERR " + err.Error())
		return
	}

	t.mu.RLock()
	h := t.handler
	t.mu.RUnlock()
	if h == nil {
		conn.WriteError("ERR " + errs.ErrClosed.Error())
		return
	}

	reply, err := h.HandleMessage(t.ctx, msg.From, msg)
	if reply == nil || err != nil {
		reply = ReplyTo(msg, err)
	}
	raw, err := Encode(reply)
	if err != nil {
		conn.WriteError("ERR " + err.Error())
		return
	}
	conn.WriteBulk(raw)
}

func (t *RESPTransport) Send(ctx context.Context, id uint64, to string, msg *Message) error {
	t.mu.RLock()
	closed := t.closed
	t.mu.RUnlock()
	if closed {
		return errs.ErrClosed
	}

	addr, err := t.resolve(to)
	if err != nil {
		return err
	}

	m := *msg
	m.From = t.id
	raw, err := Encode(&m)
	if err != nil {
		return err
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(t.cfg.IOTimeout)
	}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		reply, err := t.roundTrip(addr, raw, deadline)
		if err != nil {
			t.deliver(id, nil, err)
			return
		}
		t.deliver(id, reply, reply.Error())
	}()
	return nil
}

func (t *RESPTransport) roundTrip(addr string, body []byte, deadline time.Time) (*Message, error) {
	pc, err := t.getConn(addr)
	if err != nil {
		return nil, err
	}
	_ = pc.SetDeadline(deadline)

	pc.wr.WriteArray(2)
	pc.wr.WriteBulkString(migrateCommand)
	pc.wr.WriteBulk(body)
	if err := pc.wr.Flush(); err != nil {
		pc.Close()
		return nil, errors.Wrapf(err, "write to %s", addr)
	}

	raw, err := readBulk(pc.rd)
	if err != nil {
		var remote *remoteError
		if errors.As(err, &remote) {
			t.putConn(addr, pc)
			return nil, errs.FromString(remote.msg)
		}
		pc.Close()
		return nil, errors.Wrapf(err, "read from %s", addr)
	}
	t.putConn(addr, pc)
	return Decode(raw)
}

func (t *RESPTransport) getConn(addr string) (*peerConn, error) {
	t.mu.Lock()
	if conns := t.idle[addr]; len(conns) > 0 {
		pc := conns[len(conns)-1]
		t.idle[addr] = conns[:len(conns)-1]
		t.mu.Unlock()
		return pc, nil
	}
	t.mu.Unlock()

	c, err := net.DialTimeout("tcp", addr, t.cfg.DialTimeout)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", addr)
	}
	return &peerConn{Conn: c, rd: bufio.NewReader(c), wr: redcon.NewWriter(c)}, nil
}

func (t *RESPTransport) putConn(addr string, pc *peerConn) {
	_ = pc.SetDeadline(time.Time{})
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || len(t.idle[addr]) >= t.cfg.MaxIdle {
		pc.Close()
		return
	}
	t.idle[addr] = append(t.idle[addr], pc)
}

func (t *RESPTransport) deliver(id uint64, reply *Message, err error) {
	t.mu.RLock()
	fn := t.onReply
	t.mu.RUnlock()
	if fn != nil {
		fn(id, reply, err)
	}
}

func (t *RESPTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	srv := t.server
	for addr, conns := range t.idle {
		for _, pc := range conns {
			pc.Close()
		}
		delete(t.idle, addr)
	}
	t.mu.Unlock()

	t.cancel()
	var err error
	if srv != nil {
		err = srv.Close()
	}
	t.wg.Wait()
	return err
}

type remoteError struct {
	msg string
}

func (e *remoteError) Error() string { return e.msg }

// readBulk reads one RESP reply that must be a bulk string or an error.
func readBulk(rd *bufio.Reader) ([]byte, error) {
	line, err := rd.ReadString('\n')
	if err != nil {
		return nil, err
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return nil, errors.New("empty reply")
	}

	switch line[0] {
	case '-':
		return nil, &remoteError{msg: strings.TrimPrefix(line[1:], "ERR ")}
	case '$':
		n, err := strconv.Atoi(line[1:])
		if err != nil {
			return nil, errors.Wrapf(err, "bad bulk length %q", line)
		}
		if n < 0 {
			return nil, errors.New("nil reply")
		}
		buf := make([]byte, n+2)
		if _, err := io.ReadFull(rd, buf); err != nil {
			return nil, err
		}
		return buf[:n], nil
	default:
		return nil, errors.Errorf("unexpected reply %q", line)
	}
}
