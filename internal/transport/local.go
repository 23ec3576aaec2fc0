package transport

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	errs "github.com/10yihang/shardmigrate/pkg/errors"
)

// Fault is what a Network does with one message.
type Fault int

const (
	FaultNone Fault = iota
	// FaultDrop loses the message; no reply is ever delivered.
	FaultDrop
	// FaultFail fails the send with a transport error.
	FaultFail
	// FaultDropReply delivers the message but loses the reply.
	FaultDropReply
)

// FaultFunc decides the fault for a message about to be delivered.
type FaultFunc func(from, to string, msg *Message) Fault

// ErrUnreachable is returned for sends to a node that left the network or
// that a FaultFail rule rejected.
var ErrUnreachable = errors.New("node unreachable")

// Network is an in-process transport fabric. Every message is encoded and
// decoded on the way, so peers never share memory.
type Network struct {
	mu    sync.RWMutex
	nodes map[string]*Local
	fault FaultFunc
	wg    sync.WaitGroup
}

func NewNetwork() *Network {
	return &Network{nodes: make(map[string]*Local)}
}

// Join attaches a node to the network, replacing any node with the same id.
func (n *Network) Join(id string) *Local {
	l := &Local{net: n, id: id}
	n.mu.Lock()
	n.nodes[id] = l
	n.mu.Unlock()
	return l
}

// Leave detaches a node; later sends to it fail.
func (n *Network) Leave(id string) {
	n.mu.Lock()
	delete(n.nodes, id)
	n.mu.Unlock()
}

// SetFault installs a fault rule; nil clears it.
func (n *Network) SetFault(f FaultFunc) {
	n.mu.Lock()
	n.fault = f
	n.mu.Unlock()
}

// Wait blocks until every in-flight delivery finished.
func (n *Network) Wait() {
	n.wg.Wait()
}

func (n *Network) lookup(from, to string, msg *Message) (*Local, Fault) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	peer := n.nodes[to]
	f := FaultNone
	if n.fault != nil {
		f = n.fault(from, to, msg)
	}
	return peer, f
}

// Local is one node's endpoint on a Network.
type Local struct {
	net *Network
	id  string

	mu      sync.RWMutex
	handler Handler
	onReply ReplyFunc
	closed  bool
}

func (l *Local) ID() string { return l.id }

func (l *Local) OnReply(fn ReplyFunc) {
	l.mu.Lock()
	l.onReply = fn
	l.mu.Unlock()
}

func (l *Local) Serve(h Handler) error {
	l.mu.Lock()
	l.handler = h
	l.mu.Unlock()
	return nil
}

func (l *Local) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	l.net.Leave(l.id)
	return nil
}

func (l *Local) Send(ctx context.Context, id uint64, to string, msg *Message) error {
	l.mu.RLock()
	closed := l.closed
	l.mu.RUnlock()
	if closed {
		return errs.ErrClosed
	}

	m := *msg
	m.From = l.id
	raw, err := Encode(&m)
	if err != nil {
		return err
	}

	peer, fault := l.net.lookup(l.id, to, &m)
	if peer == nil {
		return errors.Wrapf(errs.ErrUnknownNode, "node %s", to)
	}

	l.net.wg.Add(1)
	go func() {
		defer l.net.wg.Done()
		switch fault {
		case FaultDrop:
			return
		case FaultFail:
			l.deliver(id, nil, errors.Wrapf(ErrUnreachable, "send %s to %s", m.Kind, to))
			return
		}

		in, err := Decode(raw)
		if err != nil {
			l.deliver(id, nil, err)
			return
		}
		reply, err := peer.handle(context.Background(), l.id, in)
		if fault == FaultDropReply {
			return
		}
		if err != nil {
			l.deliver(id, nil, err)
			return
		}
		l.deliver(id, reply, reply.Error())
	}()
	return nil
}

// handle runs the peer's handler and round-trips the reply through the codec.
func (l *Local) handle(ctx context.Context, from string, msg *Message) (*Message, error) {
	l.mu.RLock()
	h := l.handler
	closed := l.closed
	l.mu.RUnlock()
	if closed || h == nil {
		return nil, errors.Wrapf(ErrUnreachable, "node %s not serving", l.id)
	}

	reply, err := h.HandleMessage(ctx, from, msg)
	if reply == nil || err != nil {
		reply = ReplyTo(msg, err)
	}
	raw, err := Encode(reply)
	if err != nil {
		return nil, err
	}
	return Decode(raw)
}

func (l *Local) deliver(id uint64, reply *Message, err error) {
	l.mu.RLock()
	fn := l.onReply
	l.mu.RUnlock()
	if fn != nil {
		fn(id, reply, err)
	}
}
