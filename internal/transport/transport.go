package transport

import (
	"context"
)

// Handler serves messages addressed to this node. A nil reply with a nil
// error is answered with an empty reply.
type Handler interface {
	HandleMessage(ctx context.Context, from string, msg *Message) (*Message, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, from string, msg *Message) (*Message, error)

func (f HandlerFunc) HandleMessage(ctx context.Context, from string, msg *Message) (*Message, error) {
	return f(ctx, from, msg)
}

// ReplyFunc receives the outcome of the request sent with id. err is set
// for transport failures and for remote handler errors.
type ReplyFunc func(id uint64, reply *Message, err error)

// Transport is the consumed RPC interface. Send never waits for the reply.
type Transport interface {
	Send(ctx context.Context, id uint64, to string, msg *Message) error
	OnReply(fn ReplyFunc)
	Serve(h Handler) error
	Close() error
}

// Resolver maps a node id to its address.
type Resolver func(nodeID string) (string, error)
