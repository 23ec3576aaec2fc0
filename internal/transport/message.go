// Package transport carries migration messages between nodes. Sends are
// asynchronous: Send returns once the message is handed off and the reply is
// delivered later through the function registered with OnReply.
package transport

import (
	"bytes"
	"encoding/gob"

	"github.com/pkg/errors"

	"github.com/10yihang/shardmigrate/internal/cluster/placement"
	"github.com/10yihang/shardmigrate/internal/engine"
	errs "github.com/10yihang/shardmigrate/pkg/errors"
)

type Kind uint8

const (
	KindInvalid Kind = iota
	// KindOpenSession asks a source node to run one migration session.
	KindOpenSession
	// KindBegin tells the destination a task is starting.
	KindBegin
	// KindData carries one shard's records.
	KindData
	// KindVerify asks the destination for per-shard counts and digests.
	KindVerify
	// KindCommit tells the destination the sender reached DONE.
	KindCommit
	// KindAbort aborts a session on the peer.
	KindAbort
	// KindPublish installs a new authoritative table.
	KindPublish
	// KindDiscard drops every session leading to a table that will not be published.
	KindDiscard
	// KindReplicate copies a client write to a destination holding a verified shard.
	KindReplicate
	// KindReply is the body of every reply.
	KindReply
)

var kindNames = [...]string{
	KindInvalid:     "invalid",
	KindOpenSession: "open-session",
	KindBegin:       "begin",
	KindData:        "data",
	KindVerify:      "verify",
	KindCommit:      "commit",
	KindAbort:       "abort",
	KindPublish:     "publish",
	KindDiscard:     "discard",
	KindReplicate:   "replicate",
	KindReply:       "reply",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}

// Message is the single envelope exchanged between nodes.
type Message struct {
	Kind    Kind
	From    string
	Session string
	Task    int

	OldVersion uint64
	NewVersion uint64
	Source     string
	Dest       string
	Shards     []uint32

	Shard   uint32
	Records []engine.Record
	Deletes []string
	Stats   map[uint32]engine.Stats
	// Round numbers the copy round of a data message.
	Round int

	Table *placement.TableData

	// Err is set on replies that failed on the remote side.
	Err string
}

// Error returns the remote error carried by a reply, mapped back to its
// sentinel where one matches.
func (m *Message) Error() error {
	if m == nil || m.Err == "" {
		return nil
	}
	return errs.FromString(m.Err)
}

// ReplyTo builds a reply for m, carrying err when non-nil.
func ReplyTo(m *Message, err error) *Message {
	r := &Message{Kind: KindReply, Session: m.Session, Task: m.Task}
	if err != nil {
		r.Err = err.Error()
	}
	return r
}

// Encode serializes m. The returned slice is owned by the caller.
func Encode(m *Message) ([]byte, error) {
	buf := getBuffer()
	defer putBuffer(buf)
	if err := gob.NewEncoder(buf).Encode(m); err != nil {
		return nil, errors.Wrap(err, "encode message")
	}
	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out, nil
}

// Decode parses a message produced by Encode.
func Decode(b []byte) (*Message, error) {
	var m Message
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&m); err != nil {
		return nil, errors.Wrap(err, "decode message")
	}
	return &m, nil
}
