package protocol

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/redcon"

	"github.com/10yihang/shardmigrate/internal/cluster/hash"
	"github.com/10yihang/shardmigrate/internal/cluster/placement"
	"github.com/10yihang/shardmigrate/internal/cluster/router"
	"github.com/10yihang/shardmigrate/internal/engine"
)

type CommandFunc func(ctx context.Context, conn redcon.Conn, args [][]byte)

// WriteFunc runs a write command. w is nil when nothing tracks the shard.
type WriteFunc func(ctx context.Context, conn redcon.Conn, args [][]byte, w router.WriteTicket)

type command struct {
	fn CommandFunc
	// write commands are admitted through the router's write path.
	write WriteFunc
	// keys returns the keys the command touches; nil for keyless commands.
	keys func(args [][]byte) [][]byte
}

// connState holds per-connection state. ASKING is valid for exactly one
// command.
type connState struct {
	asking bool
}

func getConnState(conn redcon.Conn) *connState {
	if st, ok := conn.Context().(*connState); ok {
		return st
	}
	st := &connState{}
	conn.SetContext(st)
	return st
}

type Handler struct {
	kv       engine.KV
	router   router.Router
	holder   *placement.Holder
	commands map[string]command
}

// NewHandler serves kv. router and holder may be nil for a standalone node.
func NewHandler(kv engine.KV, r router.Router, holder *placement.Holder) *Handler {
	h := &Handler{
		kv:       kv,
		router:   r,
		holder:   holder,
		commands: make(map[string]command),
	}
	h.registerCommands()
	return h
}

func firstKey(args [][]byte) [][]byte {
	if len(args) == 0 {
		return nil
	}
	return args[:1]
}

func allKeys(args [][]byte) [][]byte {
	return args
}

func (h *Handler) registerCommands() {
	h.commands["PING"] = command{fn: h.cmdPing}
	h.commands["ECHO"] = command{fn: h.cmdEcho}
	h.commands["ASKING"] = command{fn: h.cmdAsking}
	h.commands["CLUSTER"] = command{fn: h.cmdCluster}

	h.commands["GET"] = command{fn: h.cmdGet, keys: firstKey}
	h.commands["EXISTS"] = command{fn: h.cmdExists, keys: allKeys}
	h.commands["SET"] = command{write: h.cmdSet, keys: firstKey}
	h.commands["DEL"] = command{write: h.cmdDel, keys: allKeys}
}

// Execute runs one command after routing its keys.
func (h *Handler) Execute(ctx context.Context, conn redcon.Conn, name []byte, args [][]byte) {
	cmdName := strings.ToUpper(string(name))
	cmd, ok := h.commands[cmdName]
	if !ok {
		conn.WriteError("ERR unknown command '" + string(name) + "'")
		return
	}

	state := getConnState(conn)
	asking := state.asking
	if cmdName != "ASKING" {
		state.asking = false
	}

	write := cmd.write != nil
	var ticket router.WriteTicket
	if h.router != nil && cmd.keys != nil {
		keys := cmd.keys(args)
		var result router.RouteResult
		switch {
		case len(keys) > 1:
			result = h.router.RouteMulti(ctx, keys, 0, write)
		case len(keys) == 1:
			result = h.router.Route(ctx, keys[0], 0, write, asking)
		default:
			result = router.RouteResult{Local: true}
		}
		if result.Write != nil {
			defer result.Write.Release()
		}
		if !h.handleRouteResult(conn, result) {
			return
		}
		ticket = result.Write
	}

	if write {
		cmd.write(ctx, conn, args, ticket)
		return
	}
	cmd.fn(ctx, conn, args)
}

// replicate copies a local write to migration destinations. The client gets
// TRYAGAIN when that fails; the write is then not acknowledged.
func replicate(ctx context.Context, conn redcon.Conn, w router.WriteTicket, key string, value []byte, deleted bool) bool {
	if w == nil {
		return true
	}
	if err := w.Replicate(ctx, key, value, deleted); err != nil {
		conn.WriteError("TRYAGAIN " + err.Error())
		return false
	}
	return true
}

func (h *Handler) handleRouteResult(conn redcon.Conn, result router.RouteResult) bool {
	if result.CrossShard {
		conn.WriteError("CROSSSLOT Keys in request don't hash to the same slot")
		return false
	}
	if result.Redirect != nil {
		r := result.Redirect
		conn.WriteError(fmt.Sprintf("%s %d %s", r.Type, r.Shard, r.Addr))
		return false
	}
	return result.Local
}

func (h *Handler) shardOf(key []byte) uint32 {
	if h.holder == nil {
		return 0
	}
	t := h.holder.Current()
	if t == nil {
		return 0
	}
	return hash.KeyTokenBytes(key, t.Width())
}

func (h *Handler) cmdPing(_ context.Context, conn redcon.Conn, args [][]byte) {
	if len(args) == 0 {
		conn.WriteString("PONG")
	} else {
		conn.WriteBulk(args[0])
	}
}

func (h *Handler) cmdEcho(_ context.Context, conn redcon.Conn, args [][]byte) {
	if len(args) != 1 {
		conn.WriteError("ERR wrong number of arguments for 'echo' command")
		return
	}
	conn.WriteBulk(args[0])
}

func (h *Handler) cmdAsking(_ context.Context, conn redcon.Conn, _ [][]byte) {
	getConnState(conn).asking = true
	conn.WriteString("OK")
}

func (h *Handler) cmdGet(ctx context.Context, conn redcon.Conn, args [][]byte) {
	if len(args) != 1 {
		conn.WriteError("ERR wrong number of arguments for 'get' command")
		return
	}
	v, err := h.kv.Get(ctx, h.shardOf(args[0]), string(args[0]))
	if errors.Is(err, engine.ErrKeyNotFound) {
		conn.WriteNull()
		return
	}
	if err != nil {
		conn.WriteError("ERR " + err.Error())
		return
	}
	conn.WriteBulk(v)
}

func (h *Handler) cmdSet(ctx context.Context, conn redcon.Conn, args [][]byte, w router.WriteTicket) {
	if len(args) != 2 {
		conn.WriteError("ERR wrong number of arguments for 'set' command")
		return
	}
	key := string(args[0])
	if err := h.kv.Set(ctx, h.shardOf(args[0]), key, args[1]); err != nil {
		conn.WriteError("ERR " + err.Error())
		return
	}
	if !replicate(ctx, conn, w, key, args[1], false) {
		return
	}
	conn.WriteString("OK")
}

func (h *Handler) cmdDel(ctx context.Context, conn redcon.Conn, args [][]byte, w router.WriteTicket) {
	if len(args) == 0 {
		conn.WriteError("ERR wrong number of arguments for 'del' command")
		return
	}
	n := 0
	for _, arg := range args {
		key := string(arg)
		ok, err := h.kv.Del(ctx, h.shardOf(arg), key)
		if err != nil {
			conn.WriteError("ERR " + err.Error())
			return
		}
		if !ok {
			continue
		}
		if !replicate(ctx, conn, w, key, nil, true) {
			return
		}
		n++
	}
	conn.WriteInt(n)
}

func (h *Handler) cmdExists(ctx context.Context, conn redcon.Conn, args [][]byte) {
	if len(args) == 0 {
		conn.WriteError("ERR wrong number of arguments for 'exists' command")
		return
	}
	n := 0
	for _, key := range args {
		_, err := h.kv.Get(ctx, h.shardOf(key), string(key))
		if err == nil {
			n++
		} else if !errors.Is(err, engine.ErrKeyNotFound) {
			conn.WriteError("ERR " + err.Error())
			return
		}
	}
	conn.WriteInt(n)
}

// cmdCluster serves CLUSTER KEYSHARD <key> and CLUSTER VERSION.
func (h *Handler) cmdCluster(_ context.Context, conn redcon.Conn, args [][]byte) {
	if len(args) == 0 {
		conn.WriteError("ERR wrong number of arguments for 'cluster' command")
		return
	}
	switch strings.ToUpper(string(args[0])) {
	case "KEYSHARD", "KEYSLOT":
		if len(args) != 2 {
			conn.WriteError("ERR wrong number of arguments for 'cluster|keyshard' command")
			return
		}
		conn.WriteInt64(int64(h.shardOf(args[1])))
	case "VERSION":
		var v uint64
		if h.holder != nil {
			v = h.holder.Version()
		}
		conn.WriteInt64(int64(v))
	default:
		conn.WriteError("ERR unknown subcommand '" + string(args[0]) + "'")
	}
}
