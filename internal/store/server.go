package store

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// Wire operation names. One request maps to one Store method; "subscribe"
// switches the connection into a one-way message stream.
const (
	opGet       = "get"
	opSet       = "set"
	opDelete    = "delete"
	opExists    = "exists"
	opKeys      = "keys"
	opSAdd      = "sadd"
	opSRem      = "srem"
	opSMembers  = "smembers"
	opHSet      = "hset"
	opHGet      = "hget"
	opHGetAll   = "hgetall"
	opHDel      = "hdel"
	opLPush     = "lpush"
	opLRange    = "lrange"
	opLTrim     = "ltrim"
	opLLen      = "llen"
	opIncr      = "incr"
	opExpire    = "expire"
	opPublish   = "publish"
	opSubscribe = "subscribe"
)

// wireRequest is one client request, encoded as a JSON line.
type wireRequest struct {
	Op      string   `json:"op"`
	Key     string   `json:"key,omitempty"`
	Field   string   `json:"field,omitempty"`
	Fields  []string `json:"fields,omitempty"`
	Members []string `json:"members,omitempty"`
	Value   []byte   `json:"value,omitempty"`
	Values  [][]byte `json:"values,omitempty"`
	TTLMS   int64    `json:"ttl_ms,omitempty"`
	Start   int      `json:"start"`
	Stop    int      `json:"stop"`
	Channel string   `json:"channel,omitempty"`
}

// wireMessage is one pub/sub delivery pushed down a subscribed connection.
type wireMessage struct {
	Channel string `json:"channel"`
	Payload []byte `json:"payload,omitempty"`
}

// wireResponse is one server reply. Exactly one result field is set,
// matching the request's operation.
type wireResponse struct {
	Err      string            `json:"err,omitempty"`
	NotFound bool              `json:"not_found,omitempty"`
	Bool     bool              `json:"bool,omitempty"`
	Int      int64             `json:"int,omitempty"`
	Value    []byte            `json:"value,omitempty"`
	Values   [][]byte          `json:"values,omitempty"`
	Strings  []string          `json:"strings,omitempty"`
	Hash     map[string][]byte `json:"hash,omitempty"`
	Message  *wireMessage      `json:"message,omitempty"`
}

// Server exposes a Store to other processes over TCP with a line-delimited
// JSON protocol. It is the parent-side half of the process-mode launch
// contract: the orchestrating process serves its store, launched agents
// connect back with Dial using the address from their environment.
type Server struct {
	inner Store

	mu     sync.Mutex
	ln     net.Listener
	conns  map[net.Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

// NewServer creates a server over the given store.
func NewServer(inner Store) *Server {
	return &Server{inner: inner, conns: make(map[net.Conn]struct{})}
}

// Listen binds addr ("host:port"; port 0 picks a free one) and serves
// until Close. Returns the bound address.
func (s *Server) Listen(addr string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrClosed
	}
	if s.ln != nil {
		return "", fmt.Errorf("store server: already listening on %s", s.ln.Addr())
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("store server listen: %w", err)
	}
	s.ln = ln
	s.wg.Add(1)
	go s.acceptLoop(ln)
	return ln.Addr().String(), nil
}

// Addr returns the bound address, or "" before Listen.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.serveConn(conn)
	}
}

func (s *Server) serveConn(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	dec := json.NewDecoder(bufio.NewReader(conn))
	enc := json.NewEncoder(conn)
	for {
		var req wireRequest
		if err := dec.Decode(&req); err != nil {
			return
		}
		if req.Op == opSubscribe {
			// The connection becomes a one-way stream; no further
			// requests are read from it.
			s.streamSubscription(conn, enc, req.Channel)
			return
		}
		if err := enc.Encode(s.handle(&req)); err != nil {
			return
		}
	}
}

// handle executes one request against the inner store.
func (s *Server) handle(req *wireRequest) *wireResponse {
	ctx := context.Background()
	var resp wireResponse
	var err error

	switch req.Op {
	case opGet:
		resp.Value, err = s.inner.Get(ctx, req.Key)
	case opSet:
		err = s.inner.Set(ctx, req.Key, req.Value, time.Duration(req.TTLMS)*time.Millisecond)
	case opDelete:
		err = s.inner.Delete(ctx, req.Key)
	case opExists:
		resp.Bool, err = s.inner.Exists(ctx, req.Key)
	case opKeys:
		resp.Strings, err = s.inner.Keys(ctx, req.Key)
	case opSAdd:
		err = s.inner.SAdd(ctx, req.Key, req.Members...)
	case opSRem:
		err = s.inner.SRem(ctx, req.Key, req.Members...)
	case opSMembers:
		resp.Strings, err = s.inner.SMembers(ctx, req.Key)
	case opHSet:
		err = s.inner.HSet(ctx, req.Key, req.Field, req.Value)
	case opHGet:
		resp.Value, err = s.inner.HGet(ctx, req.Key, req.Field)
	case opHGetAll:
		resp.Hash, err = s.inner.HGetAll(ctx, req.Key)
	case opHDel:
		err = s.inner.HDel(ctx, req.Key, req.Fields...)
	case opLPush:
		err = s.inner.LPush(ctx, req.Key, req.Values...)
	case opLRange:
		resp.Values, err = s.inner.LRange(ctx, req.Key, req.Start, req.Stop)
	case opLTrim:
		err = s.inner.LTrim(ctx, req.Key, req.Start, req.Stop)
	case opLLen:
		var n int
		n, err = s.inner.LLen(ctx, req.Key)
		resp.Int = int64(n)
	case opIncr:
		resp.Int, err = s.inner.Incr(ctx, req.Key)
	case opExpire:
		err = s.inner.Expire(ctx, req.Key, time.Duration(req.TTLMS)*time.Millisecond)
	case opPublish:
		err = s.inner.Publish(ctx, req.Channel, req.Value)
	default:
		err = fmt.Errorf("unknown op %q", req.Op)
	}

	if errors.Is(err, ErrNotFound) {
		return &wireResponse{NotFound: true}
	}
	if err != nil {
		return &wireResponse{Err: err.Error()}
	}
	return &resp
}

// streamSubscription forwards published messages down the connection until
// either side closes it.
func (s *Server) streamSubscription(conn net.Conn, enc *json.Encoder, channel string) {
	msgs, cancel, err := s.inner.Subscribe(context.Background(), channel)
	if err != nil {
		enc.Encode(&wireResponse{Err: err.Error()})
		return
	}
	defer cancel()

	// Ack so the client knows the subscription is live before anything
	// gets published.
	if err := enc.Encode(&wireResponse{}); err != nil {
		return
	}

	// Detect the client hanging up; cancel closes msgs and unblocks the
	// forwarding loop.
	go func() {
		io.Copy(io.Discard, conn)
		cancel()
	}()

	for msg := range msgs {
		if err := enc.Encode(&wireResponse{Message: &wireMessage{Channel: msg.Channel, Payload: msg.Payload}}); err != nil {
			return
		}
	}
}

// Close stops accepting, drops every connection, and waits for handlers to
// finish. The inner store is not closed; it belongs to the caller.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ln := s.ln
	conns := make([]net.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}
	for _, c := range conns {
		c.Close()
	}
	s.wg.Wait()
	return err
}
