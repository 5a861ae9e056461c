package store

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"
)

// dialTimeout bounds the TCP connect to a store server.
const dialTimeout = 5 * time.Second

// Client is a Store backed by a remote Server. Launched agent processes
// use it to reach the orchestrating process's store through the address in
// their launch environment.
//
// Requests on the main connection are serialized; Subscribe opens a
// dedicated connection per subscription.
type Client struct {
	addr string

	mu     sync.Mutex
	conn   net.Conn
	enc    *json.Encoder
	dec    *json.Decoder
	closed bool
}

var _ Store = (*Client)(nil)

// Dial connects to a store server.
func Dial(addr string) (*Client, error) {
	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial store %s: %w", addr, err)
	}
	return &Client{
		addr: addr,
		conn: conn,
		enc:  json.NewEncoder(conn),
		dec:  json.NewDecoder(bufio.NewReader(conn)),
	}, nil
}

// do runs one request/response round trip on the main connection.
func (c *Client) do(ctx context.Context, req *wireRequest) (*wireResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}

	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetDeadline(deadline)
		defer c.conn.SetDeadline(time.Time{})
	}

	if err := c.enc.Encode(req); err != nil {
		return nil, fmt.Errorf("store %s request: %w", req.Op, err)
	}
	var resp wireResponse
	if err := c.dec.Decode(&resp); err != nil {
		return nil, fmt.Errorf("store %s response: %w", req.Op, err)
	}
	if resp.NotFound {
		return nil, ErrNotFound
	}
	if resp.Err != "" {
		return nil, fmt.Errorf("store %s: %s", req.Op, resp.Err)
	}
	return &resp, nil
}

func (c *Client) Get(ctx context.Context, key string) ([]byte, error) {
	resp, err := c.do(ctx, &wireRequest{Op: opGet, Key: key})
	if err != nil {
		return nil, err
	}
	return resp.Value, nil
}

func (c *Client) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := c.do(ctx, &wireRequest{Op: opSet, Key: key, Value: value, TTLMS: ttl.Milliseconds()})
	return err
}

func (c *Client) Delete(ctx context.Context, key string) error {
	_, err := c.do(ctx, &wireRequest{Op: opDelete, Key: key})
	return err
}

func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	resp, err := c.do(ctx, &wireRequest{Op: opExists, Key: key})
	if err != nil {
		return false, err
	}
	return resp.Bool, nil
}

func (c *Client) Keys(ctx context.Context, prefix string) ([]string, error) {
	resp, err := c.do(ctx, &wireRequest{Op: opKeys, Key: prefix})
	if err != nil {
		return nil, err
	}
	return resp.Strings, nil
}

func (c *Client) SAdd(ctx context.Context, key string, members ...string) error {
	_, err := c.do(ctx, &wireRequest{Op: opSAdd, Key: key, Members: members})
	return err
}

func (c *Client) SRem(ctx context.Context, key string, members ...string) error {
	_, err := c.do(ctx, &wireRequest{Op: opSRem, Key: key, Members: members})
	return err
}

func (c *Client) SMembers(ctx context.Context, key string) ([]string, error) {
	resp, err := c.do(ctx, &wireRequest{Op: opSMembers, Key: key})
	if err != nil {
		return nil, err
	}
	return resp.Strings, nil
}

func (c *Client) HSet(ctx context.Context, key, field string, value []byte) error {
	_, err := c.do(ctx, &wireRequest{Op: opHSet, Key: key, Field: field, Value: value})
	return err
}

func (c *Client) HGet(ctx context.Context, key, field string) ([]byte, error) {
	resp, err := c.do(ctx, &wireRequest{Op: opHGet, Key: key, Field: field})
	if err != nil {
		return nil, err
	}
	return resp.Value, nil
}

func (c *Client) HGetAll(ctx context.Context, key string) (map[string][]byte, error) {
	resp, err := c.do(ctx, &wireRequest{Op: opHGetAll, Key: key})
	if err != nil {
		return nil, err
	}
	if resp.Hash == nil {
		return map[string][]byte{}, nil
	}
	return resp.Hash, nil
}

func (c *Client) HDel(ctx context.Context, key string, fields ...string) error {
	_, err := c.do(ctx, &wireRequest{Op: opHDel, Key: key, Fields: fields})
	return err
}

func (c *Client) LPush(ctx context.Context, key string, values ...[]byte) error {
	_, err := c.do(ctx, &wireRequest{Op: opLPush, Key: key, Values: values})
	return err
}

func (c *Client) LRange(ctx context.Context, key string, start, stop int) ([][]byte, error) {
	resp, err := c.do(ctx, &wireRequest{Op: opLRange, Key: key, Start: start, Stop: stop})
	if err != nil {
		return nil, err
	}
	return resp.Values, nil
}

func (c *Client) LTrim(ctx context.Context, key string, start, stop int) error {
	_, err := c.do(ctx, &wireRequest{Op: opLTrim, Key: key, Start: start, Stop: stop})
	return err
}

func (c *Client) LLen(ctx context.Context, key string) (int, error) {
	resp, err := c.do(ctx, &wireRequest{Op: opLLen, Key: key})
	if err != nil {
		return 0, err
	}
	return int(resp.Int), nil
}

func (c *Client) Incr(ctx context.Context, key string) (int64, error) {
	resp, err := c.do(ctx, &wireRequest{Op: opIncr, Key: key})
	if err != nil {
		return 0, err
	}
	return resp.Int, nil
}

func (c *Client) Expire(ctx context.Context, key string, ttl time.Duration) error {
	_, err := c.do(ctx, &wireRequest{Op: opExpire, Key: key, TTLMS: ttl.Milliseconds()})
	return err
}

func (c *Client) Publish(ctx context.Context, channel string, payload []byte) error {
	_, err := c.do(ctx, &wireRequest{Op: opPublish, Channel: channel, Value: payload})
	return err
}

// Subscribe opens a dedicated connection the server streams messages down.
// The returned cancel function closes it.
func (c *Client) Subscribe(ctx context.Context, channel string) (<-chan Message, func(), error) {
	conn, err := net.DialTimeout("tcp", c.addr, dialTimeout)
	if err != nil {
		return nil, nil, fmt.Errorf("dial store %s: %w", c.addr, err)
	}
	enc := json.NewEncoder(conn)
	dec := json.NewDecoder(bufio.NewReader(conn))

	if err := enc.Encode(&wireRequest{Op: opSubscribe, Channel: channel}); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("store subscribe: %w", err)
	}
	var ack wireResponse
	if err := dec.Decode(&ack); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("store subscribe: %w", err)
	}
	if ack.Err != "" {
		conn.Close()
		return nil, nil, fmt.Errorf("store subscribe: %s", ack.Err)
	}

	msgs := make(chan Message, subscriberBuffer)
	stop := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(stop)
			conn.Close()
		})
	}

	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-stop:
		}
	}()
	go func() {
		defer close(msgs)
		defer cancel()
		for {
			var resp wireResponse
			if err := dec.Decode(&resp); err != nil {
				return
			}
			if resp.Message == nil {
				continue
			}
			select {
			case msgs <- Message{Channel: resp.Message.Channel, Payload: resp.Message.Payload}:
			case <-stop:
				return
			}
		}
	}()

	return msgs, cancel, nil
}

// Close closes the main connection. In-flight subscriptions are closed by
// their own cancel functions or by the server going away.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}
