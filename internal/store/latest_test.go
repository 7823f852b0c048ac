package store_test

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetwatch/internal/store"
	"fleetwatch/internal/telemetry"
)

// stalledRedis answers the connection handshake and PING but never replies
// to reads or writes of sensor keys.
type stalledRedis struct {
	ln    net.Listener
	mu    sync.Mutex
	conns []net.Conn
}

func newStalledRedis(t *testing.T) *stalledRedis {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := &stalledRedis{ln: ln}
	go s.serve()
	t.Cleanup(s.close)
	return s
}

func (s *stalledRedis) addr() string { return s.ln.Addr().String() }

func (s *stalledRedis) serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()
		go s.handle(conn)
	}
}

func (s *stalledRedis) handle(conn net.Conn) {
	r := bufio.NewReader(conn)
	for {
		args, err := readCommand(r)
		if err != nil {
			return
		}
		switch strings.ToUpper(args[0]) {
		case "HELLO":
			io.WriteString(conn, "-ERR unknown command 'HELLO'\r\n")
		case "PING":
			io.WriteString(conn, "+PONG\r\n")
		case "EVAL", "EVALSHA", "HGET", "HSET":
		default:
			io.WriteString(conn, "+OK\r\n")
		}
	}
}

func (s *stalledRedis) close() {
	s.ln.Close()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		c.Close()
	}
}

func readCommand(r *bufio.Reader) ([]string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return nil, err
	}
	line = strings.TrimRight(line, "\r\n")
	if !strings.HasPrefix(line, "*") {
		return strings.Fields(line), nil
	}
	n, err := strconv.Atoi(line[1:])
	if err != nil {
		return nil, err
	}

	args := make([]string, 0, n)
	for i := 0; i < n; i++ {
		header, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		size, err := strconv.Atoi(strings.TrimRight(header, "\r\n")[1:])
		if err != nil {
			return nil, err
		}
		buf := make([]byte, size+2)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		args = append(args, string(buf[:size]))
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("empty command")
	}
	return args, nil
}

func TestLatestCacheHonoursDeadline(t *testing.T) {
	server := newStalledRedis(t)
	ctx := context.Background()

	cache, err := store.NewLatestCache(ctx, server.addr(), "", 0, time.Minute)
	require.NoError(t, err)
	defer cache.Close()

	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	r := telemetry.StoredReading{ID: 1, Reading: telemetry.Reading{SensorID: "s1", Temperature: 20, Humidity: 40, Timestamp: "2024-05-01T10:00:00Z", At: at}}

	t.Run("record returns once the context expires", func(t *testing.T) {
		rctx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
		defer cancel()

		started := time.Now()
		err := cache.Record(rctx, r)
		assert.Error(t, err)
		assert.Less(t, time.Since(started), time.Second)
	})

	t.Run("latest returns once the context expires", func(t *testing.T) {
		rctx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
		defer cancel()

		started := time.Now()
		_, err := cache.Latest(rctx, "s1")
		assert.Error(t, err)
		assert.NotErrorIs(t, err, store.ErrNoLatest)
		assert.Less(t, time.Since(started), time.Second)
	})

	t.Run("repeated failures open the breaker", func(t *testing.T) {
		rctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		_ = cache.Record(rctx, r)
		cancel()

		started := time.Now()
		err := cache.Record(context.Background(), r)
		assert.ErrorIs(t, err, gobreaker.ErrOpenState)
		assert.Less(t, time.Since(started), 100*time.Millisecond)
	})
}
