package cache

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sentinelstack/sentinel-heal/internal/config"
)

// serveRESP runs a minimal RESP server that feeds each parsed command to
// handler and writes back whatever raw reply it returns. It counts accepted
// connections so tests can assert on retry behaviour.
func serveRESP(t *testing.T, handler func(cmd []string) string) (addr string, conns *atomic.Int32) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	conns = &atomic.Int32{}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conns.Add(1)
			go func(c net.Conn) {
				defer c.Close()
				r := bufio.NewReader(c)
				for {
					cmd, err := parseCommand(r)
					if err != nil {
						return
					}
					if _, err := io.WriteString(c, handler(cmd)); err != nil {
						return
					}
				}
			}(conn)
		}
	}()

	return ln.Addr().String(), conns
}

func parseCommand(r *bufio.Reader) ([]string, error) {
	header, err := r.ReadString('\n')
	if err != nil {
		return nil, err
	}
	if !strings.HasPrefix(header, "*") {
		return nil, fmt.Errorf("bad array header %q", header)
	}
	n, err := strconv.Atoi(strings.TrimSpace(header[1:]))
	if err != nil {
		return nil, err
	}

	cmd := make([]string, 0, n)
	for i := 0; i < n; i++ {
		sizeLine, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		size, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(sizeLine, "$")))
		if err != nil {
			return nil, err
		}
		buf := make([]byte, size+2)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		cmd = append(cmd, string(buf[:size]))
	}
	return cmd, nil
}

func testConfig(addr string) config.CacheConfig {
	return config.CacheConfig{
		Addr:         addr,
		DialTimeout:  time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
		MaxRetries:   1,
	}
}

func TestValkeyRoundTrip(t *testing.T) {
	store := map[string]string{}
	addr, _ := serveRESP(t, func(cmd []string) string {
		switch strings.ToUpper(cmd[0]) {
		case "PING":
			return "+PONG\r\n"
		case "SET":
			store[cmd[1]] = cmd[2]
			return "+OK\r\n"
		case "GET":
			v, ok := store[cmd[1]]
			if !ok {
				return "$-1\r\n"
			}
			return fmt.Sprintf("$%d\r\n%s\r\n", len(v), v)
		case "DEL":
			delete(store, cmd[1])
			return ":1\r\n"
		default:
			return "-ERR unknown command\r\n"
		}
	})

	v, err := NewValkey(testConfig(addr), nil)
	if err != nil {
		t.Fatalf("NewValkey: %v", err)
	}

	ctx := context.Background()
	if err := v.Set(ctx, "k", []byte("payload"), 0); err != nil {
		t.Fatalf("Set: %v", err)
	}

	got, err := v.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "payload" {
		t.Fatalf("Get = %q, want %q", got, "payload")
	}

	if err := v.Del(ctx, "k"); err != nil {
		t.Fatalf("Del: %v", err)
	}
	if _, err := v.Get(ctx, "k"); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("Get after Del: err = %v, want ErrCacheMiss", err)
	}
}

func TestValkeySetEncodesTTL(t *testing.T) {
	var setArgs []string
	addr, _ := serveRESP(t, func(cmd []string) string {
		if strings.ToUpper(cmd[0]) == "SET" {
			setArgs = cmd
		}
		if strings.ToUpper(cmd[0]) == "PING" {
			return "+PONG\r\n"
		}
		return "+OK\r\n"
	})

	v, err := NewValkey(testConfig(addr), nil)
	if err != nil {
		t.Fatalf("NewValkey: %v", err)
	}
	if err := v.Set(context.Background(), "k", []byte("x"), time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}

	want := []string{"SET", "k", "x", "PX", "60000"}
	if len(setArgs) != len(want) {
		t.Fatalf("SET args = %v, want %v", setArgs, want)
	}
	for i := range want {
		if setArgs[i] != want[i] {
			t.Fatalf("SET args = %v, want %v", setArgs, want)
		}
	}
}

func TestValkeyServerErrorNotRetried(t *testing.T) {
	addr, conns := serveRESP(t, func(cmd []string) string {
		if strings.ToUpper(cmd[0]) == "PING" {
			return "+PONG\r\n"
		}
		return "-ERR operation not permitted\r\n"
	})

	cfg := testConfig(addr)
	cfg.MaxRetries = 3
	v, err := NewValkey(cfg, nil)
	if err != nil {
		t.Fatalf("NewValkey: %v", err)
	}

	before := conns.Load()
	if _, err := v.Get(context.Background(), "k"); err == nil || !strings.Contains(err.Error(), "operation not permitted") {
		t.Fatalf("Get err = %v, want server error", err)
	}
	if got := conns.Load() - before; got != 1 {
		t.Fatalf("connections for failed Get = %d, want 1", got)
	}
}

func TestNewValkeyRequiresAddr(t *testing.T) {
	if _, err := NewValkey(config.CacheConfig{}, nil); err == nil {
		t.Fatal("expected error for empty addr")
	}
}
