package cache

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/sentinelstack/sentinel-heal/internal/config"
	"github.com/sentinelstack/sentinel-heal/internal/utils"
)

// Valkey talks RESP to a Valkey or Redis-compatible server. Connections are
// opened per operation; the engine writes one small snapshot per incident
// mutation, so a pool would buy nothing here.
type Valkey struct {
	cfg    config.CacheConfig
	logger *slog.Logger
}

// NewValkey verifies connectivity with a PING before returning the provider,
// so a misconfigured address or bad credentials fail at startup.
func NewValkey(cfg config.CacheConfig, logger *slog.Logger) (*Valkey, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Addr == "" {
		return nil, utils.NewAppError("cache.NewValkey", "valkey address is required", nil)
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 2 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 500 * time.Millisecond
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = cfg.ReadTimeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 1
	}

	v := &Valkey{cfg: cfg, logger: logger}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()
	if err := v.ping(ctx); err != nil {
		return nil, utils.NewAppError("cache.NewValkey", "valkey ping failed", err)
	}

	logger.Info("valkey cache connected", "addr", cfg.Addr, "db", cfg.DB)
	return v, nil
}

// Get fetches bytes by key, returning ErrCacheMiss when the key is absent.
func (v *Valkey) Get(ctx context.Context, key string) ([]byte, error) {
	rep, err := v.roundTrip(ctx, []byte("GET"), []byte(key))
	if err != nil {
		return nil, err
	}
	switch rep.kind {
	case replyNull:
		return nil, ErrCacheMiss
	case replyBulk:
		return rep.data, nil
	default:
		return nil, fmt.Errorf("unexpected GET reply %q", rep.data)
	}
}

// Set stores bytes under key. A non-positive ttl stores without expiry.
func (v *Valkey) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	args := [][]byte{[]byte("SET"), []byte(key), value}
	if ttl > 0 {
		args = append(args, []byte("PX"), []byte(strconv.FormatInt(ttl.Milliseconds(), 10)))
	}
	rep, err := v.roundTrip(ctx, args...)
	if err != nil {
		return err
	}
	if rep.kind != replyStatus || !strings.EqualFold(string(rep.data), "OK") {
		return fmt.Errorf("unexpected SET reply %q", rep.data)
	}
	return nil
}

// Del removes a key. Deleting an absent key is not an error.
func (v *Valkey) Del(ctx context.Context, key string) error {
	_, err := v.roundTrip(ctx, []byte("DEL"), []byte(key))
	return err
}

// Close is a no-op: connections do not outlive a single operation.
func (v *Valkey) Close() error { return nil }

func (v *Valkey) ping(ctx context.Context) error {
	rep, err := v.roundTrip(ctx, []byte("PING"))
	if err != nil {
		return err
	}
	if rep.kind != replyStatus || !strings.EqualFold(string(rep.data), "PONG") {
		return fmt.Errorf("unexpected PING reply %q", rep.data)
	}
	return nil
}

// roundTrip sends one command and reads one reply, retrying transport
// failures with a short linear backoff. Server-side errors (RESP "-ERR")
// are returned immediately.
func (v *Valkey) roundTrip(ctx context.Context, args ...[]byte) (resp, error) {
	payload := encodeCommand(args...)

	var lastErr error
	for attempt := 0; attempt < v.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return resp{}, ctx.Err()
			case <-time.After(time.Duration(attempt) * 50 * time.Millisecond):
			}
		}

		rep, err := v.exchange(ctx, payload)
		if err == nil {
			return rep, nil
		}
		if !retryable(err) {
			return resp{}, err
		}
		lastErr = err
		v.logger.Debug("valkey round trip failed, retrying",
			"attempt", attempt+1,
			"error", err,
		)
	}
	return resp{}, lastErr
}

// exchange dials, authenticates, writes the payload and reads a single
// reply. The connection is closed before returning.
func (v *Valkey) exchange(ctx context.Context, payload []byte) (resp, error) {
	conn, err := v.dial(ctx)
	if err != nil {
		return resp{}, err
	}
	defer conn.Close()

	r := bufio.NewReader(conn)

	if err := v.handshake(conn, r); err != nil {
		return resp{}, err
	}

	if err := conn.SetWriteDeadline(time.Now().Add(v.cfg.WriteTimeout)); err != nil {
		return resp{}, err
	}
	if _, err := conn.Write(payload); err != nil {
		return resp{}, err
	}

	if err := conn.SetReadDeadline(time.Now().Add(v.cfg.ReadTimeout)); err != nil {
		return resp{}, err
	}
	return readReply(r)
}

func (v *Valkey) dial(ctx context.Context) (net.Conn, error) {
	dialer := net.Dialer{Timeout: v.cfg.DialTimeout}
	if !v.cfg.TLS {
		return dialer.DialContext(ctx, "tcp", v.cfg.Addr)
	}

	host := v.cfg.Addr
	if h, _, err := net.SplitHostPort(v.cfg.Addr); err == nil {
		host = h
	}
	return tls.DialWithDialer(&dialer, "tcp", v.cfg.Addr, &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: host,
	})
}

// handshake runs AUTH and SELECT as configured. Both expect a simple "+OK".
func (v *Valkey) handshake(conn net.Conn, r *bufio.Reader) error {
	exchangeOK := func(label string, args ...[]byte) error {
		if err := conn.SetWriteDeadline(time.Now().Add(v.cfg.WriteTimeout)); err != nil {
			return err
		}
		if _, err := conn.Write(encodeCommand(args...)); err != nil {
			return err
		}
		if err := conn.SetReadDeadline(time.Now().Add(v.cfg.ReadTimeout)); err != nil {
			return err
		}
		rep, err := readReply(r)
		if err != nil {
			return fmt.Errorf("%s: %w", label, err)
		}
		if rep.kind != replyStatus || !strings.EqualFold(string(rep.data), "OK") {
			return fmt.Errorf("%s rejected: %s", label, rep.data)
		}
		return nil
	}

	if v.cfg.Password != "" {
		args := [][]byte{[]byte("AUTH")}
		if v.cfg.Username != "" {
			args = append(args, []byte(v.cfg.Username))
		}
		args = append(args, []byte(v.cfg.Password))
		if err := exchangeOK("auth", args...); err != nil {
			return err
		}
	}
	if v.cfg.DB > 0 {
		if err := exchangeOK("select", []byte("SELECT"), []byte(strconv.Itoa(v.cfg.DB))); err != nil {
			return err
		}
	}
	return nil
}

type replyKind int

const (
	replyStatus replyKind = iota
	replyInt
	replyBulk
	replyNull
)

type resp struct {
	kind replyKind
	data []byte
}

// serverError is a RESP "-ERR ..." reply. It is never retried.
type serverError string

func (e serverError) Error() string { return string(e) }

func encodeCommand(args ...[]byte) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "*%d\r\n", len(args))
	for _, arg := range args {
		fmt.Fprintf(&b, "$%d\r\n", len(arg))
		b.Write(arg)
		b.WriteString("\r\n")
	}
	return b.Bytes()
}

func readReply(r *bufio.Reader) (resp, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return resp{}, err
	}
	switch prefix {
	case '+':
		line, err := readLine(r)
		return resp{kind: replyStatus, data: line}, err
	case '-':
		line, err := readLine(r)
		if err != nil {
			return resp{}, err
		}
		return resp{}, serverError(line)
	case ':':
		line, err := readLine(r)
		return resp{kind: replyInt, data: line}, err
	case '$':
		line, err := readLine(r)
		if err != nil {
			return resp{}, err
		}
		size, err := strconv.Atoi(string(line))
		if err != nil {
			return resp{}, fmt.Errorf("bad bulk length %q", line)
		}
		if size < 0 {
			return resp{kind: replyNull}, nil
		}
		buf := make([]byte, size+2)
		if _, err := io.ReadFull(r, buf); err != nil {
			return resp{}, err
		}
		if !bytes.HasSuffix(buf, []byte("\r\n")) {
			return resp{}, errors.New("bulk reply not CRLF terminated")
		}
		return resp{kind: replyBulk, data: buf[:size]}, nil
	default:
		return resp{}, fmt.Errorf("unexpected RESP prefix %q", prefix)
	}
}

func readLine(r *bufio.Reader) ([]byte, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return nil, err
	}
	return []byte(strings.TrimRight(line, "\r\n")), nil
}

// retryable reports whether a fresh connection might succeed: timeouts,
// resets and dial failures retry, RESP server errors do not.
func retryable(err error) bool {
	var srvErr serverError
	if errors.As(err, &srvErr) {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
