package cleanup

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

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arkilian/dicomindex/internal/observability"
)

type countingHealthStore struct {
	oldest    time.Time
	pending   bool
	exhausted int
	reads     int
}

func (c *countingHealthStore) GetOldestDeletedInstance(context.Context) (time.Time, bool, error) {
	c.reads++
	return c.oldest, c.pending, nil
}

func (c *countingHealthStore) RetrieveNumExhaustedDeletedInstanceAttempts(context.Context, int) (int, error) {
	return c.exhausted, nil
}

func TestHealthChecker_ComputesAndCaches(t *testing.T) {
	store := &countingHealthStore{oldest: epoch.Add(-90 * time.Second), pending: true, exhausted: 4}
	checker := NewHealthChecker(store, NewMemoryHealthCache(time.Minute), 3)
	checker.now = func() time.Time { return epoch }

	h, err := checker.Check(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, h.OldestDeletionAge())
	assert.Equal(t, 4, h.Exhausted)
	assert.Equal(t, 90.0, testutil.ToFloat64(observability.CleanupOldestDeletionAge))
	assert.Equal(t, 4.0, testutil.ToFloat64(observability.CleanupExhausted))

	_, err = checker.Check(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, store.reads, "the second check is served from the cache")
}

func TestHealth_EmptyQueueHasNoAge(t *testing.T) {
	h := Health{CheckedAt: epoch}
	assert.Zero(t, h.OldestDeletionAge())
}

// fakeRedis speaks enough RESP for GET and SET with expiry.
type fakeRedis struct {
	mu   sync.Mutex
	data map[string]string
	ttls map[string]time.Duration
}

func startFakeRedis(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	f := &fakeRedis{data: make(map[string]string), ttls: make(map[string]time.Duration)}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go f.serve(conn)
		}
	}()
	return ln.Addr().String()
}

func (f *fakeRedis) serve(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	for {
		args, err := readCommand(r)
		if err != nil {
			return
		}
		if _, err := io.WriteString(conn, f.handle(args)); err != nil {
			return
		}
	}
}

func (f *fakeRedis) handle(args []string) string {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch strings.ToUpper(args[0]) {
	case "PING":
		return "+PONG\r\n"
	case "CLIENT", "SELECT":
		return "+OK\r\n"
	case "GET":
		v, ok := f.data[args[1]]
		if !ok {
			return "$-1\r\n"
		}
		return fmt.Sprintf("$%d\r\n%s\r\n", len(v), v)
	case "SET":
		f.data[args[1]] = args[2]
		if len(args) >= 5 {
			n, _ := strconv.Atoi(args[4])
			unit := time.Second
			if strings.EqualFold(args[3], "px") {
				unit = time.Millisecond
			}
			f.ttls[args[1]] = time.Duration(n) * unit
		}
		return "+OK\r\n"
	default:
		return "-ERR unknown command '" + args[0] + "'\r\n"
	}
}

func readCommand(r *bufio.Reader) ([]string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return nil, err
	}
	n, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, "*")))
	if err != nil {
		return nil, err
	}
	args := make([]string, 0, n)
	for i := 0; i < n; i++ {
		header, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		size, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(header, "$")))
		if err != nil {
			return nil, err
		}
		buf := make([]byte, size+2)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		args = append(args, string(buf[:size]))
	}
	return args, nil
}

func TestRedisHealthCache_RoundTrip(t *testing.T) {
	addr := startFakeRedis(t)
	client := redis.NewClient(&redis.Options{Addr: addr, Protocol: 2, DisableIdentity: true})
	t.Cleanup(func() { client.Close() })

	cache := NewRedisHealthCache(client, "", 30*time.Second)
	ctx := context.Background()

	_, ok, err := cache.Get(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	want := Health{OldestDeletion: epoch.Add(-time.Hour), Pending: true, Exhausted: 2, CheckedAt: epoch}
	require.NoError(t, cache.Set(ctx, want))

	got, ok, err := cache.Get(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, want.OldestDeletion.Equal(got.OldestDeletion))
	assert.Equal(t, want.Exhausted, got.Exhausted)
	assert.Equal(t, want.OldestDeletionAge(), got.OldestDeletionAge())
}

func TestHealthChecker_SharesRedisCache(t *testing.T) {
	addr := startFakeRedis(t)
	client := redis.NewClient(&redis.Options{Addr: addr, Protocol: 2, DisableIdentity: true})
	t.Cleanup(func() { client.Close() })

	store := &countingHealthStore{}
	first := NewHealthChecker(store, NewRedisHealthCache(client, "test:health", time.Minute), 3)
	second := NewHealthChecker(store, NewRedisHealthCache(client, "test:health", time.Minute), 3)

	_, err := first.Check(context.Background())
	require.NoError(t, err)
	h, err := second.Check(context.Background())
	require.NoError(t, err)
	assert.False(t, h.Pending)
	assert.Equal(t, 1, store.reads, "the second process reads the shared result")
}
