package channel

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/sync/errgroup"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newPair(t *testing.T, serverMethods Methods) (*Channel, *Channel, *PipePort) {
	t.Helper()

	a, b := NewPipe()
	server, err := New(b, serverMethods, Options{Name: "server"})
	require.NoError(t, err)
	client, err := New(a, nil, Options{Name: "client"})
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})
	return client, server, a
}

func hang(ctx context.Context, _ *Call) (any, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestRequest_Resolves(t *testing.T) {
	client, _, _ := newPair(t, Methods{
		"add": Concurrent(func(_ context.Context, call *Call) (any, error) {
			var a, b int
			if err := call.Arg(0, &a); err != nil {
				return nil, err
			}
			if err := call.Arg(1, &b); err != nil {
				return nil, err
			}
			return a + b, nil
		}),
	})

	sum, err := RequestAs[int](context.Background(), client, "add", 2, 40)
	require.NoError(t, err)
	assert.Equal(t, 42, sum)
	assert.Equal(t, 0, client.Pending())
}

func TestRequest_Rejections(t *testing.T) {
	client, _, _ := newPair(t, Methods{
		"fail": Inline(func(context.Context, *Call) (any, error) {
			return nil, errors.New("boom")
		}),
		"raw": Inline(func(context.Context, *Call) (any, error) {
			return nil, Reject(42)
		}),
		"panic": Concurrent(func(context.Context, *Call) (any, error) {
			panic("kaboom")
		}),
		"args": Inline(func(_ context.Context, call *Call) (any, error) {
			var s string
			return nil, call.Arg(3, &s)
		}),
	})
	ctx := context.Background()

	t.Run("error", func(t *testing.T) {
		_, err := client.Request(ctx, "fail")
		var remote *RemoteError
		require.ErrorAs(t, err, &remote)
		assert.Equal(t, "boom", remote.Message)
		assert.Equal(t, "boom", err.Error())
	})

	t.Run("raw value", func(t *testing.T) {
		_, err := client.Request(ctx, "raw")
		var rejected *RejectedValue
		require.ErrorAs(t, err, &rejected)
		assert.JSONEq(t, "42", string(rejected.Value))
	})

	t.Run("panic carries stack", func(t *testing.T) {
		_, err := client.Request(ctx, "panic")
		var remote *RemoteError
		require.ErrorAs(t, err, &remote)
		assert.Equal(t, "panic", remote.Name)
		assert.Equal(t, "kaboom", remote.Message)
		assert.NotEmpty(t, remote.Stack)
	})

	t.Run("missing argument", func(t *testing.T) {
		_, err := client.Request(ctx, "args", "only one")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "missing argument 3")
	})

	t.Run("unknown method", func(t *testing.T) {
		_, err := client.Request(ctx, "nope")
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrUnknownMethod))
		assert.Equal(t, "Unknown request", err.Error())
	})
}

func TestSend_NoReply(t *testing.T) {
	got := make(chan string, 1)
	client, _, _ := newPair(t, Methods{
		"note": Inline(func(_ context.Context, call *Call) (any, error) {
			var s string
			_ = call.Arg(0, &s)
			got <- s
			return "ignored", nil
		}),
	})

	require.NoError(t, client.Send("note", "hello"))
	select {
	case s := <-got:
		assert.Equal(t, "hello", s)
	case <-time.After(2 * time.Second):
		t.Fatal("notification not delivered")
	}
	assert.Equal(t, 0, client.Pending())

	// Unknown notifications are dropped without a reply.
	require.NoError(t, client.Send("unknown"))
}

func TestInlineMethods_RunInArrivalOrder(t *testing.T) {
	var seen []int
	client, _, _ := newPair(t, Methods{
		"append": Inline(func(_ context.Context, call *Call) (any, error) {
			var n int
			if err := call.Arg(0, &n); err != nil {
				return nil, err
			}
			seen = append(seen, n)
			return nil, nil
		}),
		"get": Inline(func(context.Context, *Call) (any, error) {
			return seen, nil
		}),
	})

	want := make([]int, 100)
	for i := range want {
		want[i] = i
		require.NoError(t, client.Send("append", i))
	}

	got, err := RequestAs[[]int](context.Background(), client, "get")
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestDisconnect_RejectsEveryPendingRequestOnce(t *testing.T) {
	var disconnects atomic.Int32
	a, b := NewPipe()
	server, err := New(b, Methods{"hang": Concurrent(hang)}, Options{Name: "server"})
	require.NoError(t, err)
	client, err := New(a, nil, Options{
		Name:         "client",
		OnDisconnect: func(error) { disconnects.Add(1) },
	})
	require.NoError(t, err)
	defer client.Close()

	const n = 50
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, err := client.Request(context.Background(), "hang")
			errs <- err
		}()
	}
	require.Eventually(t, func() bool { return client.Pending() == n }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, server.Close())

	for i := 0; i < n; i++ {
		select {
		case err := <-errs:
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrDisconnected))
			var derr *DisconnectError
			require.ErrorAs(t, err, &derr)
			assert.Equal(t, "hang", derr.Method)
		case <-time.After(2 * time.Second):
			t.Fatal("pending request was not rejected")
		}
	}

	<-client.Done()
	assert.Equal(t, 0, client.Pending())
	assert.Equal(t, int32(1), disconnects.Load())
	assert.Error(t, client.Err())

	// Closing again neither rejects nor notifies twice.
	require.NoError(t, client.Close())
	assert.Equal(t, int32(1), disconnects.Load())
}

func TestClosedChannel_FailsSynchronously(t *testing.T) {
	client, _, _ := newPair(t, nil)
	require.NoError(t, client.Close())

	err := client.Send("ping")
	assert.True(t, errors.Is(err, ErrDisconnected))

	_, err = client.Request(context.Background(), "ping")
	assert.True(t, errors.Is(err, ErrDisconnected))
}

func TestBrokenPort_FailsWithoutDisconnect(t *testing.T) {
	var disconnects atomic.Int32
	a, b := NewPipe()
	server, err := New(b, nil, Options{OnDisconnect: func(error) { disconnects.Add(1) }})
	require.NoError(t, err)
	client, err := New(a, nil, Options{OnDisconnect: func(error) { disconnects.Add(1) }})
	require.NoError(t, err)
	defer server.Close()
	defer client.Close()

	a.Break()

	err = client.Send("ping")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPortBroken))
	assert.True(t, errors.Is(err, ErrDisconnected))

	_, err = client.Request(context.Background(), "ping")
	assert.True(t, errors.Is(err, ErrPortBroken))
	assert.Equal(t, 0, client.Pending())

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), disconnects.Load())
}

func TestRequest_CallerContextEnds(t *testing.T) {
	client, _, _ := newPair(t, Methods{"hang": Concurrent(hang)})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := client.Request(ctx, "hang")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, client.Pending())
}

func TestRequest_ManyInFlight(t *testing.T) {
	const n = 10000

	var (
		mu       sync.Mutex
		ids      = make(map[int64]struct{}, n)
		arrivals atomic.Int32
		release  = make(chan struct{})
	)
	client, _, _ := newPair(t, Methods{
		"echo": Concurrent(func(ctx context.Context, call *Call) (any, error) {
			var v int
			if err := call.Arg(0, &v); err != nil {
				return nil, err
			}
			mu.Lock()
			ids[call.ID] = struct{}{}
			mu.Unlock()
			if arrivals.Add(1) == n {
				close(release)
			}
			select {
			case <-release:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			return v, nil
		}),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			v, err := RequestAs[int](ctx, client, "echo", i)
			if err != nil {
				return err
			}
			if v != i {
				return errors.New("reply routed to the wrong request")
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, ids, n)
}

func TestNextID_SkipsPendingAndWraps(t *testing.T) {
	client, _, _ := newPair(t, nil)

	client.mu.Lock()
	defer client.mu.Unlock()

	client.seq = MaxID - 1
	client.pending[1] = &pendingCall{method: "x"}
	defer delete(client.pending, 1)

	assert.Equal(t, int64(MaxID), client.nextIDLocked())
	assert.Equal(t, int64(2), client.nextIDLocked())
}

func TestMethods_Validate(t *testing.T) {
	ok := Inline(func(context.Context, *Call) (any, error) { return nil, nil })

	assert.NoError(t, Methods{"run": ok}.Validate())
	assert.Error(t, Methods{"": ok}.Validate())
	assert.Error(t, Methods{"run": {}}.Validate())

	a, b := NewPipe()
	defer b.Close()
	_, err := New(a, Methods{"": ok}, Options{})
	assert.Error(t, err)
	_, err = New(nil, nil, Options{})
	assert.Error(t, err)
	_ = a.Close()
}
