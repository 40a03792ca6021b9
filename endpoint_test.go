package birpc

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fn(f func(ctx context.Context, b Binding, args []any) (any, error)) Function {
	return Function(f)
}

// Scenario 1: basic echo.
func TestCallBasicEcho(t *testing.T) {
	serverFns := FunctionTree{
		"hi": fn(func(ctx context.Context, b Binding, args []any) (any, error) {
			name, _ := args[0].(string)
			return "Hi " + name + ", I am Bob", nil
		}),
	}
	a, b := connectInProcess(nil, serverFns, nil, nil)
	defer a.Close(nil)
	defer b.Close(nil)

	result, err := a.Call(context.Background(), "hi", "Alice")
	require.NoError(t, err)
	assert.Equal(t, "Hi Alice, I am Bob", result)
}

// Scenario 2: fire-and-forget.
func TestCallEventFireAndForget(t *testing.T) {
	var count int64
	serverFns := FunctionTree{
		"bump": fn(func(ctx context.Context, b Binding, args []any) (any, error) {
			atomic.AddInt64(&count, 1)
			return nil, nil
		}),
	}
	a, b := connectInProcess(nil, serverFns, nil, nil)
	defer a.Close(nil)
	defer b.Close(nil)

	err := a.CallEvent(context.Background(), "bump")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&count) == 1
	}, time.Second, time.Millisecond)
}

// Scenario 3: nested path, both via dotted Call and via Path builder.
func TestCallNestedPath(t *testing.T) {
	serverFns := FunctionTree{
		"user": FunctionTree{
			"settings": FunctionTree{
				"get": fn(func(ctx context.Context, b Binding, args []any) (any, error) {
					key, _ := args[0].(string)
					return "value-for-" + key, nil
				}),
			},
		},
	}
	a, b := connectInProcess(nil, serverFns, nil, nil)
	defer a.Close(nil)
	defer b.Close(nil)

	result, err := a.Call(context.Background(), "user.settings.get", "theme")
	require.NoError(t, err)
	assert.Equal(t, "value-for-theme", result)

	result2, err := a.Path("user", "settings", "get").Call(context.Background(), "theme")
	require.NoError(t, err)
	assert.Equal(t, "value-for-theme", result2)
}

// A missing non-optional path rejects with ErrNotFound; the same path
// via CallOptional resolves to nil.
func TestCallNotFoundAndOptional(t *testing.T) {
	a, b := connectInProcess(nil, FunctionTree{}, nil, nil)
	defer a.Close(nil)
	defer b.Close(nil)

	_, err := a.Call(context.Background(), "nope")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))

	result, err := a.CallOptional(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, result)
}

// Scenario 4: ack timeout -- nobody answers on the other side's process,
// so the ack timer fires.
func TestAckTimeout(t *testing.T) {
	toB := make(chan any, 16)
	postToB := func(ctx context.Context, payload any, extra ...any) error {
		select {
		case toB <- payload:
		default:
		}
		return nil
	}
	registerNoop := func(receive func(payload any, extra ...any)) error { return nil }

	ackTimeout := 80 * time.Millisecond
	a := NewEndpoint(nil,
		WithPost(postToB),
		WithReceiver(registerNoop),
		WithAckTimeout(ackTimeout),
	)
	defer a.Close(nil)

	start := time.Now()
	_, err := a.Call(context.Background(), "whatever")
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "ack timeout")
	assert.True(t, errors.Is(err, ErrAckTimeout))
	assert.Less(t, elapsed, time.Second)
}

// Scenario 5: response timeout starts only after ack. The peer acks
// immediately but delays its response past the short response timeout;
// the error must mention "timeout" and must not be an ack-timeout.
func TestResponseTimeoutStartsAfterAck(t *testing.T) {
	serverFns := FunctionTree{
		"slow": fn(func(ctx context.Context, b Binding, args []any) (any, error) {
			time.Sleep(300 * time.Millisecond)
			return "late", nil
		}),
	}
	ackTimeout := time.Second
	a, b := connectInProcess(nil, serverFns,
		[]Option{WithAckTimeout(ackTimeout), WithResponseTimeout(100 * time.Millisecond)},
		nil,
	)
	defer a.Close(nil)
	defer b.Close(nil)

	start := time.Now()
	_, err := a.Call(context.Background(), "slow")
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTimeout))
	assert.False(t, errors.Is(err, ErrAckTimeout))
	assert.Less(t, elapsed, 290*time.Millisecond)
}

// Scenario 6: stream with early break. The producer yields 0..99, the
// consumer stops after three values; no error should surface afterward.
func TestStreamEarlyBreak(t *testing.T) {
	serverFns := FunctionTree{
		"count": fn(func(ctx context.Context, b Binding, args []any) (any, error) {
			values := make([]any, 100)
			for i := range values {
				values[i] = i
			}
			return SequenceFromSlice(values), nil
		}),
	}
	a, b := connectInProcess(nil, serverFns, nil, nil)
	defer a.Close(nil)
	defer b.Close(nil)

	stream := a.CallStream(context.Background(), "count")
	ctx := context.Background()
	var got []any
	for i := 0; i < 3; i++ {
		v, ok, err := stream.Next(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		got = append(got, v)
	}
	assert.Equal(t, []any{0, 1, 2}, got)
	stream.Close()

	// Give any further StreamNext frames a chance to arrive; Next must
	// not be called again (abandoned), and nothing should panic.
	time.Sleep(20 * time.Millisecond)
}

func TestStreamDrainsToCompletion(t *testing.T) {
	serverFns := FunctionTree{
		"count": fn(func(ctx context.Context, b Binding, args []any) (any, error) {
			return SequenceFromSlice([]any{1, 2, 3}), nil
		}),
	}
	a, b := connectInProcess(nil, serverFns, nil, nil)
	defer a.Close(nil)
	defer b.Close(nil)

	stream := a.CallStream(context.Background(), "count")
	ctx := context.Background()
	var got []any
	for {
		v, ok, err := stream.Next(ctx)
		require.NoError(t, err)
		if !ok {
			break
		}
		got = append(got, v)
	}
	assert.Equal(t, []any{1, 2, 3}, got)
}

func TestStreamProducerError(t *testing.T) {
	boom := errors.New("boom")
	serverFns := FunctionTree{
		"broken": fn(func(ctx context.Context, b Binding, args []any) (any, error) {
			return FuncSequence(func(ctx context.Context) (any, bool, error) {
				return nil, false, boom
			}), nil
		}),
	}
	a, b := connectInProcess(nil, serverFns, nil, nil)
	defer a.Close(nil)
	defer b.Close(nil)

	stream := a.CallStream(context.Background(), "broken")
	_, _, err := stream.Next(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

// Close invariants: after Close, subsequent calls reject with a closed
// error, and a second Close is a no-op.
func TestCloseInvariants(t *testing.T) {
	a, b := connectInProcess(nil, FunctionTree{}, nil, nil)
	defer b.Close(nil)

	require.NoError(t, a.Close(nil))
	assert.True(t, a.Closed())
	require.NoError(t, a.Close(nil)) // idempotent

	_, err := a.Call(context.Background(), "anything")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrClosed))
}

// Close rejects every in-flight call with the supplied cause chained in.
func TestCloseRejectsPendingCalls(t *testing.T) {
	toB := make(chan any, 16)
	postToB := func(ctx context.Context, payload any, extra ...any) error {
		toB <- payload
		return nil
	}
	registerNoop := func(receive func(payload any, extra ...any)) error { return nil }
	a := NewEndpoint(nil, WithPost(postToB), WithReceiver(registerNoop), WithResponseTimeout(-1))

	done := make(chan error, 1)
	go func() {
		_, err := a.Call(context.Background(), "never-answers")
		done <- err
	}()

	// give the call time to register before closing
	time.Sleep(20 * time.Millisecond)
	cause := errors.New("shutting down")
	require.NoError(t, a.Close(cause))

	select {
	case err := <-done:
		require.Error(t, err)
		assert.True(t, errors.Is(err, cause))
	case <-time.After(time.Second):
		t.Fatal("call never resolved after close")
	}
}

func TestRejectPendingCallsDoesNotAffectStreams(t *testing.T) {
	unblock := make(chan struct{})
	serverFns := FunctionTree{
		"count": fn(func(ctx context.Context, b Binding, args []any) (any, error) {
			return FuncSequence(func(ctx context.Context) (any, bool, error) {
				select {
				case <-unblock:
					return nil, false, nil
				case <-ctx.Done():
					return nil, false, ctx.Err()
				}
			}), nil
		}),
	}
	a, b := connectInProcess(nil, serverFns, nil, nil)
	defer a.Close(nil)
	defer b.Close(nil)

	stream := a.CallStream(context.Background(), "count")
	// Start the stream so its record is installed.
	go stream.Next(context.Background())
	time.Sleep(20 * time.Millisecond)

	a.RejectPendingCalls(nil)

	close(unblock)
	_, ok, err := stream.Next(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestResolverSubstitutesFunction(t *testing.T) {
	substitute := fn(func(ctx context.Context, b Binding, args []any) (any, error) {
		return "substituted", nil
	})
	resolver := func(ctx context.Context, path string, def Function) (Function, error) {
		if path == "missing" {
			return substitute, nil
		}
		return nil, nil
	}
	a, b := connectInProcess(nil, FunctionTree{}, nil, []Option{WithResolver(resolver)})
	defer a.Close(nil)
	defer b.Close(nil)

	result, err := a.Call(context.Background(), "missing")
	require.NoError(t, err)
	assert.Equal(t, "substituted", result)
}

func TestRequestHookShortCircuit(t *testing.T) {
	hook := func(ctx context.Context, req Frame, next func(context.Context, Frame) (any, error), resolve func(any) (any, error)) (any, error) {
		if req.Method == "intercepted" {
			return resolve("hooked")
		}
		return next(ctx, req)
	}
	serverFns := FunctionTree{
		"real": fn(func(ctx context.Context, b Binding, args []any) (any, error) { return "real", nil }),
	}
	a, b := connectInProcess(nil, serverFns, []Option{WithRequestHook(hook)}, nil)
	defer a.Close(nil)
	defer b.Close(nil)

	result, err := a.Call(context.Background(), "intercepted")
	require.NoError(t, err)
	assert.Equal(t, "hooked", result)

	result, err = a.Call(context.Background(), "real")
	require.NoError(t, err)
	assert.Equal(t, "real", result)
}

func TestListMethods(t *testing.T) {
	serverFns := FunctionTree{
		"a": fn(func(ctx context.Context, b Binding, args []any) (any, error) { return nil, nil }),
		"nested": FunctionTree{
			"b": fn(func(ctx context.Context, b Binding, args []any) (any, error) { return nil, nil }),
		},
	}
	a, b := connectInProcess(nil, serverFns, nil, nil)
	defer a.Close(nil)
	defer b.Close(nil)

	methods, err := a.ListMethods(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "nested.b"}, methods)
}

func TestBindingModeFunctions(t *testing.T) {
	serverFns := FunctionTree{
		"whoami": fn(func(ctx context.Context, b Binding, args []any) (any, error) {
			if _, ok := b.(*Endpoint); ok {
				return "endpoint", nil
			}
			return "tree", nil
		}),
	}
	a, b := connectInProcess(nil, serverFns, nil, []Option{WithBindingMode(BindingFunctions)})
	defer a.Close(nil)
	defer b.Close(nil)

	result, err := a.Call(context.Background(), "whoami")
	require.NoError(t, err)
	assert.Equal(t, "tree", result)
}
