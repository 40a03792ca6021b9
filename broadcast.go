package birpc

import (
	"context"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Broadcast is a one-to-many fan-out: a dynamic list of endpoint
// configurations sharing one local function tree. It is a
// thin multiplexer over *Endpoint -- the same contracts (events, optional
// calls, closing) apply per member.
type Broadcast struct {
	mu        sync.Mutex
	functions FunctionTree
	configs   []EndpointConfig
	clients   []*Endpoint
}

// NewBroadcast instantiates one Endpoint per config, all sharing
// functions.
func NewBroadcast(functions FunctionTree, configs ...EndpointConfig) *Broadcast {
	if functions == nil {
		functions = FunctionTree{}
	}
	b := &Broadcast{functions: functions}
	b.configs = append([]EndpointConfig{}, configs...)
	b.clients = make([]*Endpoint, len(configs))
	for i, cfg := range b.configs {
		b.clients[i] = newEndpointFromConfig(functions, cfg)
	}
	return b
}

func newEndpointFromConfig(functions FunctionTree, cfg EndpointConfig) *Endpoint {
	return NewEndpoint(functions, func(c *EndpointConfig) { *c = cfg })
}

// Clients returns the current endpoint list, in order.
func (b *Broadcast) Clients() []*Endpoint {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*Endpoint, len(b.clients))
	copy(out, b.clients)
	return out
}

// UpdateChannels applies mutator to the current list of configurations;
// endpoints for configurations mutator drops are closed, and new
// configurations get freshly instantiated endpoints. Surviving
// configurations are rebuilt too, since EndpointConfig carries no
// identity to diff against -- callers that need a stable member should
// keep it in their own side-table and look it up by Meta.
func (b *Broadcast) UpdateChannels(mutator func(current []EndpointConfig) []EndpointConfig) {
	b.mu.Lock()
	newConfigs := mutator(append([]EndpointConfig{}, b.configs...))
	oldClients := b.clients

	newClients := make([]*Endpoint, len(newConfigs))
	for i, cfg := range newConfigs {
		newClients[i] = newEndpointFromConfig(b.functions, cfg)
	}
	b.configs = append([]EndpointConfig{}, newConfigs...)
	b.clients = newClients
	b.mu.Unlock()

	for _, ep := range oldClients {
		ep.Close(nil)
	}
}

// Path returns a builder addressing the same dotted path across every
// member.
func (b *Broadcast) Path(segments ...string) *BroadcastCall {
	return &BroadcastCall{b: b, path: strings.Join(segments, ".")}
}

// Call invokes path on every member concurrently and collects results in
// list order; any member failing propagates as a list-level failure.
func (b *Broadcast) Call(ctx context.Context, path string, args ...any) ([]any, error) {
	return b.fanOut(ctx, path, args, func(ep *Endpoint, ctx context.Context) (any, error) {
		return ep.Call(ctx, path, args...)
	})
}

// CallOptional is Call, tolerating a per-member missing function (each
// member's peer substitutes a no-op returning nil for it).
func (b *Broadcast) CallOptional(ctx context.Context, path string, args ...any) ([]any, error) {
	return b.fanOut(ctx, path, args, func(ep *Endpoint, ctx context.Context) (any, error) {
		return ep.CallOptional(ctx, path, args...)
	})
}

// CallEvent fans out a fire-and-forget call; the result slice is all nil.
func (b *Broadcast) CallEvent(ctx context.Context, path string, args ...any) ([]any, error) {
	return b.fanOut(ctx, path, args, func(ep *Endpoint, ctx context.Context) (any, error) {
		return nil, ep.CallEvent(ctx, path, args...)
	})
}

func (b *Broadcast) fanOut(ctx context.Context, path string, args []any, do func(*Endpoint, context.Context) (any, error)) ([]any, error) {
	clients := b.Clients()
	results := make([]any, len(clients))
	g, gctx := errgroup.WithContext(ctx)
	for i, ep := range clients {
		i, ep := i, ep
		g.Go(func() error {
			r, err := do(ep, gctx)
			if err != nil {
				return err
			}
			results[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// Close closes every member endpoint.
func (b *Broadcast) Close(cause error) {
	for _, ep := range b.Clients() {
		ep.Close(cause)
	}
}

// BroadcastCall is the group counterpart of RemoteCall.
type BroadcastCall struct {
	b    *Broadcast
	path string
}

// Call fans out a response-expecting call.
func (c *BroadcastCall) Call(ctx context.Context, args ...any) ([]any, error) {
	return c.b.Call(ctx, c.path, args...)
}

// Optional fans out a response-expecting call tolerating missing members.
func (c *BroadcastCall) Optional(ctx context.Context, args ...any) ([]any, error) {
	return c.b.CallOptional(ctx, c.path, args...)
}

// Event fans out a fire-and-forget call.
func (c *BroadcastCall) Event(ctx context.Context, args ...any) ([]any, error) {
	return c.b.CallEvent(ctx, c.path, args...)
}
