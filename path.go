package birpc

import (
	"context"
	"strings"
)

// joinPath joins Path segments into the dotted wire format. A single
// segment that already contains dots passes through unchanged, so
// segments may themselves be dotted strings.
func joinPath(segments []string) string {
	return strings.Join(segments, ".")
}

// RemoteCall is the builder returned by Endpoint.Path: every dotted
// prefix of a path is reachable as Path(...).Call/.Event/.Stream instead
// of a dynamically-indexed property.
type RemoteCall struct {
	e    *Endpoint
	path string
}

// Call sends a response-expecting Request and blocks for the result. A
// path listed in the endpoint's EventMethods is sent as an event instead,
// and Call then returns a nil result.
func (r *RemoteCall) Call(ctx context.Context, args ...any) (any, error) {
	if r.e.cfg.EventMethods[r.path] {
		return nil, r.e.CallEvent(ctx, r.path, args...)
	}
	return r.e.Call(ctx, r.path, args...)
}

// Optional is Call, tolerating a missing remote function.
func (r *RemoteCall) Optional(ctx context.Context, args ...any) (any, error) {
	return r.e.CallOptional(ctx, r.path, args...)
}

// Event sends a fire-and-forget Request, the equivalent of accessing
// .asEvent on the proxy.
func (r *RemoteCall) Event(ctx context.Context, args ...any) error {
	return r.e.CallEvent(ctx, r.path, args...)
}

// Stream returns a lazy Stream, the equivalent of accessing .asStream on
// the proxy.
func (r *RemoteCall) Stream(ctx context.Context, args ...any) *Stream {
	return r.e.CallStream(ctx, r.path, args...)
}

// Path returns the dotted method path this builder addresses.
func (r *RemoteCall) Path() string { return r.path }
