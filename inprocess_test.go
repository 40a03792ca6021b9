package birpc

import "context"

// connectInProcess wires two endpoints directly through buffered Go
// channels, a loopback harness that lets streaming/timeout/close
// scenarios run deterministically without a real socket.
func connectInProcess(fnA, fnB FunctionTree, optsA, optsB []Option) (a, b *Endpoint) {
	toA := make(chan any, 256)
	toB := make(chan any, 256)
	stopA := make(chan struct{})
	stopB := make(chan struct{})

	postToB := func(ctx context.Context, payload any, extra ...any) error {
		select {
		case toB <- payload:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	postToA := func(ctx context.Context, payload any, extra ...any) error {
		select {
		case toA <- payload:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	registerA := func(receive func(payload any, extra ...any)) error {
		go func() {
			for {
				select {
				case payload := <-toA:
					receive(payload)
				case <-stopA:
					return
				}
			}
		}()
		return nil
	}
	registerB := func(receive func(payload any, extra ...any)) error {
		go func() {
			for {
				select {
				case payload := <-toB:
					receive(payload)
				case <-stopB:
					return
				}
			}
		}()
		return nil
	}

	fullOptsA := append([]Option{
		WithPost(postToB),
		WithReceiver(registerA),
		WithUnregister(func() { close(stopA) }),
	}, optsA...)
	fullOptsB := append([]Option{
		WithPost(postToA),
		WithReceiver(registerB),
		WithUnregister(func() { close(stopB) }),
	}, optsB...)

	a = NewEndpoint(fnA, fullOptsA...)
	b = NewEndpoint(fnB, fullOptsB...)
	return a, b
}
