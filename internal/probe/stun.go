package probe

import (
	"context"
	"fmt"

	"github.com/pion/stun/v3"
)

// ReflexiveAddress asks the STUN server at uri (e.g.
// "stun:stun.l.google.com:19302") for this host's public address. A peer
// behind symmetric NAT will see a different address per server, which is a
// hint that a TURN relay is needed.
func ReflexiveAddress(ctx context.Context, uri string) (string, error) {
	u, err := stun.ParseURI(uri)
	if err != nil {
		return "", fmt.Errorf("invalid STUN URI %q: %w", uri, err)
	}
	if u.Scheme != stun.SchemeTypeSTUN {
		return "", fmt.Errorf("%q is not a STUN URI", uri)
	}

	c, err := stun.DialURI(u, &stun.DialConfig{})
	if err != nil {
		return "", fmt.Errorf("failed to reach %s: %w", uri, err)
	}
	defer c.Close()

	type result struct {
		addr string
		err  error
	}
	done := make(chan result, 1)

	go func() {
		message := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
		var res result
		err := c.Do(message, func(ev stun.Event) {
			if ev.Error != nil {
				res.err = ev.Error
				return
			}
			var xorAddr stun.XORMappedAddress
			if err := xorAddr.GetFrom(ev.Message); err != nil {
				res.err = err
				return
			}
			res.addr = xorAddr.String()
		})
		if err != nil && res.err == nil {
			res.err = err
		}
		done <- res
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return "", fmt.Errorf("STUN binding via %s failed: %w", uri, res.err)
		}
		return res.addr, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
