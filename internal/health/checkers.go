package health

import (
	"context"
	"fmt"
)

// Pinger probes a remote dependency. *ari.Client satisfies this.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ARI returns a checker that passes when the Asterisk REST interface answers
// an authenticated request.
func ARI(client Pinger) Checker {
	return Checker{
		Name: "ari",
		Check: func(ctx context.Context) error {
			return client.Ping(ctx)
		},
	}
}

// registry is the subset of *provider.Registry the readiness check needs.
type registry interface {
	Names() []string
}

// Providers returns a checker that fails while no conversational adapters are
// registered. A process with an empty registry would answer calls it cannot
// serve.
func Providers(reg registry) Checker {
	return Checker{
		Name: "providers",
		Check: func(context.Context) error {
			if len(reg.Names()) == 0 {
				return fmt.Errorf("no adapters registered")
			}
			return nil
		},
	}
}

// counter reports the number of live call sessions. *session.Store satisfies
// this.
type counter interface {
	Len() int
}

// CallCapacity returns a checker that fails once the live call count reaches
// max, steering the load balancer away from a saturated instance. A max of
// zero disables the check.
func CallCapacity(store counter, max int) Checker {
	return Checker{
		Name: "capacity",
		Check: func(context.Context) error {
			if max <= 0 {
				return nil
			}
			if n := store.Len(); n >= max {
				return fmt.Errorf("at capacity: %d/%d calls", n, max)
			}
			return nil
		},
	}
}
