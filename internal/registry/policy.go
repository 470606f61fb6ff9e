package registry

import "time"

// Policy holds the registry rules that are deployment choices rather than protocol.
type Policy struct {
	// RestrictedMintLimit caps how many live assets minted with subleaseAllowed=false
	// a single owner may hold. Zero disables the limit.
	RestrictedMintLimit int
	// RequireFutureExpiry rejects Lease calls whose expiry is not after the current time.
	RequireFutureExpiry bool
}

// DefaultPolicy returns the rules observed on the original registry.
func DefaultPolicy() Policy {
	return Policy{
		RestrictedMintLimit: 1,
		RequireFutureExpiry: true,
	}
}

// Option configures a registry backend.
type Option func(*options)

type options struct {
	policy    Policy
	now       func() time.Time
	journal   Journal
	observers []Observer
}

func defaultOptions() options {
	return options{
		policy: DefaultPolicy(),
		now:    time.Now,
	}
}

// BuildOptions applies opts over the defaults. Backends outside this package use it.
func BuildOptions(opts ...Option) (Policy, func() time.Time, Journal, []Observer) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o.policy, o.now, o.journal, o.observers
}

// WithPolicy overrides the default policy.
func WithPolicy(p Policy) Option {
	return func(o *options) {
		if p.RestrictedMintLimit < 0 {
			p.RestrictedMintLimit = 0
		}
		o.policy = p
	}
}

// WithClock sets the time source used for lease validity.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithJournal makes every mutation durable before it is applied.
func WithJournal(j Journal) Option {
	return func(o *options) {
		o.journal = j
	}
}

// WithObserver registers an observer notified after each committed mutation.
func WithObserver(obs Observer) Option {
	return func(o *options) {
		if obs != nil {
			o.observers = append(o.observers, obs)
		}
	}
}
