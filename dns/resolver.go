package dns

import (
	"context"
	"net"
)

// Resolver is the interface the SMTP outbound client consumes for routing
// decisions. It is intentionally narrow: DNS resolution itself is a
// collaborator, not part of the core.
type Resolver interface {
	// LookupMX returns the MX records for name, which must end in a dot.
	LookupMX(ctx context.Context, name string) ([]*net.MX, error)
}

// NetResolver adapts the standard library resolver to Resolver.
type NetResolver struct {
	Resolver *net.Resolver
}

func (r NetResolver) LookupMX(ctx context.Context, name string) ([]*net.MX, error) {
	res := r.Resolver
	if res == nil {
		res = net.DefaultResolver
	}
	return res.LookupMX(ctx, name)
}
