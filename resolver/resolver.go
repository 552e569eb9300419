// Package resolver turns logical configuration keys into network addresses.
package resolver

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"slices"
	"strings"

	"github.com/SNL-GMS/GMS-PI21-OPEN-sub019/errors"
)

// Well-known address keys.
const (
	DataManagerKey  = "data-manager-ip-address"
	DataProviderKey = "data-provider-ip-address"
)

// Values is the configuration lookup the resolver reads host strings from.
type Values interface {
	Lookup(ctx context.Context, key string) (string, bool, error)
}

// LookupFunc performs forward resolution of host.
type LookupFunc func(ctx context.Context, host string) ([]netip.Addr, error)

// AddressMap maps configuration keys to resolved addresses.
type AddressMap map[string]netip.Addr

// Resolver resolves configured hostnames.
type Resolver struct {
	values Values
	lookup LookupFunc
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLookup replaces DNS resolution, typically in tests.
func WithLookup(fn LookupFunc) Option {
	return func(r *Resolver) { r.lookup = fn }
}

// New returns a Resolver reading hosts from values and resolving them with
// the system resolver.
func New(values Values, opts ...Option) *Resolver {
	r := &Resolver{
		values: values,
		lookup: func(ctx context.Context, host string) ([]netip.Addr, error) {
			return net.DefaultResolver.LookupNetIP(ctx, "ip", host)
		},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve reads the host configured under key and returns its first address.
// An absent or unresolvable value fails with errors.ErrUnresolvableHost; a
// repository outage surfaces as errors.ErrConfigUnavailable.
func (r *Resolver) Resolve(ctx context.Context, key string) (netip.Addr, error) {
	host, ok, err := r.values.Lookup(ctx, key)
	if err != nil {
		return netip.Addr{}, errors.Wrap(err, "Resolver", "Resolve", "read "+key)
	}
	host = strings.TrimSpace(host)
	if !ok || host == "" {
		return netip.Addr{}, unresolvable(key, "no host configured")
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		return addr.Unmap(), nil
	}

	addrs, err := r.lookup(ctx, host)
	if err != nil {
		return netip.Addr{}, unresolvable(key, fmt.Sprintf("lookup %s: %v", host, err))
	}
	if len(addrs) == 0 {
		return netip.Addr{}, unresolvable(key, fmt.Sprintf("lookup %s: no addresses", host))
	}
	return addrs[0].Unmap(), nil
}

// BuildAddressMap resolves every key. Any failure fails the whole build and
// names the offending key; no partial map is returned. Keys are resolved in
// sorted order so the reported key does not depend on caller ordering.
func (r *Resolver) BuildAddressMap(ctx context.Context, keys []string) (AddressMap, error) {
	sorted := slices.Clone(keys)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	m := make(AddressMap, len(sorted))
	for _, key := range sorted {
		addr, err := r.Resolve(ctx, key)
		if err != nil {
			return nil, errors.Wrap(err, "Resolver", "BuildAddressMap", "resolve "+key)
		}
		m[key] = addr
	}
	return m, nil
}

func unresolvable(key, detail string) error {
	return fmt.Errorf("%w: key %q: %s", errors.ErrUnresolvableHost, key, detail)
}
