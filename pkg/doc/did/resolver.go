/*
Copyright Trustmesh Contributors. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package did

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bluele/gcache"
	"github.com/cenkalti/backoff/v4"

	"github.com/trustmesh/agent-go/pkg/common/log"
)

// ErrNotFound is returned when a DID does not resolve to a document.
// Resolution is not retried for this error.
var ErrNotFound = errors.New("did document not found")

var resolverLogger = log.New("agent-go/doc/did")

// ResolutionError indicates a transient resolution failure, such as an
// unreachable verifiable data registry.
type ResolutionError struct {
	DID   string
	Cause error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolve %s: %v", e.DID, e.Cause)
}

// Unwrap returns the underlying cause.
func (e *ResolutionError) Unwrap() error {
	return e.Cause
}

// Resolver resolves DIDs to DID documents.
type Resolver interface {
	ResolveDidDocument(ctx context.Context, did string) (*Doc, error)
}

// CachingResolver wraps a Resolver with an LRU cache of resolved documents.
type CachingResolver struct {
	resolver Resolver
	cache    gcache.Cache
}

// NewCachingResolver returns a caching resolver holding up to size documents
// for at most ttl each.
func NewCachingResolver(resolver Resolver, size int, ttl time.Duration) *CachingResolver {
	return &CachingResolver{
		resolver: resolver,
		cache:    gcache.New(size).LRU().Expiration(ttl).Build(),
	}
}

// ResolveDidDocument returns the cached document when present, resolving and
// caching otherwise. Failed resolutions are not cached.
func (r *CachingResolver) ResolveDidDocument(ctx context.Context, did string) (*Doc, error) {
	if cached, err := r.cache.Get(did); err == nil {
		return cached.(*Doc), nil
	}

	doc, err := r.resolver.ResolveDidDocument(ctx, did)
	if err != nil {
		return nil, err
	}

	if err := r.cache.Set(did, doc); err != nil {
		resolverLogger.Warnf("failed to cache did document for %s: %v", did, err)
	}

	return doc, nil
}

// ResolveWithRetry resolves a DID, retrying transient failures with
// exponential backoff. ErrNotFound is treated as permanent.
func ResolveWithRetry(ctx context.Context, resolver Resolver, did string, maxRetries uint64) (*Doc, error) {
	var doc *Doc

	operation := func() error {
		var err error

		doc, err = resolver.ResolveDidDocument(ctx, did)
		if errors.Is(err, ErrNotFound) {
			return backoff.Permanent(err)
		}

		return err
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxRetries), ctx)

	if err := backoff.Retry(operation, policy); err != nil {
		return nil, err
	}

	return doc, nil
}
