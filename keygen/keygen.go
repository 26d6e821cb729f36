// Package keygen implements the cache's KeyGenerator contract: derive a
// single stable string key from a method id, its arguments, and the
// effective policy governing it.
//
// Three strategies are provided (FastHash, Json, MessagePack); all must
// produce the same key for structurally equal inputs (P9, key determinism).
package keygen

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/vmihailenco/msgpack/v5"

	"encore.app/cacheerrors"
	"encore.app/pkg/utils"
)

// Strategy names, also used as Policy.KeyGeneratorKind values.
const (
	StrategyFastHash    = "fast_hash"
	StrategyJSON        = "json"
	StrategyMessagePack = "msgpack"
)

// CacheKeyPart lets an argument type opt out of canonical encoding and
// supply its own verbatim key fragment (e.g. a domain ID already guaranteed
// stable and unique).
type CacheKeyPart interface {
	CacheKeyPart() string
}

// Policy is the subset of a resolved cache policy KeyGenerator needs. It is
// defined here rather than imported from package policy to keep keygen
// dependency-free of the policy pipeline; package invocation adapts a real
// policy.CachePolicy into this shape at the call site.
type Policy struct {
	KeyGeneratorKind string
	Version          int
	HasVersion       bool
}

// Generator derives a cache key for a method invocation.
type Generator interface {
	Generate(methodID string, args []any, policy Policy) (string, error)
	Kind() string
}

// New returns the Generator for the named strategy. An empty kind defaults
// to FastHash.
func New(kind string) (Generator, error) {
	switch kind {
	case "", StrategyFastHash:
		return fastHash{}, nil
	case StrategyJSON:
		return jsonKey{}, nil
	case StrategyMessagePack:
		return msgpackKey{}, nil
	default:
		return nil, fmt.Errorf("keygen: unknown strategy %q", kind)
	}
}

func canonicalParts(args []any) ([]string, error) {
	return canonicalPartsWith(args, json.Marshal)
}

// canonicalPartsWith builds one canonical string per argument, giving any
// CacheKeyPart implementation the final say over its own encoding and
// falling back to marshal for everything else. Every strategy (FastHash,
// Json, MessagePack) routes through this so the CacheKeyPart contract is
// honored uniformly regardless of which encoder backs it.
func canonicalPartsWith(args []any, marshal func(any) ([]byte, error)) ([]string, error) {
	parts := make([]string, 0, len(args))
	for i, arg := range args {
		if kp, ok := arg.(CacheKeyPart); ok {
			parts = append(parts, kp.CacheKeyPart())
			continue
		}
		if arg == nil {
			parts = append(parts, "null")
			continue
		}
		buf, err := marshal(arg)
		if err != nil {
			return nil, fmt.Errorf("%w: argument %d (%T): %v", cacheerrors.ErrUnhashableArgument, i, arg, err)
		}
		parts = append(parts, string(buf))
	}
	return parts, nil
}

func withVersionSuffix(key string, policy Policy) string {
	if !policy.HasVersion {
		return key
	}
	return key + ":v" + strconv.Itoa(policy.Version)
}

// fastHash hashes the canonical encoding of methodID+args with FNV-1a and
// base64-encodes the digest, reusing the same hash primitive as the
// consistent-hash ring and the striped lock (pkg/utils.HashString).
type fastHash struct{}

func (fastHash) Kind() string { return StrategyFastHash }

func (fastHash) Generate(methodID string, args []any, policy Policy) (string, error) {
	parts, err := canonicalParts(args)
	if err != nil {
		return "", err
	}
	canon := methodID + "|" + strings.Join(parts, "|")
	digest := utils.HashString(canon)
	encoded := base64.RawURLEncoding.EncodeToString(uint64ToBytes(digest))
	return withVersionSuffix(encoded, policy), nil
}

func uint64ToBytes(v uint64) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (56 - 8*i))
	}
	return b
}

// jsonKey builds a human-readable key from the method id and the JSON
// encoding of each argument, useful for debugging and for backends where
// key inspectability matters more than compactness.
type jsonKey struct{}

func (jsonKey) Kind() string { return StrategyJSON }

func (jsonKey) Generate(methodID string, args []any, policy Policy) (string, error) {
	parts, err := canonicalParts(args)
	if err != nil {
		return "", err
	}
	key := methodID + "(" + strings.Join(parts, ",") + ")"
	return withVersionSuffix(key, policy), nil
}

// msgpackKey canonicalizes arguments through MessagePack before hashing.
// The encoder sorts map keys, so structurally equal values encode
// byte-identically regardless of construction order, preserving P9.
type msgpackKey struct{}

func (msgpackKey) Kind() string { return StrategyMessagePack }

func (msgpackKey) Generate(methodID string, args []any, policy Policy) (string, error) {
	marshalSorted := func(v any) ([]byte, error) {
		var buf bytes.Buffer
		enc := msgpack.NewEncoder(&buf)
		enc.SetSortMapKeys(true)
		if err := enc.Encode(v); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}
	parts, err := canonicalPartsWith(args, marshalSorted)
	if err != nil {
		return "", err
	}
	digest := utils.HashString(methodID + "|" + strings.Join(parts, "|"))
	encoded := base64.RawURLEncoding.EncodeToString(uint64ToBytes(digest))
	return withVersionSuffix(encoded, policy), nil
}
