package keygen

import (
	"errors"
	"testing"

	"encore.app/cacheerrors"
)

type userID struct{ ID int }

func (u userID) CacheKeyPart() string { return "user:" + itoa(u.ID) }

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	neg := i < 0
	if neg {
		i = -i
	}
	var b []byte
	for i > 0 {
		b = append([]byte{byte('0' + i%10)}, b...)
		i /= 10
	}
	if neg {
		b = append([]byte{'-'}, b...)
	}
	return string(b)
}

func TestGenerators_Determinism(t *testing.T) {
	for _, kind := range []string{StrategyFastHash, StrategyJSON, StrategyMessagePack} {
		gen, err := New(kind)
		if err != nil {
			t.Fatalf("New(%s): %v", kind, err)
		}
		a, err := gen.Generate("UserService.Get", []any{42, "active"}, Policy{})
		if err != nil {
			t.Fatalf("%s Generate: %v", kind, err)
		}
		b, err := gen.Generate("UserService.Get", []any{42, "active"}, Policy{})
		if err != nil {
			t.Fatalf("%s Generate (2nd): %v", kind, err)
		}
		if a != b {
			t.Errorf("%s: not deterministic: %q vs %q", kind, a, b)
		}
	}
}

func TestGenerators_DistinctArgsDistinctKeys(t *testing.T) {
	gen, _ := New(StrategyFastHash)
	a, _ := gen.Generate("UserService.Get", []any{1}, Policy{})
	b, _ := gen.Generate("UserService.Get", []any{2}, Policy{})
	if a == b {
		t.Errorf("expected distinct keys for distinct args, both = %q", a)
	}
}

func TestVersionSuffix_DisjointKeys(t *testing.T) {
	gen, _ := New(StrategyFastHash)
	withoutVersion, _ := gen.Generate("M", []any{1}, Policy{})
	v1, _ := gen.Generate("M", []any{1}, Policy{Version: 1, HasVersion: true})
	v2, _ := gen.Generate("M", []any{1}, Policy{Version: 2, HasVersion: true})

	if v1 == v2 || v1 == withoutVersion || v2 == withoutVersion {
		t.Errorf("expected three disjoint keys, got %q, %q, %q", withoutVersion, v1, v2)
	}
}

func TestCacheKeyPart_UsedVerbatim(t *testing.T) {
	gen, _ := New(StrategyJSON)
	key, err := gen.Generate("UserService.Get", []any{userID{ID: 7}}, Policy{})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if !contains(key, "user:7") {
		t.Errorf("expected key to contain CacheKeyPart verbatim, got %q", key)
	}
}

// userIDAlt carries a different internal shape than userID but reports the
// same CacheKeyPart, so a msgpack encoding of the struct itself would
// disagree while the canonical-part encoding must agree.
type userIDAlt struct{ Name string }

func (u userIDAlt) CacheKeyPart() string { return "user:7" }

func TestCacheKeyPart_UsedVerbatim_MessagePack(t *testing.T) {
	gen, _ := New(StrategyMessagePack)
	a, err := gen.Generate("UserService.Get", []any{userID{ID: 7}}, Policy{})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	b, err := gen.Generate("UserService.Get", []any{userIDAlt{Name: "anything"}}, Policy{})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if a != b {
		t.Errorf("expected CacheKeyPart to be used verbatim regardless of struct shape: %q != %q", a, b)
	}

	withoutCacheKeyPart, err := gen.Generate("UserService.Get", []any{userID{ID: 8}}, Policy{})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if a == withoutCacheKeyPart {
		t.Errorf("expected a distinct CacheKeyPart value to produce a distinct key")
	}
}

func contains(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}

func TestUnhashableArgument(t *testing.T) {
	gen, _ := New(StrategyFastHash)
	_, err := gen.Generate("M", []any{func() {}}, Policy{})
	if !errors.Is(err, cacheerrors.ErrUnhashableArgument) {
		t.Errorf("expected ErrUnhashableArgument, got %v", err)
	}
}

func TestNew_UnknownStrategy(t *testing.T) {
	if _, err := New("bogus"); err == nil {
		t.Error("expected error for unknown strategy")
	}
}

func BenchmarkFastHash_Generate(b *testing.B) {
	gen, _ := New(StrategyFastHash)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = gen.Generate("UserService.Get", []any{42, "active"}, Policy{})
	}
}
