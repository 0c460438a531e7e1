package dispatch

import (
	"errors"
	"testing"

	"github.com/danmuck/adminsync/internal/testutil/testlog"
)

func noop(*Call) error { return nil }

func mustRegister(t *testing.T, r *Registry, d Descriptor) {
	t.Helper()
	if d.Handler == nil {
		d.Handler = noop
	}
	if err := r.Register(d); err != nil {
		t.Fatalf("register %q: %v", d.Name, err)
	}
}

func TestLookupPrefersLongestAlias(t *testing.T) {
	testlog.Start(t)
	r := NewRegistry()
	mustRegister(t, r, Descriptor{Name: "protect", Aliases: []string{"/protect"}})
	mustRegister(t, r, Descriptor{Name: "protect-add", Aliases: []string{"/protect  add"}})
	mustRegister(t, r, Descriptor{Name: "tp", Aliases: []string{"/tp"}})
	mustRegister(t, r, Descriptor{Name: "tpto", Aliases: []string{"/tpto"}})

	cases := []struct {
		raw   string
		name  string
		alias string
		rest  string
	}{
		{raw: "/protect add spawn 0 0 0 50", name: "protect-add", alias: "/protect add", rest: "spawn 0 0 0 50"},
		{raw: "  /PROTECT\tAdd  ", name: "protect-add", alias: "/protect add", rest: ""},
		{raw: "/protect list", name: "protect", alias: "/protect", rest: "list"},
		{raw: "/protect addendum", name: "protect", alias: "/protect", rest: "addendum"},
		{raw: "/TpTo bob", name: "tpto", alias: "/tpto", rest: "bob"},
		{raw: "/tp  \"bob smith\"", name: "tp", alias: "/tp", rest: "\"bob smith\""},
	}
	for _, tc := range cases {
		m, ok := r.Lookup(tc.raw)
		if !ok {
			t.Fatalf("%q: no match", tc.raw)
		}
		if m.Descriptor.Name != tc.name || m.Alias != tc.alias || m.Rest != tc.rest {
			t.Fatalf("%q: got name=%q alias=%q rest=%q", tc.raw, m.Descriptor.Name, m.Alias, m.Rest)
		}
	}
}

func TestLookupRequiresAliasDelimiter(t *testing.T) {
	testlog.Start(t)
	r := NewRegistry()
	mustRegister(t, r, Descriptor{Name: "tp", Aliases: []string{"/tp"}})
	for _, raw := range []string{"/tpx", "/t", "hello /tp", "", "   "} {
		if m, ok := r.Lookup(raw); ok {
			t.Fatalf("%q should not match, got %q", raw, m.Descriptor.Name)
		}
	}
}

func TestLookupFoldsUnicodeCase(t *testing.T) {
	testlog.Start(t)
	r := NewRegistry()
	mustRegister(t, r, Descriptor{Name: "gruss", Aliases: []string{"/GRÜSS"}})
	if _, ok := r.Lookup("/grüss"); !ok {
		t.Fatalf("expected folded match")
	}
}

func TestRegisterRejectsCollisionsAtomically(t *testing.T) {
	testlog.Start(t)
	r := NewRegistry()
	mustRegister(t, r, Descriptor{Name: "ban", Aliases: []string{"/ban"}})
	err := r.Register(Descriptor{Name: "bad", Aliases: []string{"/bad", "/BAN"}, Handler: noop})
	if !errors.Is(err, ErrAliasCollision) {
		t.Fatalf("expected ErrAliasCollision, got %v", err)
	}
	if _, ok := r.Lookup("/bad"); ok {
		t.Fatalf("partially registered descriptor leaked into index")
	}
	if len(r.Descriptors()) != 1 {
		t.Fatalf("expected one descriptor, got %d", len(r.Descriptors()))
	}
}

func TestRegisterValidatesDescriptor(t *testing.T) {
	testlog.Start(t)
	r := NewRegistry()
	bad := []Descriptor{
		{Name: "", Aliases: []string{"/x"}, Handler: noop},
		{Name: "x", Handler: noop},
		{Name: "x", Aliases: []string{"/x"}},
		{Name: "x", Aliases: []string{"  "}, Handler: noop},
		{Name: "x", Aliases: []string{"/x", "/X"}, Handler: noop},
		{Name: "x", Aliases: []string{"/x"}, Handler: noop, Security: 9},
	}
	for i, d := range bad {
		if err := r.Register(d); !errors.Is(err, ErrInvalidDescriptor) {
			t.Fatalf("case %d: expected ErrInvalidDescriptor, got %v", i, err)
		}
	}
}

func TestRegisterAfterFreezeFails(t *testing.T) {
	testlog.Start(t)
	r := NewRegistry()
	r.Freeze()
	err := r.Register(Descriptor{Name: "late", Aliases: []string{"/late"}, Handler: noop})
	if !errors.Is(err, ErrRegistryFrozen) {
		t.Fatalf("expected ErrRegistryFrozen, got %v", err)
	}
}

func TestFindByNameOrAlias(t *testing.T) {
	testlog.Start(t)
	r := NewRegistry()
	mustRegister(t, r, Descriptor{Name: "Kick", Aliases: []string{"/kick", "/boot"}})
	for _, q := range []string{"kick", "/BOOT", "/kick"} {
		if d, ok := r.Find(q); !ok || d.Name != "Kick" {
			t.Fatalf("find %q failed", q)
		}
	}
	if _, ok := r.Find("ban"); ok {
		t.Fatalf("unexpected match")
	}
}
