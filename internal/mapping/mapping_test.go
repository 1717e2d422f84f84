package mapping

import "testing"

func TestResolveNoMappingsUsesDefault(t *testing.T) {
	table := Table{DefaultTarget: "http://localhost:8080"}
	base, path := table.Resolve("/client/a1/api/test")
	if base != "http://localhost:8080" {
		t.Fatalf("base = %q, want default target", base)
	}
	if path != "/client/a1/api/test" {
		t.Fatalf("path = %q, want unchanged", path)
	}
}

func TestResolvePrefixOnly(t *testing.T) {
	table := Table{
		Mappings:      []Entry{{Prefix: "api", Target: "http://localhost:5000"}},
		DefaultTarget: "http://localhost:8000",
	}
	base, path := table.Resolve("api")
	if base != "http://localhost:5000" || path != "/" {
		t.Fatalf("got base=%q path=%q", base, path)
	}
}

func TestResolvePrefixWithRemainder(t *testing.T) {
	table := Table{
		Mappings:      []Entry{{Prefix: "api", Target: "http://localhost:5000"}},
		DefaultTarget: "http://localhost:8000",
	}
	base, path := table.Resolve("api/v1/x")
	if base != "http://localhost:5000" || path != "/v1/x" {
		t.Fatalf("got base=%q path=%q", base, path)
	}
}

func TestResolveLeadingSlashStripped(t *testing.T) {
	table := Table{Mappings: []Entry{{Prefix: "api", Target: "http://t"}}}
	base, path := table.Resolve("/api/items")
	if base != "http://t" || path != "/items" {
		t.Fatalf("got base=%q path=%q", base, path)
	}
}

func TestResolveLongestPrefixWins(t *testing.T) {
	table := Table{
		Mappings: []Entry{
			{Prefix: "api", Target: "http://short"},
			{Prefix: "api/v2", Target: "http://long"},
		},
		DefaultTarget: "http://default",
	}
	base, path := table.Resolve("api/v2/items")
	if base != "http://long" {
		t.Fatalf("base = %q, want longest-prefix match", base)
	}
	if path != "/items" {
		t.Fatalf("path = %q", path)
	}
}

func TestResolveNoMatchFallsBackToDefault(t *testing.T) {
	table := Table{
		Mappings:      []Entry{{Prefix: "api", Target: "http://t"}},
		DefaultTarget: "http://default",
	}
	base, path := table.Resolve("admin/users")
	if base != "http://default" || path != "admin/users" {
		t.Fatalf("got base=%q path=%q", base, path)
	}
}

func TestResolveMatchesBarePrefixOfLongerSegment(t *testing.T) {
	// "apikey/x" has no segment boundary after "api", but matches() also
	// accepts a bare string prefix, so it still resolves to the "api" entry.
	table := Table{
		Mappings:      []Entry{{Prefix: "api", Target: "http://matched"}},
		DefaultTarget: "http://default",
	}
	base, _ := table.Resolve("apikey/x")
	if base != "http://matched" {
		t.Fatalf("spec step 2 permits bare-prefix substring match, got base=%q", base)
	}
}
