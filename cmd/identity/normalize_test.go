package identity

import "testing"

func TestEmailDomain(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"alice@Corp.Example":   "corp.example",
		" bob@a.b ":            "a.b",
		"no-at-sign":           "",
		"trailing@":            "",
		"":                     "",
		"weird@name@host.test": "host.test",
	}
	for in, want := range cases {
		if got := EmailDomain(in); got != want {
			t.Fatalf("EmailDomain(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNormalizeName(t *testing.T) {
	t.Parallel()

	if got := NormalizeName("  Ada \t Lovelace\n"); got != "Ada Lovelace" {
		t.Fatalf("got %q", got)
	}
}

func TestParseRole_UnknownFallsBackToSubscriber(t *testing.T) {
	t.Parallel()

	if ParseRole("ADMIN") != RoleAdmin {
		t.Fatalf("expected admin")
	}
	if ParseRole("superuser") != RoleSubscriber {
		t.Fatalf("expected fallback to subscriber")
	}
}
