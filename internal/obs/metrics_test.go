package obs

import "testing"

func TestCanonicalPath(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"/v1/leases", "/v1/leases"},
		{"/v1/leases/lse_01J8X9ABCDEF", "/v1/leases/:id"},
		{"/v1/leases/lse_01J8X9ABCDEF/signers", "/v1/leases/:id/signers"},
		{"/v1/leases/lse_01J8X9ABCDEF/signatures", "/v1/leases/:id/signatures"},
		{"/v1/amendments/amd_01J8X9ABCDEF/sign", "/v1/amendments/:id/sign"},
		{"/v1/inspections/edl_01J8X9ABCDEF", "/v1/inspections/:id"},
		{"/v1/leases/lse_X/diagnose?verbose=1", "/v1/leases/:id/diagnose"},
		{"", "/"},
		{"/healthz", "/healthz"},
	}
	for _, tc := range cases {
		if got := CanonicalPath(tc.in); got != tc.want {
			t.Errorf("CanonicalPath(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestLooksLikeID(t *testing.T) {
	for _, seg := range []string{"lse_abc", "sgn_abc", "amd_abc", "edl_abc", "itm_abc", "evt_abc"} {
		if !looksLikeID(seg) {
			t.Errorf("expected %q to look like an id", seg)
		}
	}
	for _, seg := range []string{"leases", "v1", "signers", "lease_x"} {
		if looksLikeID(seg) {
			t.Errorf("expected %q to be a literal segment", seg)
		}
	}
}
