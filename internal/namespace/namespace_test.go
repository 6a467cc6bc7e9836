package namespace

import "testing"

func TestNewRejectsOverlap(t *testing.T) {
	cases := []struct {
		remote, local string
		ok            bool
	}{
		{"users/x/proj", ".local", true},
		{"users/x/proj", "users/x", false},
		{"proj", "local/proj/cache", false},
		{"", ".local", false},
		{"users/x", "", false},
	}
	for _, tc := range cases {
		_, err := New(tc.remote, tc.local)
		if (err == nil) != tc.ok {
			t.Fatalf("New(%q, %q): err=%v, want ok=%v", tc.remote, tc.local, err, tc.ok)
		}
	}
}

func TestMappingRoundTrip(t *testing.T) {
	m, err := New("users/x/proj", ".local")
	if err != nil {
		t.Fatal(err)
	}
	local := ".local/cities/buffered"
	if !m.Tracks(local) {
		t.Fatalf("expected %s to be tracked", local)
	}
	asset := m.ToRemote(local)
	if asset != "users/x/proj/cities/buffered" {
		t.Fatalf("unexpected asset %s", asset)
	}
	if m.ToLocal(asset) != local {
		t.Fatalf("round trip mismatch: %s", m.ToLocal(asset))
	}
	if m.Tracks("data/raw.csv") {
		t.Fatalf("plain file must not be tracked")
	}
	got := m.AllToRemote([]string{local, "data/raw.csv"})
	if got[0] != asset || got[1] != "data/raw.csv" {
		t.Fatalf("unexpected mapping %v", got)
	}
}

func TestZeroMappingDisabled(t *testing.T) {
	var m Mapping
	if m.Enabled() || m.Tracks(".local/x") {
		t.Fatalf("zero mapping must be disabled")
	}
}
