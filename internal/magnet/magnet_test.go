package magnet

import "testing"

func TestFromStringRequiresXT(t *testing.T) {
	_, err := FromString("magnet:?dn=foo")
	if err != ErrMissingExactTopic {
		t.Fatalf("expected ErrMissingExactTopic, got %v", err)
	}
}

func TestRoundTrip(t *testing.T) {
	const uri = "magnet:?xt=urn:btih:6b0cd35c9c0a6c9e2f3f3e9b9c9e2f3f3e9b9c9e&dn=debian&tr=http%3A%2F%2Ftracker.example%2Fannounce"
	m, err := FromString(uri)
	if err != nil {
		t.Fatalf("FromString: %v", err)
	}
	if m.Name != "debian" {
		t.Fatalf("unexpected name %q", m.Name)
	}
	if len(m.Trackers) != 1 || m.Trackers[0] != "http://tracker.example/announce" {
		t.Fatalf("unexpected trackers: %v", m.Trackers)
	}
	if m.String() != uri {
		t.Fatalf("round trip mismatch:\n got: %s\nwant: %s", m.String(), uri)
	}
}

func TestFromStringRejectsBadScheme(t *testing.T) {
	_, err := FromString("http://example.com")
	if err == nil {
		t.Fatal("expected error for non-magnet scheme")
	}
}
