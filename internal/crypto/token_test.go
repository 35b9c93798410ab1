package crypto

import "testing"

func TestBootstrapTokenUniqueness(t *testing.T) {
	first, err := NewBootstrapToken()
	if err != nil {
		t.Fatalf("token error: %v", err)
	}
	second, err := NewBootstrapToken()
	if err != nil {
		t.Fatalf("token error: %v", err)
	}
	if first == second {
		t.Fatalf("expected distinct tokens")
	}
}

func TestHashTokenStable(t *testing.T) {
	token, err := NewBootstrapToken()
	if err != nil {
		t.Fatalf("token error: %v", err)
	}
	if HashToken(token) != HashToken(token) {
		t.Fatalf("expected stable hash")
	}
	if HashToken(token) == token {
		t.Fatalf("hash must differ from token")
	}
}
