package presence

import (
	"testing"

	"github.com/redis/go-redis/v9"
)

func TestNewStoreWithClient(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	defer client.Close()

	s := NewStoreWithClient(client)
	if s.Client() != client {
		t.Fatal("store must wrap the client it was given")
	}
}

func TestHashCredential(t *testing.T) {
	h1 := HashCredential("tok-abc")
	h2 := HashCredential("tok-abc")
	if h1 != h2 {
		t.Fatalf("same credential hashed differently: %s vs %s", h1, h2)
	}
	if len(h1) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(h1))
	}
	if HashCredential("tok-other") == h1 {
		t.Fatal("different credentials must not collide trivially")
	}
	if HashCredential("tok-abc") == "tok-abc" {
		t.Fatal("credential must not be stored in the clear")
	}
}
