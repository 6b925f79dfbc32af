package history

import (
	"context"
	"os"
	"testing"
)

// testDSN skips the test unless GEMOS_TEST_POSTGRES_DSN is set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("GEMOS_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("GEMOS_TEST_POSTGRES_DSN not set, skipping PostgreSQL integration tests")
	}
	return dsn
}

func TestPostgresStore_RecordAndRecent(t *testing.T) {
	ctx := context.Background()
	s, err := NewPostgresStore(ctx, testDSN(t))
	if err != nil {
		t.Fatalf("NewPostgresStore: %v", err)
	}
	t.Cleanup(s.Close)

	for _, e := range []struct{ role, content string }{
		{RoleUser, "hey gem what time is it"},
		{RoleAssistant, "It is noon."},
		{RoleUser, "thank you"},
	} {
		if err := s.Record(ctx, e.role, e.content); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	got, err := s.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].Content != "It is noon." || got[1].Content != "thank you" {
		t.Errorf("Recent = %+v, want oldest first", got)
	}
	if got[0].SessionID != s.SessionID() {
		t.Errorf("SessionID = %q, want %q", got[0].SessionID, s.SessionID())
	}

	// A second store is a new session and sees nothing.
	other, err := NewPostgresStore(ctx, testDSN(t))
	if err != nil {
		t.Fatalf("NewPostgresStore: %v", err)
	}
	t.Cleanup(other.Close)
	if got, _ := other.Recent(ctx, 10); len(got) != 0 {
		t.Errorf("new session Recent len = %d, want 0", len(got))
	}
}

func TestPostgresStore_InvalidDSN(t *testing.T) {
	if _, err := NewPostgresStore(context.Background(), "postgres://localhost:notaport/gemos"); err == nil {
		t.Fatal("NewPostgresStore with bad dsn: want error")
	}
}
