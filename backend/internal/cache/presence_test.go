package cache

import (
	"context"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"
)

func testClient(t *testing.T) redis.UniversalClient {
	t.Helper()
	rdb := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{"127.0.0.1:6379"}})
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() { rdb.Close() })
	return rdb
}

func cleanup(t *testing.T, rdb redis.UniversalClient, formID string) {
	t.Helper()
	ctx := context.Background()
	rdb.Del(ctx, roomKey(formID), namesKey(formID))
}

func TestAddAndListMembers(t *testing.T) {
	rdb := testClient(t)
	formID := "cache-test-form-1"
	cleanup(t, rdb, formID)
	defer cleanup(t, rdb, formID)

	p := NewRedisPresence(rdb)
	ctx := context.Background()

	if err := p.AddMember(ctx, formID, "u1", "Ada", 10*time.Second); err != nil {
		t.Fatalf("AddMember: %v", err)
	}
	if err := p.AddMember(ctx, formID, "u2", "Bea", 10*time.Second); err != nil {
		t.Fatalf("AddMember: %v", err)
	}

	members, err := p.GetAliveMembers(ctx, formID)
	if err != nil {
		t.Fatalf("GetAliveMembers: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("alive members = %d, want 2", len(members))
	}
	byID := map[string]string{}
	for _, m := range members {
		byID[m.UserID] = m.DisplayName
	}
	if byID["u1"] != "Ada" || byID["u2"] != "Bea" {
		t.Fatalf("names = %v", byID)
	}
}

func TestExpiredMembersCollected(t *testing.T) {
	rdb := testClient(t)
	formID := "cache-test-form-2"
	cleanup(t, rdb, formID)
	defer cleanup(t, rdb, formID)

	p := NewRedisPresence(rdb)
	ctx := context.Background()

	// Already past its logical expiry.
	if err := p.AddMember(ctx, formID, "u1", "Ada", -2*time.Second); err != nil {
		t.Fatalf("AddMember: %v", err)
	}
	if err := p.AddMember(ctx, formID, "u2", "Bea", 10*time.Second); err != nil {
		t.Fatalf("AddMember: %v", err)
	}

	members, err := p.GetAliveMembers(ctx, formID)
	if err != nil {
		t.Fatalf("GetAliveMembers: %v", err)
	}
	if len(members) != 1 || members[0].UserID != "u2" {
		t.Fatalf("alive members = %+v, want only u2", members)
	}

	// The expired member's name hash entry is gone too.
	if n, err := rdb.HExists(ctx, namesKey(formID), "u1").Result(); err != nil || n {
		t.Fatalf("expired member name still present (exists=%v err=%v)", n, err)
	}
}

func TestRefreshExtendsLiveness(t *testing.T) {
	rdb := testClient(t)
	formID := "cache-test-form-3"
	cleanup(t, rdb, formID)
	defer cleanup(t, rdb, formID)

	p := NewRedisPresence(rdb)
	ctx := context.Background()

	if err := p.AddMember(ctx, formID, "u1", "Ada", -2*time.Second); err != nil {
		t.Fatalf("AddMember: %v", err)
	}
	// Heartbeat: same call, fresh expiry.
	if err := p.AddMember(ctx, formID, "u1", "Ada", 10*time.Second); err != nil {
		t.Fatalf("AddMember refresh: %v", err)
	}

	members, err := p.GetAliveMembers(ctx, formID)
	if err != nil {
		t.Fatalf("GetAliveMembers: %v", err)
	}
	if len(members) != 1 {
		t.Fatalf("alive members = %d, want 1", len(members))
	}
}

func TestRemoveMember(t *testing.T) {
	rdb := testClient(t)
	formID := "cache-test-form-4"
	cleanup(t, rdb, formID)
	defer cleanup(t, rdb, formID)

	p := NewRedisPresence(rdb)
	ctx := context.Background()

	if err := p.AddMember(ctx, formID, "u1", "Ada", 10*time.Second); err != nil {
		t.Fatalf("AddMember: %v", err)
	}
	if err := p.SetCursor(ctx, formID, "u1", []byte(`{"x":1,"y":2}`), 10*time.Second); err != nil {
		t.Fatalf("SetCursor: %v", err)
	}
	if err := p.RemoveMember(ctx, formID, "u1"); err != nil {
		t.Fatalf("RemoveMember: %v", err)
	}

	members, err := p.GetAliveMembers(ctx, formID)
	if err != nil {
		t.Fatalf("GetAliveMembers: %v", err)
	}
	if len(members) != 0 {
		t.Fatalf("alive members = %+v, want none", members)
	}
	if _, err := p.GetCursor(ctx, formID, "u1"); err != redis.Nil {
		t.Fatalf("cursor survived removal: %v", err)
	}
}

func TestCursorRoundTrip(t *testing.T) {
	rdb := testClient(t)
	formID := "cache-test-form-5"
	cleanup(t, rdb, formID)
	defer cleanup(t, rdb, formID)

	p := NewRedisPresence(rdb)
	ctx := context.Background()

	want := []byte(`{"x":12.5,"y":80}`)
	if err := p.SetCursor(ctx, formID, "u1", want, 10*time.Second); err != nil {
		t.Fatalf("SetCursor: %v", err)
	}
	got, err := p.GetCursor(ctx, formID, "u1")
	if err != nil {
		t.Fatalf("GetCursor: %v", err)
	}
	if string(got) != string(want) {
		t.Fatalf("cursor = %s, want %s", got, want)
	}
	rdb.Del(ctx, cursorKey(formID, "u1"))
}

// GetForms must return bare form ids, with the hash-tag wrapper stripped
// and the name hashes excluded from the scan.
func TestGetFormsReturnsBareIDs(t *testing.T) {
	rdb := testClient(t)
	formID := "cache-test-form-6"
	cleanup(t, rdb, formID)
	defer cleanup(t, rdb, formID)

	p := NewRedisPresence(rdb)
	ctx := context.Background()

	if err := p.AddMember(ctx, formID, "u1", "Ada", 10*time.Second); err != nil {
		t.Fatalf("AddMember: %v", err)
	}

	forms, err := p.GetForms(ctx)
	if err != nil {
		t.Fatalf("GetForms: %v", err)
	}
	found := false
	for _, f := range forms {
		if f == "{formId:"+formID+"}" {
			t.Fatalf("form id still wrapped in hash tag: %q", f)
		}
		if f == "presence:form:names:{formId:"+formID+"}" || f == "names:{formId:"+formID+"}" {
			t.Fatalf("name hash leaked into the form list: %q", f)
		}
		if f == formID {
			found = true
		}
	}
	if !found {
		t.Fatalf("form %q missing from %v", formID, forms)
	}
}

func TestFormIDFromRoomKey(t *testing.T) {
	if id, ok := formIDFromRoomKey(roomKey("demo")); !ok || id != "demo" {
		t.Fatalf("roomKey inversion = %q, %v", id, ok)
	}
	if _, ok := formIDFromRoomKey(namesKey("demo")); ok {
		t.Fatal("namesKey must not parse as a room key")
	}
	if _, ok := formIDFromRoomKey("presence:cursor:demo:u1"); ok {
		t.Fatal("cursor key must not parse as a room key")
	}
}
