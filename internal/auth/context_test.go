package auth

import (
	"context"
	"testing"
)

func TestContextRoundTrip(t *testing.T) {
	ctx := ContextWithUser(context.Background(), "owner-1", []string{RoleOwner})

	id, ok := UserIDFromContext(ctx)
	if !ok || id != "owner-1" {
		t.Fatalf("id=%q ok=%v", id, ok)
	}
	roles := RolesFromContext(ctx)
	if len(roles) != 1 || roles[0] != RoleOwner {
		t.Fatalf("roles=%v", roles)
	}
	if IsAdmin(ctx) {
		t.Fatal("owner is not admin")
	}

	if IsAdmin(ContextWithUser(context.Background(), "a", []string{RoleAdmin})) != true {
		t.Fatal("admin role not detected")
	}
}

func TestContextEmpty(t *testing.T) {
	if _, ok := UserIDFromContext(context.Background()); ok {
		t.Fatal("bare context should carry no user")
	}
	if RolesFromContext(context.Background()) != nil {
		t.Fatal("bare context should carry no roles")
	}
	if _, ok := UserIDFromContext(nil); ok {
		t.Fatal("nil context should carry no user")
	}
}
