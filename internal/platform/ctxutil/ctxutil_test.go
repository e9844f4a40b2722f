package ctxutil

import (
	"context"
	"testing"
)

func TestIdentityRoundTrip(t *testing.T) {
	ctx := WithIdentity(context.Background(), &Identity{User: "alice"})
	id := GetIdentity(ctx)
	if id == nil || id.User != "alice" {
		t.Fatalf("identity=%+v", id)
	}
	if !id.CanActFor("alice") {
		t.Fatalf("alice should act for herself")
	}
	if id.CanActFor("bob") {
		t.Fatalf("non-admin acting for bob")
	}
	admin := &Identity{User: "root", Admin: true}
	if !admin.CanActFor("bob") {
		t.Fatalf("admin should act for anyone")
	}
	var none *Identity
	if none.CanActFor("alice") {
		t.Fatalf("nil identity acts for nobody")
	}
	if GetIdentity(context.Background()) != nil {
		t.Fatalf("expected nil identity on bare context")
	}
}
