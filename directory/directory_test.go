package directory

import (
	"context"
	"errors"
	"testing"
)

func TestStaticLookup(t *testing.T) {
	dir := NewStatic(
		&User{ID: "user-1", Email: "one@example.com", Name: "One"},
		&User{ID: "user-2", Email: "two@example.com"},
	)

	u, err := dir.LookupUser(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("LookupUser() error = %v", err)
	}
	if u.Email != "one@example.com" {
		t.Errorf("LookupUser().Email = %q", u.Email)
	}

	if _, err := dir.LookupUser(context.Background(), "missing"); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("LookupUser(missing) error = %v, want ErrUserNotFound", err)
	}
}

func TestStaticAddUser(t *testing.T) {
	dir := NewStatic()

	if err := dir.AddUser(&User{ID: "user-3", Name: "Three"}); err != nil {
		t.Fatalf("AddUser() error = %v", err)
	}
	if _, err := dir.LookupUser(context.Background(), "user-3"); err != nil {
		t.Errorf("LookupUser() after AddUser error = %v", err)
	}

	if err := dir.AddUser(nil); err == nil {
		t.Error("AddUser(nil) should fail")
	}
	if err := dir.AddUser(&User{}); err == nil {
		t.Error("AddUser with empty ID should fail")
	}
}
