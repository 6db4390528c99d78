package conversation

import (
	"context"
	"testing"
)

func TestService_EnterAndLeaveDispute(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	svc := NewService(store)

	if err := svc.EnterDispute(ctx, "ord-1"); err != nil {
		t.Fatalf("EnterDispute: %v", err)
	}
	c, err := store.GetByOrder(ctx, "ord-1")
	if err != nil {
		t.Fatalf("GetByOrder: %v", err)
	}
	if c.Type != TypeDispute || !c.AdminInvolved {
		t.Errorf("expected dispute mode with admin, got %+v", c)
	}

	if err := svc.LeaveDispute(ctx, "ord-1"); err != nil {
		t.Fatalf("LeaveDispute: %v", err)
	}
	c2, _ := store.GetByOrder(ctx, "ord-1")
	if c2.Type != TypeOrder || c2.AdminInvolved {
		t.Errorf("expected order mode without admin, got %+v", c2)
	}
	if c2.ID != c.ID {
		t.Error("conversation id must be stable across mode changes")
	}
}

func TestService_PostSystemMessage_CreatesConversation(t *testing.T) {
	ctx := context.Background()
	svc := NewService(NewMemoryStore())

	msg, err := svc.PostSystemMessage(ctx, "ord-2", "A dispute was opened.")
	if err != nil {
		t.Fatalf("PostSystemMessage: %v", err)
	}
	if msg.Kind != "system" {
		t.Errorf("expected system message, got %q", msg.Kind)
	}

	msgs, err := svc.Messages(ctx, "ord-2", 10)
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Body != "A dispute was opened." {
		t.Fatalf("unexpected messages: %+v", msgs)
	}
}

func TestService_Messages_Limit(t *testing.T) {
	ctx := context.Background()
	svc := NewService(NewMemoryStore())
	for _, body := range []string{"one", "two", "three"} {
		if _, err := svc.PostSystemMessage(ctx, "ord-3", body); err != nil {
			t.Fatal(err)
		}
	}

	msgs, err := svc.Messages(ctx, "ord-3", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 || msgs[0].Body != "two" || msgs[1].Body != "three" {
		t.Fatalf("expected last two messages oldest first, got %+v", msgs)
	}
}

func TestService_Messages_Unknown(t *testing.T) {
	svc := NewService(NewMemoryStore())
	if _, err := svc.Messages(context.Background(), "nope", 10); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
