package types

import "testing"

func TestVisibilityOf(t *testing.T) {
	cases := []struct {
		msgType MessageType
		want    Visibility
	}{
		{MessageGlobal, VisibilityGlobal},
		{MessageChapter, VisibilityGlobal},
		{MessagePrivate, VisibilityPrivate},
		{MessageStoryMachine, VisibilityPrivate},
		{MessagePlayerToPlayer, VisibilityDirect},
	}
	for _, c := range cases {
		if got := VisibilityOf(c.msgType); got != c.want {
			t.Errorf("VisibilityOf(%s) = %s, want %s", c.msgType, got, c.want)
		}
	}
}

func TestMessageVisibleTo(t *testing.T) {
	global := &Message{Type: MessageGlobal, SenderID: "p1"}
	if !global.VisibleTo("p2") {
		t.Error("global message should be visible to any player")
	}

	private := &Message{Type: MessagePrivate, SenderID: "p1"}
	if !private.VisibleTo("p1") {
		t.Error("private message should be visible to its sender")
	}
	if private.VisibleTo("p2") {
		t.Error("private message should not be visible to others")
	}

	direct := &Message{Type: MessagePlayerToPlayer, SenderID: "p1", RecipientID: "p2"}
	if !direct.VisibleTo("p1") || !direct.VisibleTo("p2") {
		t.Error("direct message should be visible to sender and recipient")
	}
	if direct.VisibleTo("p3") {
		t.Error("direct message should not be visible to a third player")
	}
}

func TestPlayerProgressRecompute(t *testing.T) {
	p := &PlayerProgress{CompletedTodoCount: 3, TotalTodoCount: 4}
	p.Recompute()
	if p.CompletionRate != 0.75 {
		t.Errorf("expected completion rate 0.75, got %v", p.CompletionRate)
	}

	p2 := &PlayerProgress{TotalTodoCount: 0}
	p2.Recompute()
	if p2.CompletionRate != 0 {
		t.Errorf("expected completion rate 0 with no todos, got %v", p2.CompletionRate)
	}
}

func TestRoomHasPlayer(t *testing.T) {
	r := &Room{Players: []PlayerRef{{ID: "p1", Role: RoleHost}, {ID: "p2", Role: RolePlayer}}}
	if !r.HasPlayer("p1") || !r.HasPlayer("p2") {
		t.Error("expected both players found")
	}
	if r.HasPlayer("p3") {
		t.Error("expected p3 not found")
	}
}
