package persistence

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"storyroom/pkg/types"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", "file::memory:?_foreign_keys=ON")
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := initializeSchema(db); err != nil {
		t.Fatalf("failed to initialize schema: %v", err)
	}
	return db
}

func TestCreateAndGetRoom(t *testing.T) {
	db := newTestDB(t)
	repo := NewRepository(db)
	ctx := context.Background()

	room := &types.Room{
		ID: "r1", Name: "A", HostPlayerID: "p1", Status: types.RoomWaiting,
		Players:   []types.PlayerRef{{ID: "p1", Role: types.RoleHost}},
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
	if err := repo.CreateRoom(ctx, room); err != nil {
		t.Fatalf("CreateRoom() error = %v", err)
	}

	got, err := repo.GetRoom(ctx, "r1")
	if err != nil {
		t.Fatalf("GetRoom() error = %v", err)
	}
	if got.Name != "A" || got.HostPlayerID != "p1" || got.Status != types.RoomWaiting {
		t.Errorf("unexpected room: %+v", got)
	}
	if len(got.Players) != 1 || got.Players[0].ID != "p1" {
		t.Errorf("unexpected players: %+v", got.Players)
	}
}

func TestStoryCreationAndRollback(t *testing.T) {
	db := newTestDB(t)
	repo := NewRepository(db)
	ctx := context.Background()

	room := &types.Room{ID: "r1", Name: "A", HostPlayerID: "p1", Status: types.RoomWaiting, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	if err := repo.CreateRoom(ctx, room); err != nil {
		t.Fatalf("CreateRoom() error = %v", err)
	}

	story := &types.Story{ID: "s1", RoomID: "r1", Title: "T", Background: "B", CreatedAt: time.Now()}
	if err := repo.CreateStory(ctx, story); err != nil {
		t.Fatalf("CreateStory() error = %v", err)
	}

	got, err := repo.GetRoom(ctx, "r1")
	if err != nil {
		t.Fatalf("GetRoom() error = %v", err)
	}
	if got.StoryID != "s1" {
		t.Errorf("expected room to reference story s1, got %q", got.StoryID)
	}

	if err := repo.DeleteStory(ctx, "s1", "r1"); err != nil {
		t.Fatalf("DeleteStory() error = %v", err)
	}
	got, err = repo.GetRoom(ctx, "r1")
	if err != nil {
		t.Fatalf("GetRoom() error = %v", err)
	}
	if got.StoryID != "" {
		t.Errorf("expected room story reference cleared after rollback, got %q", got.StoryID)
	}
	if _, err := repo.GetStory(ctx, "s1"); err != ErrNotFound {
		t.Errorf("expected story to be gone after rollback, got err = %v", err)
	}
}

func TestActivateChapterAtomicWithTodosAndProgress(t *testing.T) {
	db := newTestDB(t)
	repo := NewRepository(db)
	ctx := context.Background()

	room := &types.Room{ID: "r1", Name: "A", HostPlayerID: "p1", Status: types.RoomPlaying, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	_ = repo.CreateRoom(ctx, room)
	story := &types.Story{ID: "s1", RoomID: "r1", Title: "T", CreatedAt: time.Now()}
	_ = repo.CreateStory(ctx, story)

	chapter := &types.Chapter{ID: "c1", StoryID: "s1", Number: 1, Content: "Once upon a time", StartTime: time.Now()}
	todos := []types.Todo{
		{ID: "t1", Content: "Find the key", Priority: 3},
		{ID: "t2", Content: "Talk to the butler", Priority: 2},
	}
	if err := repo.ActivateChapter(ctx, chapter, todos, []string{"p1"}, 10*time.Minute); err != nil {
		t.Fatalf("ActivateChapter() error = %v", err)
	}

	active, err := repo.GetActiveChapter(ctx, "s1")
	if err != nil {
		t.Fatalf("GetActiveChapter() error = %v", err)
	}
	if active.Number != 1 || active.Status != types.ChapterActive {
		t.Errorf("unexpected active chapter: %+v", active)
	}

	gotTodos, err := repo.TodosForChapter(ctx, "c1")
	if err != nil {
		t.Fatalf("TodosForChapter() error = %v", err)
	}
	if len(gotTodos) != 2 {
		t.Fatalf("expected 2 todos, got %d", len(gotTodos))
	}

	progress, err := repo.ProgressForChapter(ctx, "c1")
	if err != nil {
		t.Fatalf("ProgressForChapter() error = %v", err)
	}
	if len(progress) != 1 || progress[0].TotalTodoCount != 2 {
		t.Errorf("unexpected progress rows: %+v", progress)
	}
}

func TestCompleteTodoIsIdempotent(t *testing.T) {
	db := newTestDB(t)
	repo := NewRepository(db)
	ctx := context.Background()

	_ = repo.CreateRoom(ctx, &types.Room{ID: "r1", HostPlayerID: "p1", Status: types.RoomPlaying, CreatedAt: time.Now(), UpdatedAt: time.Now()})
	_ = repo.CreateStory(ctx, &types.Story{ID: "s1", RoomID: "r1", CreatedAt: time.Now()})
	chapter := &types.Chapter{ID: "c1", StoryID: "s1", Number: 1, StartTime: time.Now()}
	_ = repo.ActivateChapter(ctx, chapter, []types.Todo{{ID: "t1", Priority: 1}}, []string{"p1"}, time.Minute)

	if err := repo.CompleteTodoForPlayer(ctx, "t1", "c1", "p1"); err != nil {
		t.Fatalf("CompleteTodoForPlayer() error = %v", err)
	}
	if err := repo.CompleteTodoForPlayer(ctx, "t1", "c1", "p1"); err != nil {
		t.Fatalf("second CompleteTodoForPlayer() error = %v", err)
	}

	todos, _ := repo.TodosForChapter(ctx, "c1")
	if len(todos) != 1 || todos[0].Status != types.TodoCompleted {
		t.Errorf("expected todo completed exactly once, got %+v", todos)
	}

	count, err := repo.CompletedTodoCountForPlayer(ctx, "c1", "p1")
	if err != nil {
		t.Fatalf("CompletedTodoCountForPlayer() error = %v", err)
	}
	if count != 1 {
		t.Errorf("expected attribution recorded exactly once, got %d", count)
	}
}

func TestMarkTimeoutPlayersComplete(t *testing.T) {
	db := newTestDB(t)
	repo := NewRepository(db)
	ctx := context.Background()

	_ = repo.CreateRoom(ctx, &types.Room{ID: "r1", HostPlayerID: "p1", Status: types.RoomPlaying, CreatedAt: time.Now(), UpdatedAt: time.Now()})
	_ = repo.CreateStory(ctx, &types.Story{ID: "s1", RoomID: "r1", CreatedAt: time.Now()})
	chapter := &types.Chapter{ID: "c1", StoryID: "s1", Number: 1, StartTime: time.Now()}
	_ = repo.ActivateChapter(ctx, chapter, []types.Todo{{ID: "t1", Priority: 1}, {ID: "t2", Priority: 1}}, []string{"p1"}, -time.Minute)

	updated, err := repo.MarkTimeoutPlayersComplete(ctx, "c1", time.Now())
	if err != nil {
		t.Fatalf("MarkTimeoutPlayersComplete() error = %v", err)
	}
	if len(updated) != 1 || updated[0].CompletionRate != 1.0 {
		t.Errorf("expected p1 force-completed, got %+v", updated)
	}
}

func TestMessagesVisibleTo(t *testing.T) {
	db := newTestDB(t)
	repo := NewRepository(db)
	ctx := context.Background()

	_ = repo.CreateRoom(ctx, &types.Room{ID: "r1", HostPlayerID: "p1", Status: types.RoomPlaying, CreatedAt: time.Now(), UpdatedAt: time.Now()})

	global := &types.Message{ID: "m1", RoomID: "r1", SenderID: "p1", Type: types.MessageGlobal, Content: "hi all", CreatedAt: time.Now()}
	private := &types.Message{ID: "m2", RoomID: "r1", SenderID: "p1", Type: types.MessagePrivate, Content: "secret", CreatedAt: time.Now()}
	direct := &types.Message{ID: "m3", RoomID: "r1", SenderID: "p1", RecipientID: "p2", Type: types.MessagePlayerToPlayer, Content: "psst", CreatedAt: time.Now()}

	for _, m := range []*types.Message{global, private, direct} {
		if err := repo.InsertMessage(ctx, m); err != nil {
			t.Fatalf("InsertMessage() error = %v", err)
		}
	}

	p3Visible, err := repo.MessagesVisibleTo(ctx, "r1", "p3")
	if err != nil {
		t.Fatalf("MessagesVisibleTo() error = %v", err)
	}
	if len(p3Visible) != 1 || p3Visible[0].ID != "m1" {
		t.Errorf("expected p3 to see only the global message, got %+v", p3Visible)
	}

	p1Visible, err := repo.MessagesVisibleTo(ctx, "r1", "p1")
	if err != nil {
		t.Fatalf("MessagesVisibleTo() error = %v", err)
	}
	if len(p1Visible) != 3 {
		t.Errorf("expected p1 (sender of all three) to see 3 messages, got %d", len(p1Visible))
	}
}

func TestLongTermMemoryRoundTrip(t *testing.T) {
	db := newTestDB(t)
	repo := NewRepository(db)
	ctx := context.Background()

	_ = repo.CreateRoom(ctx, &types.Room{ID: "r1", HostPlayerID: "p1", Status: types.RoomPlaying, CreatedAt: time.Now(), UpdatedAt: time.Now()})
	_ = repo.CreateStory(ctx, &types.Story{ID: "s1", RoomID: "r1", CreatedAt: time.Now()})

	events := []types.KeyEvent{{Text: "the butler confessed", Importance: 4}}
	relations := []types.CharacterRelation{{A: "alice", B: "bob", Weight: 0.7, Evidence: "alice and bob become friend"}}
	if err := repo.SaveLongTerm(ctx, "s1", events, relations, []string{"betrayal"}, []string{"manor"}); err != nil {
		t.Fatalf("SaveLongTerm() error = %v", err)
	}

	gotEvents, gotRelations, gotThemes, gotSettings, err := repo.LoadLongTerm(ctx, "s1")
	if err != nil {
		t.Fatalf("LoadLongTerm() error = %v", err)
	}
	if len(gotEvents) != 1 || gotEvents[0].Importance != 4 {
		t.Errorf("unexpected key events: %+v", gotEvents)
	}
	if len(gotRelations) != 1 || gotRelations[0].Weight != 0.7 {
		t.Errorf("unexpected relations: %+v", gotRelations)
	}
	if len(gotThemes) != 1 || gotThemes[0] != "betrayal" {
		t.Errorf("unexpected themes: %+v", gotThemes)
	}
	if len(gotSettings) != 1 || gotSettings[0] != "manor" {
		t.Errorf("unexpected settings: %+v", gotSettings)
	}
}
