package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"storyroom/pkg/types"
)

// ErrNotFound is returned when a lookup finds no matching row.
var ErrNotFound = errors.New("not found")

// Repository is the transactional store behind C1: typed CRUD for every
// entity plus the query helpers named in spec §4.1. Readers run in
// parallel; writers that touch more than one entity go through a single
// *sql.Tx so they commit or roll back atomically.
type Repository struct {
	db *sql.DB
}

// NewRepository wraps db in a Repository.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func timeOrNil(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

func parseTime(v any) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			return time.Time{}
		}
		return parsed
	default:
		return time.Time{}
	}
}

// --- Players ---

// UpsertPlayer inserts or updates a player's profile.
func (r *Repository) UpsertPlayer(ctx context.Context, p *types.Player) error {
	statsJSON, err := json.Marshal(p.Stats)
	if err != nil {
		return fmt.Errorf("failed to marshal player stats: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO players (id, name, stats, last_active, online)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name=excluded.name, stats=excluded.stats,
			last_active=excluded.last_active, online=excluded.online`,
		p.ID, p.Name, string(statsJSON), timeOrNil(p.LastActive), p.Online)
	if err != nil {
		return fmt.Errorf("failed to upsert player: %w", err)
	}
	return nil
}

// GetPlayer loads a player by id.
func (r *Repository) GetPlayer(ctx context.Context, id string) (*types.Player, error) {
	row := r.db.QueryRowContext(ctx, `SELECT id, name, stats, last_active, online FROM players WHERE id = ?`, id)
	var p types.Player
	var statsJSON string
	var lastActive sql.NullString
	if err := row.Scan(&p.ID, &p.Name, &statsJSON, &lastActive, &p.Online); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load player: %w", err)
	}
	if statsJSON != "" {
		if err := json.Unmarshal([]byte(statsJSON), &p.Stats); err != nil {
			return nil, fmt.Errorf("failed to unmarshal player stats: %w", err)
		}
	}
	if lastActive.Valid {
		p.LastActive = parseTime(lastActive.String)
	}
	return &p, nil
}

// --- Rooms ---

// CreateRoom persists a new room in status=waiting with its host as the
// first member.
func (r *Repository) CreateRoom(ctx context.Context, room *types.Room) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO rooms (id, name, host_player_id, status, story_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, NULL, ?, ?)`,
		room.ID, room.Name, room.HostPlayerID, string(room.Status), room.CreatedAt.UTC(), room.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to insert room: %w", err)
	}

	for i, pr := range room.Players {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO room_players (room_id, player_id, role, position) VALUES (?, ?, ?, ?)`,
			room.ID, pr.ID, string(pr.Role), i); err != nil {
			return fmt.Errorf("failed to insert room player: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit room creation: %w", err)
	}
	return nil
}

// GetRoom loads a room and its ordered member list.
func (r *Repository) GetRoom(ctx context.Context, id string) (*types.Room, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, name, host_player_id, status, story_id, created_at, updated_at
		FROM rooms WHERE id = ?`, id)

	var room types.Room
	var storyID sql.NullString
	var status string
	var createdAt, updatedAt string
	if err := row.Scan(&room.ID, &room.Name, &room.HostPlayerID, &status, &storyID, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load room: %w", err)
	}
	room.Status = types.RoomStatus(status)
	if storyID.Valid {
		room.StoryID = storyID.String
	}
	room.CreatedAt = parseTime(createdAt)
	room.UpdatedAt = parseTime(updatedAt)

	rows, err := r.db.QueryContext(ctx, `
		SELECT player_id, role FROM room_players WHERE room_id = ? ORDER BY position`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load room players: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var pr types.PlayerRef
		var role string
		if err := rows.Scan(&pr.ID, &role); err != nil {
			return nil, fmt.Errorf("failed to scan room player: %w", err)
		}
		pr.Role = types.PlayerRole(role)
		room.Players = append(room.Players, pr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate room players: %w", err)
	}

	return &room, nil
}

// UpdateRoomStatus transitions a room's status.
func (r *Repository) UpdateRoomStatus(ctx context.Context, roomID string, status types.RoomStatus) error {
	_, err := r.db.ExecContext(ctx, `UPDATE rooms SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC(), roomID)
	if err != nil {
		return fmt.Errorf("failed to update room status: %w", err)
	}
	return nil
}

// SetRoomStory records which story a room owns, once initializeStory succeeds.
func (r *Repository) SetRoomStory(ctx context.Context, roomID, storyID string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE rooms SET story_id = ?, updated_at = ? WHERE id = ?`,
		storyID, time.Now().UTC(), roomID)
	if err != nil {
		return fmt.Errorf("failed to set room story: %w", err)
	}
	return nil
}

// AddPlayerToRoom joins a player to a room, appending them to the member order.
func (r *Repository) AddPlayerToRoom(ctx context.Context, roomID, playerID string, role types.PlayerRole) error {
	var count int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM room_players WHERE room_id = ?`, roomID).Scan(&count); err != nil {
		return fmt.Errorf("failed to count room players: %w", err)
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO room_players (room_id, player_id, role, position) VALUES (?, ?, ?, ?)
		ON CONFLICT(room_id, player_id) DO NOTHING`,
		roomID, playerID, string(role), count)
	if err != nil {
		return fmt.Errorf("failed to add player to room: %w", err)
	}
	return nil
}

// RemovePlayerFromRoom removes a player from a room's member list.
func (r *Repository) RemovePlayerFromRoom(ctx context.Context, roomID, playerID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM room_players WHERE room_id = ? AND player_id = ?`, roomID, playerID)
	if err != nil {
		return fmt.Errorf("failed to remove player from room: %w", err)
	}
	return nil
}

// DeleteRoom removes a room (cascades to its story, chapters, todos,
// progress, messages, and memories via foreign keys).
func (r *Repository) DeleteRoom(ctx context.Context, roomID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM rooms WHERE id = ?`, roomID)
	if err != nil {
		return fmt.Errorf("failed to delete room: %w", err)
	}
	return nil
}

// --- Stories ---

// CreateStory persists a new story and records it on its room, atomically.
func (r *Repository) CreateStory(ctx context.Context, story *types.Story) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO stories (id, room_id, title, background, created_at) VALUES (?, ?, ?, ?, ?)`,
		story.ID, story.RoomID, story.Title, story.Background, story.CreatedAt.UTC()); err != nil {
		return fmt.Errorf("failed to insert story: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE rooms SET story_id = ?, updated_at = ? WHERE id = ?`,
		story.ID, time.Now().UTC(), story.RoomID); err != nil {
		return fmt.Errorf("failed to link story to room: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO memories (story_id, key_events, relations, themes, world_settings) VALUES (?, '[]', '[]', '[]', '[]')`,
		story.ID); err != nil {
		return fmt.Errorf("failed to initialize story memory: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit story creation: %w", err)
	}
	return nil
}

// DeleteStory rolls back a failed story initialization: removes the story
// (cascading to its chapters/todos/progress/messages/memories) and clears
// the room's story reference, atomically.
func (r *Repository) DeleteStory(ctx context.Context, storyID, roomID string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `UPDATE rooms SET story_id = NULL, updated_at = ? WHERE id = ?`,
		time.Now().UTC(), roomID); err != nil {
		return fmt.Errorf("failed to clear room story reference: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM stories WHERE id = ?`, storyID); err != nil {
		return fmt.Errorf("failed to delete story: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit story rollback: %w", err)
	}
	return nil
}

// GetStory loads a story by id.
func (r *Repository) GetStory(ctx context.Context, id string) (*types.Story, error) {
	row := r.db.QueryRowContext(ctx, `SELECT id, room_id, title, background, created_at FROM stories WHERE id = ?`, id)
	var s types.Story
	var createdAt string
	if err := row.Scan(&s.ID, &s.RoomID, &s.Title, &s.Background, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load story: %w", err)
	}
	s.CreatedAt = parseTime(createdAt)
	return &s, nil
}

// --- Chapters & Todos ---

// ActivateChapter persists a new active chapter along with its todos and a
// fresh PlayerProgress row per member, atomically (spec §4.7 Active).
// members is the room's current player list.
func (r *Repository) ActivateChapter(ctx context.Context, chapter *types.Chapter, todos []types.Todo, members []string, feedbackTimeout time.Duration) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var authorID any
	if chapter.AuthorID != "" {
		authorID = chapter.AuthorID
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO chapters (id, story_id, number, content, summary, author_id, status, start_time, end_time, word_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL, ?)`,
		chapter.ID, chapter.StoryID, chapter.Number, chapter.Content, chapter.Summary, authorID,
		string(types.ChapterActive), chapter.StartTime.UTC(), chapter.WordCount); err != nil {
		return fmt.Errorf("failed to insert chapter: %w", err)
	}

	for _, td := range todos {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO chapter_todos (id, chapter_id, content, expected_answer, priority, status)
			VALUES (?, ?, ?, ?, ?, ?)`,
			td.ID, chapter.ID, td.Content, td.ExpectedAnswer, td.Priority, string(types.TodoPending)); err != nil {
			return fmt.Errorf("failed to insert todo: %w", err)
		}
	}

	timeoutAt := time.Now().Add(feedbackTimeout).UTC()
	for _, playerID := range members {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO player_feedback_progress (chapter_id, player_id, completed_todo_count, total_todo_count, completion_rate, timeout_at)
			VALUES (?, ?, 0, ?, 0, ?)
			ON CONFLICT(chapter_id, player_id) DO NOTHING`,
			chapter.ID, playerID, len(todos), timeoutAt); err != nil {
			return fmt.Errorf("failed to insert player progress: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit chapter activation: %w", err)
	}
	return nil
}

// CompleteChapter marks a chapter completed with its final content,
// summary, and end time.
func (r *Repository) CompleteChapter(ctx context.Context, chapterID, finalContent, summary string, wordCount int) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE chapters SET status = ?, content = ?, summary = ?, end_time = ?, word_count = ? WHERE id = ?`,
		string(types.ChapterCompleted), finalContent, summary, time.Now().UTC(), wordCount, chapterID)
	if err != nil {
		return fmt.Errorf("failed to complete chapter: %w", err)
	}
	return nil
}

// AppendChapterContent appends text to an active chapter's content and
// updates its word count (spec §4.7 step 2: global trigger append).
func (r *Repository) AppendChapterContent(ctx context.Context, chapterID, addition string, newWordCount int) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE chapters SET content = content || ?, word_count = ? WHERE id = ?`,
		addition, newWordCount, chapterID)
	if err != nil {
		return fmt.Errorf("failed to append chapter content: %w", err)
	}
	return nil
}

// GetActiveChapter loads the single active chapter for a story, if any.
func (r *Repository) GetActiveChapter(ctx context.Context, storyID string) (*types.Chapter, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, story_id, number, content, summary, author_id, status, start_time, end_time, word_count
		FROM chapters WHERE story_id = ? AND status = 'active'`, storyID)
	return scanChapter(row)
}

// GetChapter loads a chapter by id.
func (r *Repository) GetChapter(ctx context.Context, id string) (*types.Chapter, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, story_id, number, content, summary, author_id, status, start_time, end_time, word_count
		FROM chapters WHERE id = ?`, id)
	return scanChapter(row)
}

func scanChapter(row *sql.Row) (*types.Chapter, error) {
	var c types.Chapter
	var summary, authorID sql.NullString
	var endTime sql.NullString
	var status, startTime string
	if err := row.Scan(&c.ID, &c.StoryID, &c.Number, &c.Content, &summary, &authorID, &status, &startTime, &endTime, &c.WordCount); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load chapter: %w", err)
	}
	c.Status = types.ChapterStatus(status)
	c.StartTime = parseTime(startTime)
	if summary.Valid {
		c.Summary = summary.String
	}
	if authorID.Valid {
		c.AuthorID = authorID.String
	}
	if endTime.Valid {
		c.EndTime = parseTime(endTime.String)
	}
	return &c, nil
}

// ListChaptersForStory returns every chapter for a story, ordered by number.
func (r *Repository) ListChaptersForStory(ctx context.Context, storyID string) ([]types.Chapter, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, story_id, number, content, summary, author_id, status, start_time, end_time, word_count
		FROM chapters WHERE story_id = ? ORDER BY number`, storyID)
	if err != nil {
		return nil, fmt.Errorf("failed to list chapters: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var chapters []types.Chapter
	for rows.Next() {
		var c types.Chapter
		var summary, authorID sql.NullString
		var endTime sql.NullString
		var status, startTime string
		if err := rows.Scan(&c.ID, &c.StoryID, &c.Number, &c.Content, &summary, &authorID, &status, &startTime, &endTime, &c.WordCount); err != nil {
			return nil, fmt.Errorf("failed to scan chapter: %w", err)
		}
		c.Status = types.ChapterStatus(status)
		c.StartTime = parseTime(startTime)
		if summary.Valid {
			c.Summary = summary.String
		}
		if authorID.Valid {
			c.AuthorID = authorID.String
		}
		if endTime.Valid {
			c.EndTime = parseTime(endTime.String)
		}
		chapters = append(chapters, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate chapters: %w", err)
	}
	return chapters, nil
}

// TodosForChapter returns a chapter's todos.
func (r *Repository) TodosForChapter(ctx context.Context, chapterID string) ([]types.Todo, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, chapter_id, content, expected_answer, priority, status
		FROM chapter_todos WHERE chapter_id = ? ORDER BY priority DESC`, chapterID)
	if err != nil {
		return nil, fmt.Errorf("failed to list todos: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var todos []types.Todo
	for rows.Next() {
		var td types.Todo
		var status string
		var expected sql.NullString
		if err := rows.Scan(&td.ID, &td.ChapterID, &td.Content, &expected, &td.Priority, &status); err != nil {
			return nil, fmt.Errorf("failed to scan todo: %w", err)
		}
		td.Status = types.TodoStatus(status)
		if expected.Valid {
			td.ExpectedAnswer = expected.String
		}
		todos = append(todos, td)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate todos: %w", err)
	}
	return todos, nil
}

// CompleteTodoForPlayer marks a todo completed — idempotent on todoID, a
// repeated call is a no-op since the status is already completed — and
// attributes the completion to playerID. Attribution is first-satisfier-wins
// (INSERT OR IGNORE keyed on todo_id), matching the todo's own monotonic
// status: whichever player's evaluation completed it first is the one whose
// PlayerProgress counts it.
func (r *Repository) CompleteTodoForPlayer(ctx context.Context, todoID, chapterID, playerID string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE chapter_todos SET status = ? WHERE id = ? AND status != ?`,
		string(types.TodoCompleted), todoID, string(types.TodoCompleted))
	if err != nil {
		return fmt.Errorf("failed to complete todo: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO todo_completions (todo_id, chapter_id, player_id, completed_at)
		VALUES (?, ?, ?, ?)`, todoID, chapterID, playerID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to attribute todo completion: %w", err)
	}
	return nil
}

// CompletedTodoCountForPlayer counts the todos in a chapter whose completion
// is attributed to playerID, for scoping PlayerProgress.CompletedTodoCount
// to this player's own satisfied todos rather than the chapter-global count.
func (r *Repository) CompletedTodoCountForPlayer(ctx context.Context, chapterID, playerID string) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM todo_completions WHERE chapter_id = ? AND player_id = ?`,
		chapterID, playerID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count completed todos for player: %w", err)
	}
	return count, nil
}

// --- Player progress ---

// ProgressForChapter returns every PlayerProgress row for a chapter.
func (r *Repository) ProgressForChapter(ctx context.Context, chapterID string) ([]types.PlayerProgress, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT chapter_id, player_id, completed_todo_count, total_todo_count, completion_rate, timeout_at
		FROM player_feedback_progress WHERE chapter_id = ?`, chapterID)
	if err != nil {
		return nil, fmt.Errorf("failed to load progress: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var progress []types.PlayerProgress
	for rows.Next() {
		var p types.PlayerProgress
		var timeoutAt sql.NullString
		if err := rows.Scan(&p.ChapterID, &p.PlayerID, &p.CompletedTodoCount, &p.TotalTodoCount, &p.CompletionRate, &timeoutAt); err != nil {
			return nil, fmt.Errorf("failed to scan progress: %w", err)
		}
		if timeoutAt.Valid {
			p.TimeoutAt = parseTime(timeoutAt.String)
		}
		progress = append(progress, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate progress: %w", err)
	}
	return progress, nil
}

// UpsertProgress writes a player's recomputed progress for a chapter.
func (r *Repository) UpsertProgress(ctx context.Context, p *types.PlayerProgress) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO player_feedback_progress (chapter_id, player_id, completed_todo_count, total_todo_count, completion_rate, timeout_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(chapter_id, player_id) DO UPDATE SET
			completed_todo_count=excluded.completed_todo_count,
			total_todo_count=excluded.total_todo_count,
			completion_rate=excluded.completion_rate`,
		p.ChapterID, p.PlayerID, p.CompletedTodoCount, p.TotalTodoCount, p.CompletionRate, timeOrNil(p.TimeoutAt))
	if err != nil {
		return fmt.Errorf("failed to upsert progress: %w", err)
	}
	return nil
}

// MarkTimeoutPlayersComplete force-completes every still-pending todo for
// players whose feedback window has expired as of now, and recomputes their
// PlayerProgress rows, atomically.
func (r *Repository) MarkTimeoutPlayersComplete(ctx context.Context, chapterID string, now time.Time) ([]types.PlayerProgress, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT player_id, total_todo_count FROM player_feedback_progress
		WHERE chapter_id = ? AND timeout_at IS NOT NULL AND timeout_at <= ?`, chapterID, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query timed-out progress: %w", err)
	}
	type row struct {
		playerID string
		total    int
	}
	var timedOut []row
	for rows.Next() {
		var rr row
		if err := rows.Scan(&rr.playerID, &rr.total); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("failed to scan timed-out progress: %w", err)
		}
		timedOut = append(timedOut, rr)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("failed to iterate timed-out progress: %w", err)
	}
	_ = rows.Close()

	var updated []types.PlayerProgress
	for _, rr := range timedOut {
		rate := 0.0
		if rr.total > 0 {
			rate = 1.0
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE player_feedback_progress SET completed_todo_count = total_todo_count, completion_rate = ?
			WHERE chapter_id = ? AND player_id = ?`, rate, chapterID, rr.playerID); err != nil {
			return nil, fmt.Errorf("failed to force-complete progress: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE chapter_todos SET status = ? WHERE chapter_id = ?`,
			string(types.TodoCompleted), chapterID); err != nil {
			return nil, fmt.Errorf("failed to force-complete todos: %w", err)
		}
		updated = append(updated, types.PlayerProgress{
			ChapterID: chapterID, PlayerID: rr.playerID,
			CompletedTodoCount: rr.total, TotalTodoCount: rr.total, CompletionRate: rate,
		})
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit timeout completion: %w", err)
	}
	return updated, nil
}

// --- Messages ---

// InsertMessage persists a message. Visibility is never stored — it is
// always derived from Type (types.Message.Visibility).
func (r *Repository) InsertMessage(ctx context.Context, m *types.Message) error {
	var storyID, recipientID, recipientName any
	if m.StoryID != "" {
		storyID = m.StoryID
	}
	if m.RecipientID != "" {
		recipientID = m.RecipientID
	}
	if m.RecipientName != "" {
		recipientName = m.RecipientName
	}
	var chapterNumber any
	if m.ChapterNumber > 0 {
		chapterNumber = m.ChapterNumber
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO messages (id, room_id, story_id, sender_id, sender_name, recipient_id, recipient_name, type, content, chapter_number, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		m.ID, m.RoomID, storyID, m.SenderID, m.SenderName, recipientID, recipientName,
		string(m.Type), m.Content, chapterNumber, m.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	return nil
}

// RecentGlobalMessages returns up to limit of the most recent global
// messages for a story's active chapter, oldest first.
func (r *Repository) RecentGlobalMessages(ctx context.Context, storyID string, chapterNumber, limit int) ([]types.Message, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, room_id, story_id, sender_id, sender_name, recipient_id, recipient_name, type, content, chapter_number, created_at
		FROM messages WHERE story_id = ? AND type IN ('global','chapter') AND chapter_number = ?
		ORDER BY created_at DESC LIMIT ?`, storyID, chapterNumber, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load recent global messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// AllMessagesForStory returns every message belonging to a story, oldest first.
func (r *Repository) AllMessagesForStory(ctx context.Context, storyID string) ([]types.Message, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, room_id, story_id, sender_id, sender_name, recipient_id, recipient_name, type, content, chapter_number, created_at
		FROM messages WHERE story_id = ? ORDER BY created_at ASC`, storyID)
	if err != nil {
		return nil, fmt.Errorf("failed to load story messages: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanMessages(rows)
}

// MessagesVisibleTo returns every message in a room that playerID may read,
// oldest first — used to answer get_messages (history is the source of
// truth for clients that reconnect).
func (r *Repository) MessagesVisibleTo(ctx context.Context, roomID, playerID string) ([]types.Message, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, room_id, story_id, sender_id, sender_name, recipient_id, recipient_name, type, content, chapter_number, created_at
		FROM messages WHERE room_id = ? ORDER BY created_at ASC`, roomID)
	if err != nil {
		return nil, fmt.Errorf("failed to load room messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	all, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	visible := make([]types.Message, 0, len(all))
	for i := range all {
		if all[i].VisibleTo(playerID) {
			visible = append(visible, all[i])
		}
	}
	return visible, nil
}

func scanMessages(rows *sql.Rows) ([]types.Message, error) {
	var msgs []types.Message
	for rows.Next() {
		var m types.Message
		var storyID, recipientID, recipientName sql.NullString
		var chapterNumber sql.NullInt64
		var msgType, createdAt string
		if err := rows.Scan(&m.ID, &m.RoomID, &storyID, &m.SenderID, &m.SenderName, &recipientID, &recipientName,
			&msgType, &m.Content, &chapterNumber, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		m.Type = types.MessageType(msgType)
		if storyID.Valid {
			m.StoryID = storyID.String
		}
		if recipientID.Valid {
			m.RecipientID = recipientID.String
		}
		if recipientName.Valid {
			m.RecipientName = recipientName.String
		}
		if chapterNumber.Valid {
			m.ChapterNumber = int(chapterNumber.Int64)
		}
		m.CreatedAt = parseTime(createdAt)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate messages: %w", err)
	}
	return msgs, nil
}

// --- Memory (short-term interactions + long-term store) ---

// InsertInteraction appends a short-term memory entry.
func (r *Repository) InsertInteraction(ctx context.Context, storyID string, in *types.Interaction) error {
	keywordsJSON, err := json.Marshal(in.Keywords)
	if err != nil {
		return fmt.Errorf("failed to marshal interaction keywords: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO interactions (story_id, player_id, input, response, importance, keywords, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		storyID, in.PlayerID, in.Input, in.Response, in.Importance, string(keywordsJSON), in.Timestamp.UTC())
	if err != nil {
		return fmt.Errorf("failed to insert interaction: %w", err)
	}
	return nil
}

// RecentInteractions returns up to limit of the most recent short-term
// memory entries for a story, oldest first.
func (r *Repository) RecentInteractions(ctx context.Context, storyID string, limit int) ([]types.Interaction, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT player_id, input, response, importance, keywords, created_at
		FROM interactions WHERE story_id = ? ORDER BY created_at DESC LIMIT ?`, storyID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load interactions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []types.Interaction
	for rows.Next() {
		var in types.Interaction
		var keywordsJSON, createdAt string
		if err := rows.Scan(&in.PlayerID, &in.Input, &in.Response, &in.Importance, &keywordsJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan interaction: %w", err)
		}
		if keywordsJSON != "" {
			if err := json.Unmarshal([]byte(keywordsJSON), &in.Keywords); err != nil {
				return nil, fmt.Errorf("failed to unmarshal interaction keywords: %w", err)
			}
		}
		in.Timestamp = parseTime(createdAt)
		out = append(out, in)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate interactions: %w", err)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// ReplaceShortTermBuffer discards a story's existing short-term interactions
// and replaces them with replacement, atomically. Used when the buffer
// overflows and is folded down to its retained items plus one synthetic
// compressed entry.
func (r *Repository) ReplaceShortTermBuffer(ctx context.Context, storyID string, replacement []types.Interaction) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM interactions WHERE story_id = ?`, storyID); err != nil {
		return fmt.Errorf("failed to clear short-term buffer: %w", err)
	}
	for _, in := range replacement {
		keywordsJSON, err := json.Marshal(in.Keywords)
		if err != nil {
			return fmt.Errorf("failed to marshal interaction keywords: %w", err)
		}
		timestamp := in.Timestamp
		if timestamp.IsZero() {
			timestamp = time.Now().UTC()
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO interactions (story_id, player_id, input, response, importance, keywords, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			storyID, in.PlayerID, in.Input, in.Response, in.Importance, string(keywordsJSON), timestamp); err != nil {
			return fmt.Errorf("failed to reinsert short-term entry: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit short-term buffer replacement: %w", err)
	}
	return nil
}

// LoadLongTerm reads the long-term memory layers for a story.
func (r *Repository) LoadLongTerm(ctx context.Context, storyID string) ([]types.KeyEvent, []types.CharacterRelation, []string, []string, error) {
	row := r.db.QueryRowContext(ctx, `SELECT key_events, relations, themes, world_settings FROM memories WHERE story_id = ?`, storyID)
	var keyEventsJSON, relationsJSON, themesJSON, settingsJSON string
	if err := row.Scan(&keyEventsJSON, &relationsJSON, &themesJSON, &settingsJSON); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, nil, nil, nil
		}
		return nil, nil, nil, nil, fmt.Errorf("failed to load story memory: %w", err)
	}

	var keyEvents []types.KeyEvent
	var relations []types.CharacterRelation
	var themes, settings []string
	if err := json.Unmarshal([]byte(keyEventsJSON), &keyEvents); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to unmarshal key events: %w", err)
	}
	if err := json.Unmarshal([]byte(relationsJSON), &relations); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to unmarshal relations: %w", err)
	}
	if err := json.Unmarshal([]byte(themesJSON), &themes); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to unmarshal themes: %w", err)
	}
	if err := json.Unmarshal([]byte(settingsJSON), &settings); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to unmarshal world settings: %w", err)
	}
	return keyEvents, relations, themes, settings, nil
}

// SaveLongTerm overwrites the long-term memory layers for a story.
func (r *Repository) SaveLongTerm(ctx context.Context, storyID string, keyEvents []types.KeyEvent, relations []types.CharacterRelation, themes, settings []string) error {
	keyEventsJSON, err := json.Marshal(keyEvents)
	if err != nil {
		return fmt.Errorf("failed to marshal key events: %w", err)
	}
	relationsJSON, err := json.Marshal(relations)
	if err != nil {
		return fmt.Errorf("failed to marshal relations: %w", err)
	}
	themesJSON, err := json.Marshal(themes)
	if err != nil {
		return fmt.Errorf("failed to marshal themes: %w", err)
	}
	settingsJSON, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to marshal world settings: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO memories (story_id, key_events, relations, themes, world_settings) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(story_id) DO UPDATE SET key_events=excluded.key_events, relations=excluded.relations,
			themes=excluded.themes, world_settings=excluded.world_settings`,
		storyID, string(keyEventsJSON), string(relationsJSON), string(themesJSON), string(settingsJSON))
	if err != nil {
		return fmt.Errorf("failed to save story memory: %w", err)
	}
	return nil
}
