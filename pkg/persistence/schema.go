package persistence

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // SQLite driver
)

// initializeSchema creates the logical tables named in spec §6 if they do
// not already exist, plus the indices the repository's query helpers rely
// on. Foreign keys cascade on delete so story deletion removes its
// chapters, todos, progress, messages, and memories atomically.
func initializeSchema(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("failed to execute pragma %s: %w", p, err)
		}
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS players (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			stats TEXT,
			last_active DATETIME,
			online INTEGER NOT NULL DEFAULT 0
		)`,

		`CREATE TABLE IF NOT EXISTS rooms (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			host_player_id TEXT NOT NULL,
			status TEXT NOT NULL CHECK (status IN ('waiting','playing','paused','ended')),
			story_id TEXT,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS room_players (
			room_id TEXT NOT NULL REFERENCES rooms(id) ON DELETE CASCADE,
			player_id TEXT NOT NULL REFERENCES players(id),
			role TEXT NOT NULL CHECK (role IN ('host','player')),
			position INTEGER NOT NULL,
			PRIMARY KEY (room_id, player_id)
		)`,

		`CREATE TABLE IF NOT EXISTS stories (
			id TEXT PRIMARY KEY,
			room_id TEXT NOT NULL UNIQUE REFERENCES rooms(id) ON DELETE CASCADE,
			title TEXT NOT NULL,
			background TEXT,
			created_at DATETIME NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS chapters (
			id TEXT PRIMARY KEY,
			story_id TEXT NOT NULL REFERENCES stories(id) ON DELETE CASCADE,
			number INTEGER NOT NULL,
			content TEXT NOT NULL,
			summary TEXT,
			author_id TEXT,
			status TEXT NOT NULL CHECK (status IN ('active','completed')),
			start_time DATETIME NOT NULL,
			end_time DATETIME,
			word_count INTEGER NOT NULL DEFAULT 0,
			UNIQUE (story_id, number)
		)`,

		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			room_id TEXT NOT NULL REFERENCES rooms(id) ON DELETE CASCADE,
			story_id TEXT REFERENCES stories(id) ON DELETE CASCADE,
			sender_id TEXT NOT NULL,
			sender_name TEXT NOT NULL,
			recipient_id TEXT,
			recipient_name TEXT,
			type TEXT NOT NULL CHECK (type IN ('global','private','player_to_player','story_machine','chapter')),
			content TEXT NOT NULL,
			chapter_number INTEGER,
			created_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_room_id ON messages(room_id)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_story_id ON messages(story_id)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_recipient_id ON messages(recipient_id)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_created_at ON messages(created_at)`,

		`CREATE TABLE IF NOT EXISTS chapter_todos (
			id TEXT PRIMARY KEY,
			chapter_id TEXT NOT NULL REFERENCES chapters(id) ON DELETE CASCADE,
			content TEXT NOT NULL,
			expected_answer TEXT,
			priority INTEGER NOT NULL,
			status TEXT NOT NULL CHECK (status IN ('pending','completed'))
		)`,
		`CREATE INDEX IF NOT EXISTS idx_chapter_todos_chapter_id ON chapter_todos(chapter_id)`,

		// todo_completions attributes each todo's completion to the player
		// whose evaluated message satisfied it first — a todo's own status is
		// a chapter-global, monotonic flag, but PlayerProgress.completionRate
		// must count only todos *this* player's own evaluation completed.
		`CREATE TABLE IF NOT EXISTS todo_completions (
			todo_id TEXT PRIMARY KEY REFERENCES chapter_todos(id) ON DELETE CASCADE,
			chapter_id TEXT NOT NULL REFERENCES chapters(id) ON DELETE CASCADE,
			player_id TEXT NOT NULL,
			completed_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_todo_completions_chapter_player ON todo_completions(chapter_id, player_id)`,

		`CREATE TABLE IF NOT EXISTS player_feedback_progress (
			chapter_id TEXT NOT NULL REFERENCES chapters(id) ON DELETE CASCADE,
			player_id TEXT NOT NULL,
			completed_todo_count INTEGER NOT NULL DEFAULT 0,
			total_todo_count INTEGER NOT NULL DEFAULT 0,
			completion_rate REAL NOT NULL DEFAULT 0,
			timeout_at DATETIME,
			PRIMARY KEY (chapter_id, player_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_progress_chapter_player ON player_feedback_progress(chapter_id, player_id)`,

		`CREATE TABLE IF NOT EXISTS interactions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			story_id TEXT NOT NULL REFERENCES stories(id) ON DELETE CASCADE,
			player_id TEXT NOT NULL,
			input TEXT NOT NULL,
			response TEXT NOT NULL,
			importance REAL NOT NULL,
			keywords TEXT,
			created_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_interactions_story_id ON interactions(story_id)`,

		`CREATE TABLE IF NOT EXISTS memories (
			story_id TEXT PRIMARY KEY REFERENCES stories(id) ON DELETE CASCADE,
			key_events TEXT,
			relations TEXT,
			themes TEXT,
			world_settings TEXT
		)`,

		// statemachine.StateStore persistence for room-lifecycle and
		// chapter-progression state machines (entity_id is a room or story id).
		`CREATE TABLE IF NOT EXISTS machine_states (
			entity_id TEXT PRIMARY KEY,
			state_json TEXT NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
	}

	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}

	return nil
}
