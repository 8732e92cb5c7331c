package capturelog

import (
	"github.com/BurntSushi/migration"
	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/logs"
)

func Migrations(log logs.Log) []migration.Migrator {
	migs := []migration.Migrator{}
	idx := 0

	migs = append(migs, dbh.MakeMigrationFromSQL(log, &idx,
		`
		CREATE TABLE capture(
			id INTEGER PRIMARY KEY,
			session TEXT NOT NULL,
			time INT NOT NULL,
			record_id INT NOT NULL,
			frame_seq INT NOT NULL,
			width INT NOT NULL,
			height INT NOT NULL,
			detections TEXT
		);
		CREATE INDEX idx_capture_time ON capture (time);

		CREATE TABLE stream_summary(
			id INTEGER PRIMARY KEY,
			session TEXT NOT NULL,
			started_at INT NOT NULL,
			ended_at INT NOT NULL,
			mode TEXT NOT NULL,
			tracker TEXT NOT NULL,
			frames_received INT NOT NULL,
			frames_dropped INT NOT NULL,
			frames_processed INT NOT NULL,
			frames_failed INT NOT NULL,
			avg_process_ms REAL NOT NULL
		);
		CREATE INDEX idx_stream_summary_started_at ON stream_summary (started_at);
	`))

	return migs
}
