// Package capturelog is an optional sqlite log of snapshot captures and stream
// summaries, for diagnostics. It stores metadata only, never images.
package capturelog

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/orchard/server/history"
	"gorm.io/gorm"
)

type CaptureLog struct {
	log logs.Log
	db  *gorm.DB
}

// Open or create the capture log at dbPath
func Open(log logs.Log, dbPath string) (*CaptureLog, error) {
	log = logs.NewPrefixLogger(log, "CaptureLog")
	if err := os.MkdirAll(filepath.Dir(dbPath), 0770); err != nil {
		return nil, fmt.Errorf("Failed to create capture log directory for '%v': %w", dbPath, err)
	}
	log.Infof("Opening capture log at '%v'", dbPath)
	db, err := dbh.OpenDB(log, dbh.MakeSqliteConfig(dbPath), Migrations(log), 0)
	if err != nil {
		return nil, fmt.Errorf("Failed to open capture log %v: %w", dbPath, err)
	}
	return &CaptureLog{
		log: log,
		db:  db,
	}, nil
}

func (c *CaptureLog) Close() {
	if sqlDB, err := c.db.DB(); err == nil {
		sqlDB.Close()
	}
}

// LogCapture records the metadata of a snapshot
func (c *CaptureLog) LogCapture(session string, rec *history.Record) error {
	var detections dbh.JSONField[CaptureDetectionsJSON]
	detections.Data.Objects = rec.Detections
	row := &Capture{
		Session:    session,
		Time:       dbh.MakeIntTime(rec.CapturedAt),
		RecordID:   rec.ID,
		FrameSeq:   int64(rec.FrameSeq),
		Width:      rec.Width,
		Height:     rec.Height,
		Detections: &detections,
	}
	if err := c.db.Create(row).Error; err != nil {
		return fmt.Errorf("Failed to write capture to DB: %w", err)
	}
	return nil
}

// LogStream records the summary of a stream that has ended
func (c *CaptureLog) LogStream(summary *StreamSummary) error {
	if summary.EndedAt.IsZero() {
		summary.EndedAt = dbh.MakeIntTime(time.Now())
	}
	if err := c.db.Create(summary).Error; err != nil {
		return fmt.Errorf("Failed to write stream summary to DB: %w", err)
	}
	return nil
}

// RecentCaptures returns up to 'limit' captures of the given session, newest first
func (c *CaptureLog) RecentCaptures(session string, limit int) ([]Capture, error) {
	rows := []Capture{}
	err := c.db.Where("session = ?", session).Order("time DESC, id DESC").Limit(limit).Find(&rows).Error
	return rows, err
}

// RecentStreams returns up to 'limit' stream summaries of the given session, newest first
func (c *CaptureLog) RecentStreams(session string, limit int) ([]StreamSummary, error) {
	rows := []StreamSummary{}
	err := c.db.Where("session = ?", session).Order("started_at DESC, id DESC").Limit(limit).Find(&rows).Error
	return rows, err
}
