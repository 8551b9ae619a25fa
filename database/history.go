package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"playdeck/models"
)

// playedAtLayout keeps a fixed width so played_at sorts as text.
const playedAtLayout = "2006-01-02T15:04:05.000000000Z07:00"

type PlayRecord struct {
	Track      models.Track
	PlayCount  int
	LastPlayed time.Time
}

// PlayHistory records started tracks and serves them back as smart queue
// candidates, most played first.
type PlayHistory struct {
	db *Database
}

func (d *Database) PlayHistory() *PlayHistory {
	return &PlayHistory{db: d}
}

// RecordPlay inserts a play of track.
func (h *PlayHistory) RecordPlay(ctx context.Context, track models.Track) error {
	data, err := json.Marshal(track)
	if err != nil {
		return fmt.Errorf("failed to encode track %s: %w", track.ID, err)
	}
	_, err = h.db.db.ExecContext(ctx,
		`INSERT INTO play_history (track_id, track, played_at) VALUES (?, ?, ?)`,
		track.ID, string(data), time.Now().UTC().Format(playedAtLayout),
	)
	if err != nil {
		return fmt.Errorf("failed to record play: %w", err)
	}
	return nil
}

// MostPlayed returns the most played tracks, ties broken by the latest play.
// The stored track is the most recently recorded version.
func (h *PlayHistory) MostPlayed(ctx context.Context, limit int) ([]PlayRecord, error) {
	if limit <= 0 {
		limit = 10
	}

	rows, err := h.db.db.QueryContext(ctx,
		`SELECT p.track, c.play_count, c.last_played
		 FROM (SELECT track_id, COUNT(*) AS play_count, MAX(played_at) AS last_played, MAX(id) AS last_id
		       FROM play_history GROUP BY track_id) c
		 JOIN play_history p ON p.id = c.last_id
		 ORDER BY c.play_count DESC, c.last_id DESC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query most played: %w", err)
	}
	defer rows.Close()

	var records []PlayRecord
	for rows.Next() {
		var r PlayRecord
		var data, lastPlayed string
		if err := rows.Scan(&data, &r.PlayCount, &lastPlayed); err != nil {
			return nil, fmt.Errorf("failed to scan most played row: %w", err)
		}
		if err := json.Unmarshal([]byte(data), &r.Track); err != nil {
			return nil, fmt.Errorf("failed to decode stored track: %w", err)
		}
		if t, err := time.Parse(playedAtLayout, lastPlayed); err == nil {
			r.LastPlayed = t
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// Candidates implements smartqueue.Catalog over the play history.
func (h *PlayHistory) Candidates(ctx context.Context, seed models.Track, limit int) ([]models.Track, error) {
	records, err := h.MostPlayed(ctx, limit+1)
	if err != nil {
		return nil, err
	}
	tracks := make([]models.Track, 0, len(records))
	for _, r := range records {
		if r.Track.ID == seed.ID {
			continue
		}
		tracks = append(tracks, r.Track)
	}
	if len(tracks) > limit {
		tracks = tracks[:limit]
	}
	return tracks, nil
}
