// Package store is the redis layer for transient processing state: a live
// progress mirror read by the status endpoint, and a short-lived
// PageExtraction cache the page store consults while a document is still
// mid-pipeline. Everything here is reconstructible; the blob store and the
// document index stay the source of truth.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/local/idpcore/internal/model"
)

// pageTTL bounds how long a transient extraction lives. Completed
// documents are served from the blob store, so expiry only matters for
// abandoned runs.
const pageTTL = 24 * time.Hour

// Progress is the live pipeline state mirrored per document.
type Progress struct {
	Stage    model.Stage `json:"stage"`
	Progress int         `json:"progress"`
	Message  string      `json:"message,omitempty"`
	Start    *time.Time  `json:"start_time,omitempty"`
	End      *time.Time  `json:"end_time,omitempty"`
}

// Redis holds both the progress mirror and the transient page cache on a
// single client.
type Redis struct {
	client *redis.Client
}

func New(redisURL string) (*Redis, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	c := redis.NewClient(opt)
	if err := c.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Redis{client: c}, nil
}

// NewWithClient wraps an existing client; tests pass miniredis here.
func NewWithClient(c *redis.Client) *Redis { return &Redis{client: c} }

func (s *Redis) Close() error { return s.client.Close() }

// Client exposes the underlying client for health checks.
func (s *Redis) Client() *redis.Client { return s.client }

// Ping checks connectivity for health reporting.
func (s *Redis) Ping(ctx context.Context) error { return s.client.Ping(ctx).Err() }

func progressKey(docID string) string { return fmt.Sprintf("doc:%s:progress", docID) }

func pageKey(docID string, accountIndex, pageIndex int) string {
	return fmt.Sprintf("doc:%s:acct:%d:page:%d", docID, accountIndex, pageIndex)
}

// SetProgress mirrors the current stage and percentage for a document.
func (s *Redis) SetProgress(ctx context.Context, docID string, p Progress) error {
	m := map[string]interface{}{
		"stage":    string(p.Stage),
		"progress": p.Progress,
		"message":  p.Message,
	}
	if p.Start != nil {
		m["start"] = p.Start.Format(time.RFC3339Nano)
	}
	if p.End != nil {
		m["end"] = p.End.Format(time.RFC3339Nano)
	}
	return s.client.HSet(ctx, progressKey(docID), m).Err()
}

// GetProgress returns the mirrored state; found is false when the document
// has no live entry.
func (s *Redis) GetProgress(ctx context.Context, docID string) (Progress, bool, error) {
	res, err := s.client.HGetAll(ctx, progressKey(docID)).Result()
	if err != nil {
		return Progress{}, false, err
	}
	if len(res) == 0 {
		return Progress{}, false, nil
	}
	p := Progress{
		Stage:   model.Stage(res["stage"]),
		Message: res["message"],
	}
	if v := res["progress"]; v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			p.Progress = n
		}
	}
	if v := res["start"]; v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			p.Start = &t
		}
	}
	if v := res["end"]; v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			p.End = &t
		}
	}
	return p, true, nil
}

// SetStage is the pipeline-facing shorthand for a stage/percent update.
func (s *Redis) SetStage(ctx context.Context, docID string, stage model.Stage, progress int) error {
	return s.SetProgress(ctx, docID, Progress{Stage: stage, Progress: progress})
}

// ClearProgress removes the mirror entry once a document reaches a
// terminal stage.
func (s *Redis) ClearProgress(ctx context.Context, docID string) error {
	return s.client.Del(ctx, progressKey(docID)).Err()
}

// SavePage caches a freshly extracted page. Generic documents pass
// accountIndex -1.
func (s *Redis) SavePage(ctx context.Context, docID string, accountIndex, pageIndex int, page *model.PageExtraction) error {
	data, err := json.Marshal(page)
	if err != nil {
		return fmt.Errorf("marshal page: %w", err)
	}
	return s.client.Set(ctx, pageKey(docID, accountIndex, pageIndex), data, pageTTL).Err()
}

// GetPage returns the cached extraction; found is false on a miss.
func (s *Redis) GetPage(ctx context.Context, docID string, accountIndex, pageIndex int) (*model.PageExtraction, bool, error) {
	data, err := s.client.Get(ctx, pageKey(docID, accountIndex, pageIndex)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var page model.PageExtraction
	if err := json.Unmarshal(data, &page); err != nil {
		return nil, false, fmt.Errorf("unmarshal cached page: %w", err)
	}
	return &page, true, nil
}

// DropDocument removes every transient key for a document.
func (s *Redis) DropDocument(ctx context.Context, docID string) error {
	var cursor uint64
	pattern := fmt.Sprintf("doc:%s:*", docID)
	for {
		keys, next, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return err
		}
		if len(keys) > 0 {
			if err := s.client.Del(ctx, keys...).Err(); err != nil {
				return err
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}
