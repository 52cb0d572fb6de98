package pipeline

import (
	"context"
	"strings"

	"example.com/backstage/services/ingest/internal/models"
)

// TagSyncStage merges event tags into the owning stack under the
// per-tag length and per-stack count caps.
type TagSyncStage struct{}

// NewTagSyncStage creates a new tag synchronization stage
func NewTagSyncStage() *TagSyncStage {
	return &TagSyncStage{}
}

// Name returns the stage name
func (s *TagSyncStage) Name() string { return "tags" }

// Run normalizes each live event's tags and merges them into its stack.
func (s *TagSyncStage) Run(_ context.Context, b *Batch) error {
	for _, ectx := range b.Contexts {
		if ectx.ShouldSkip() || ectx.Stack == nil {
			continue
		}
		ectx.Event.Tags = normalizeTags(ectx.Event.Tags)
		ectx.Stack.Tags = mergeTags(ectx.Stack.Tags, ectx.Event.Tags)
	}
	return nil
}

// normalizeTags trims tags, drops over-length ones and de-duplicates
// case-insensitively, keeping the first spelling seen.
func normalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return tags
	}
	result := make([]string, 0, len(tags))
	seen := make(map[string]bool, len(tags))
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" || len(tag) > models.MaxTagLength {
			continue
		}
		key := strings.ToLower(tag)
		if seen[key] {
			continue
		}
		seen[key] = true
		result = append(result, tag)
	}
	return result
}

// mergeTags folds incoming tags into the existing set. Existing tags
// keep their stored spelling and order; beyond the stack cap, reserved
// tags are always retained and ordinary tags are kept oldest first.
func mergeTags(existing, incoming []string) []string {
	combined := make([]string, 0, len(existing)+len(incoming))
	seen := make(map[string]bool, len(existing)+len(incoming))
	for _, tag := range existing {
		key := strings.ToLower(tag)
		if seen[key] {
			continue
		}
		seen[key] = true
		combined = append(combined, tag)
	}
	for _, tag := range incoming {
		if len(tag) > models.MaxTagLength {
			continue
		}
		key := strings.ToLower(tag)
		if seen[key] {
			continue
		}
		seen[key] = true
		combined = append(combined, tag)
	}

	if len(combined) <= models.MaxTagsPerStack {
		return combined
	}

	reserved := make([]string, 0, len(models.ReservedTags))
	ordinary := make([]string, 0, len(combined))
	for _, tag := range combined {
		if isReservedTag(tag) {
			reserved = append(reserved, tag)
		} else {
			ordinary = append(ordinary, tag)
		}
	}

	room := models.MaxTagsPerStack - len(reserved)
	if room < 0 {
		room = 0
	}
	if len(ordinary) > room {
		ordinary = ordinary[:room]
	}
	return append(reserved, ordinary...)
}

func isReservedTag(tag string) bool {
	for _, reserved := range models.ReservedTags {
		if strings.EqualFold(tag, reserved) {
			return true
		}
	}
	return false
}
