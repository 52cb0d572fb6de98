package pipeline

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"

	"golang.org/x/sync/errgroup"

	"example.com/backstage/services/ingest/internal/models"
)

// Index field families. A logical field name lands under the same
// suffixed key whether the client sent a native value or its string
// form, so "age" is queryable as "age-n" either way.
const (
	idxBoolSuffix   = "-b"
	idxNumberSuffix = "-n"
	idxDateSuffix   = "-d"
	idxStringSuffix = "-s"

	idxSessionRef = "ref.session"
)

// DataIndexStage flattens each event's free-form data map into the
// typed index projection. Contexts are independent here, so the work
// fans out across workers.
type DataIndexStage struct {
	workers int
}

// NewDataIndexStage creates a new data indexing stage
func NewDataIndexStage(workers int) *DataIndexStage {
	if workers < 1 {
		workers = 1
	}
	return &DataIndexStage{workers: workers}
}

// Name returns the stage name
func (s *DataIndexStage) Name() string { return "indexing" }

// Run builds the index projection for every live context.
func (s *DataIndexStage) Run(ctx context.Context, b *Batch) error {
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for _, ectx := range b.Contexts {
		if ectx.ShouldSkip() {
			continue
		}
		ectx := ectx
		g.Go(func() error {
			ectx.Event.Idx = BuildIndex(ectx.Event)
			return nil
		})
	}
	return g.Wait()
}

// BuildIndex flattens an event's data map into the single-level typed
// projection. Keys with the reserved marker prefix are internal and
// excluded; keys that still contain whitespace after trimming are
// excluded entirely; a session id entry is routed to a dedicated
// reference field.
func BuildIndex(event *models.Event) map[string]interface{} {
	idx := make(map[string]interface{})

	for name, value := range event.Data {
		if strings.HasPrefix(name, models.ReservedKeyPrefix) {
			continue
		}
		trimmed := strings.TrimSpace(name)
		if trimmed == "" || containsWhitespace(trimmed) {
			continue
		}
		if strings.EqualFold(trimmed, "sessionid") {
			if s, ok := value.(string); ok && s != "" {
				idx[idxSessionRef] = s
			}
			continue
		}
		key, typed := indexValue(trimmed, value)
		idx[key] = typed
	}

	if event.SessionID != "" {
		idx[idxSessionRef] = event.SessionID
	}

	if len(idx) == 0 {
		return nil
	}
	return idx
}

// indexValue picks the field family for a value, parsing strings that
// carry boolean or numeric content into their native form.
func indexValue(name string, value interface{}) (string, interface{}) {
	switch v := value.(type) {
	case bool:
		return name + idxBoolSuffix, v
	case int:
		return name + idxNumberSuffix, float64(v)
	case int32:
		return name + idxNumberSuffix, float64(v)
	case int64:
		return name + idxNumberSuffix, float64(v)
	case float32:
		return name + idxNumberSuffix, float64(v)
	case float64:
		return name + idxNumberSuffix, v
	case time.Time:
		return name + idxDateSuffix, v.UTC().Format(time.RFC3339)
	case string:
		if parsed, err := strconv.ParseBool(v); err == nil {
			return name + idxBoolSuffix, parsed
		}
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			return name + idxNumberSuffix, parsed
		}
		return name + idxStringSuffix, v
	default:
		return name + idxStringSuffix, stringify(value)
	}
}

func containsWhitespace(s string) bool {
	return strings.IndexFunc(s, unicode.IsSpace) >= 0
}

func stringify(value interface{}) string {
	if s, ok := value.(interface{ String() string }); ok {
		return s.String()
	}
	return fmt.Sprintf("%v", value)
}
