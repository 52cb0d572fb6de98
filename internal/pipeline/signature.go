package pipeline

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spaolacci/murmur3"

	"example.com/backstage/services/ingest/internal/models"
)

// ComputeSignature derives the stack dedup key for an event from its
// normalized identity: for errors the innermost frame's declaring
// type/method, for not-found events the request path, for everything
// else a type+source composite. The returned pairs are stored on the
// stack as its SignatureInfo.
func ComputeSignature(event *models.Event) (string, map[string]string) {
	info := signatureInfo(event)
	return hashSignature(info), info
}

func signatureInfo(event *models.Event) map[string]string {
	switch event.Type {
	case models.TypeError:
		if info, ok := errorSignatureInfo(event); ok {
			return info
		}
	case models.TypeNotFound:
		if path := strings.TrimSpace(event.Source); path != "" {
			return map[string]string{"Path": path}
		}
	}

	// Insufficient data to compute a structural signature: fall back to
	// the type+source composite so the event still stacks.
	return map[string]string{
		"Type":   event.Type,
		"Source": event.Source,
	}
}

// errorSignatureInfo extracts the stacking target from the event's
// error data: the declaring type and method of the innermost frame.
func errorSignatureInfo(event *models.Event) (map[string]string, bool) {
	if event.Data == nil {
		return nil, false
	}
	errData, ok := event.Data[models.KnownDataError].(map[string]interface{})
	if !ok {
		return nil, false
	}

	info := make(map[string]string)
	if t, ok := errData["type"].(string); ok && strings.TrimSpace(t) != "" {
		info["ExceptionType"] = strings.TrimSpace(t)
	}
	if m, ok := errData["method"].(string); ok && strings.TrimSpace(m) != "" {
		info["Method"] = strings.TrimSpace(m)
	}
	if len(info) == 0 {
		return nil, false
	}
	return info, true
}

// hashSignature produces a stable content hash over the signature
// pairs. Keys are sorted so map iteration order cannot change the hash.
func hashSignature(info map[string]string) string {
	keys := make([]string, 0, len(info))
	for k := range info {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := murmur3.New128()
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{0})
		h.Write([]byte(info[k]))
		h.Write([]byte{0})
	}
	h1, h2 := h.Sum128()
	return fmt.Sprintf("%016x%016x", h1, h2)
}
