package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/loykin/logkeeper/internal/history"
)

// IndexPrefix names the per-target index used when no index is configured.
const IndexPrefix = "logkeeper-"

// Sink indexes lifecycle events in OpenSearch (or Elasticsearch).
// Each event is PUT under an id derived from the event itself, so a retried
// send overwrites its own document instead of duplicating it.
type Sink struct {
	client  *http.Client
	baseURL string
	index   string
}

// New returns a sink writing to index. An empty index selects
// "logkeeper-<target>-events" per event.
func New(baseURL, index string) *Sink {
	c := &http.Client{Timeout: 5 * time.Second}
	return &Sink{client: c, baseURL: strings.TrimRight(baseURL, "/"), index: index}
}

// IndexFor returns the index an event for target is written to.
func (s *Sink) IndexFor(target string) string {
	if s.index != "" {
		return s.index
	}
	return IndexPrefix + sanitize(target) + "-events"
}

// DocumentID identifies e: target, type and the event time in nanoseconds.
func DocumentID(e history.Event) string {
	return e.Target + "-" + string(e.Type) + "-" + strconv.FormatInt(e.OccurredAt.UnixNano(), 10)
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	u := fmt.Sprintf("%s/%s/_doc/%s", s.baseURL, url.PathEscape(s.IndexFor(e.Target)), url.PathEscape(DocumentID(e)))
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("opensearch sink: index %s status %d", s.IndexFor(e.Target), resp.StatusCode)
	}
	return nil
}

// sanitize lowercases target and replaces characters index names reject.
func sanitize(target string) string {
	b := []byte(strings.ToLower(target))
	for i, c := range b {
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') && c != '.' && c != '_' && c != '-' {
			b[i] = '-'
		}
	}
	out := strings.TrimLeft(string(b), "-_.")
	if out == "" {
		return "unknown"
	}
	return out
}
