package audit

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/polisai/polis-flow/pkg/domain"
	"github.com/polisai/polis-flow/pkg/policy/dlp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock() func() time.Time {
	t0 := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return func() time.Time { return t0 }
}

func TestLog_AppendsWithDenseSequence(t *testing.T) {
	log := New("session-1", WithClock(fixedClock()))

	first := log.Log(domain.AuditInfo, domain.EventNodeInstantiated, map[string]any{"template": "input"}, ForNode("n1"))
	second := log.Log(domain.AuditWarn, domain.EventExecutionProgress, nil, ForExecution("x1"))

	assert.Equal(t, uint64(1), first.Sequence)
	assert.Equal(t, uint64(2), second.Sequence)
	assert.Equal(t, "session-1", first.SessionID)
	assert.Equal(t, "n1", first.NodeID)
	assert.Equal(t, "x1", second.ExecutionID)
	assert.Equal(t, 2, log.Len())

	since := log.Since(1)
	require.Len(t, since, 1)
	assert.Equal(t, uint64(2), since[0].Sequence)
	assert.Empty(t, log.Since(2))
	assert.Len(t, log.ForExecution("x1"), 1)
	assert.Len(t, log.Filter(domain.AuditWarn), 1)
}

func TestLog_EntriesAreCopies(t *testing.T) {
	log := New("s")
	details := map[string]any{"rule": "code.eval"}
	log.Log(domain.AuditCritical, domain.EventSecurityViolation, details)

	details["rule"] = "mutated"
	entries := log.Entries()
	entries[0].Details["rule"] = "mutated again"

	assert.Equal(t, "code.eval", log.Entries()[0].Details["rule"])
}

func TestLog_RedactsDetails(t *testing.T) {
	scanner, err := dlp.NewScanner(dlp.DefaultConfig())
	require.NoError(t, err)

	log := New("s", WithRedactor(scanner))
	log.Log(domain.AuditInfo, domain.EventPropertySet, map[string]any{"owner": "ops@example.com"})

	assert.Equal(t, "[REDACTED:email]", log.Entries()[0].Details["owner"])
}

func TestLog_SubscribersNeverBlockAppends(t *testing.T) {
	log := New("s")
	ch, cancel := log.Subscribe(1)
	defer cancel()

	for i := 0; i < 5; i++ {
		log.Log(domain.AuditInfo, "tick", nil)
	}

	got := <-ch
	assert.Equal(t, uint64(1), got.Sequence)
	assert.Equal(t, uint64(4), log.Dropped())
	assert.Equal(t, 5, log.Len())

	cancel()
	_, open := <-ch
	assert.False(t, open)
	cancel()
}

func TestLog_SinkErrorsDoNotFailAppend(t *testing.T) {
	var calls int
	log := New("s", WithSink(SinkFunc(func(domain.AuditEntry) error {
		calls++
		return errors.New("disk full")
	})))

	entry := log.Log(domain.AuditError, domain.EventSanitizationError, nil)
	assert.Equal(t, uint64(1), entry.Sequence)
	log.Close()
	assert.Equal(t, 1, calls)
}

func TestLog_SlowSinkDoesNotBlockAppends(t *testing.T) {
	release := make(chan struct{})
	var written []uint64
	log := New("s", WithSinkBuffer(2), WithSink(SinkFunc(func(e domain.AuditEntry) error {
		<-release
		written = append(written, e.Sequence)
		return nil
	})))

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			log.Log(domain.AuditInfo, "tick", nil)
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Log blocked behind a stalled sink")
	}
	assert.Equal(t, 10, log.Len())

	close(release)
	log.Close()

	// the writer holds one entry while two more wait in the queue
	assert.GreaterOrEqual(t, len(written), 2)
	assert.LessOrEqual(t, len(written), 3)
	assert.Equal(t, uint64(10-len(written)), log.SinkDropped())
	for i := 1; i < len(written); i++ {
		assert.Less(t, written[i-1], written[i])
	}

	log.Log(domain.AuditInfo, "after close", nil)
	assert.Equal(t, 11, log.Len())
}

func TestLog_SinceBeyondEnd(t *testing.T) {
	log := New("s")
	log.Log(domain.AuditInfo, "one", nil)

	assert.Empty(t, log.Since(1))
	assert.Empty(t, log.Since(math.MaxUint64))
	assert.Len(t, log.Since(0), 1)
}

func TestLog_ConcurrentAppends(t *testing.T) {
	log := New("s")
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				log.Log(domain.AuditInfo, "concurrent", nil)
			}
		}()
	}
	wg.Wait()

	entries := log.Entries()
	require.Len(t, entries, 400)
	for i, e := range entries {
		assert.Equal(t, uint64(i+1), e.Sequence)
	}
}

func TestJSONLSink_WritesOneObjectPerEntry(t *testing.T) {
	var buf bytes.Buffer
	log := New("s", WithSink(NewJSONLSink(&buf)), WithClock(fixedClock()))

	log.Log(domain.AuditCritical, domain.EventSecurityViolation, map[string]any{"rule": "code.eval"}, ForNode("n1"))
	log.Log(domain.AuditInfo, domain.EventExecutionStarted, nil, ForExecution("x1"))
	log.Flush()

	scanner := bufio.NewScanner(&buf)
	var lines []map[string]any
	for scanner.Scan() {
		var obj map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &obj))
		lines = append(lines, obj)
	}
	require.Len(t, lines, 2)
	assert.Equal(t, "critical", lines[0]["level"])
	assert.Equal(t, "n1", lines[0]["node_id"])
	assert.Equal(t, float64(1), lines[0]["sequence"])
	assert.Equal(t, "code.eval", lines[0]["details"].(map[string]any)["rule"])
	assert.Equal(t, "x1", lines[1]["execution_id"])
	assert.NotContains(t, lines[1], "details")
}

func TestFileSink_Appends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit", "trail.jsonl")
	sink, err := NewFileSink(path)
	require.NoError(t, err)

	log := New("s", WithSink(sink))
	log.Log(domain.AuditInfo, "one", nil)
	log.Close()
	require.NoError(t, sink.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"event":"one"`)
}
