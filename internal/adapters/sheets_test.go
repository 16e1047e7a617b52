package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"

	"github.com/agentworkforce/taskrelay/internal/taskrelay"
)

const fakeSpreadsheetID = "sheet_1"

var fakeRangePattern = regexp.MustCompile(`^[^!]+!A(\d*):G(\d*)$`)

// fakeSheet is an in-memory stand-in for the Sheets v4 values API. Row 1 is
// the header; cleared rows stay as empty slots.
type fakeSheet struct {
	mu       sync.Mutex
	rows     map[int][]any
	appends  int
	failWith int
	ranges   []string
}

func newFakeSheet(header ...any) *fakeSheet {
	sheet := &fakeSheet{rows: map[int][]any{}}
	if len(header) > 0 {
		sheet.rows[1] = header
	}
	return sheet
}

func (f *fakeSheet) lastRow() int {
	last := 0
	for row, values := range f.rows {
		if len(values) > 0 && row > last {
			last = row
		}
	}
	return last
}

func (f *fakeSheet) row(n int) []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rows[n]
}

func (f *fakeSheet) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != 0 {
		w.WriteHeader(f.failWith)
		_, _ = w.Write([]byte(`{"error":{"code":` + strconv.Itoa(f.failWith) + `,"message":"forced failure"}}`))
		return
	}
	prefix := "/v4/spreadsheets/" + fakeSpreadsheetID + "/values/"
	if !strings.HasPrefix(r.URL.Path, prefix) {
		http.NotFound(w, r)
		return
	}
	target := strings.TrimPrefix(r.URL.Path, prefix)
	f.ranges = append(f.ranges, target)
	action := ""
	if idx := strings.LastIndex(target, ":"); idx > 0 && !strings.Contains(target[idx:], "G") {
		action = target[idx+1:]
		target = target[:idx]
	}
	match := fakeRangePattern.FindStringSubmatch(target)
	if match == nil {
		http.Error(w, `{"error":{"code":400,"message":"bad range"}}`, http.StatusBadRequest)
		return
	}
	start, _ := strconv.Atoi(match[1])
	end, _ := strconv.Atoi(match[2])

	switch {
	case r.Method == http.MethodPost && action == "append":
		var body sheets.ValueRange
		_ = json.NewDecoder(r.Body).Decode(&body)
		first := f.lastRow() + 1
		for i, values := range body.Values {
			f.rows[first+i] = values
		}
		f.appends++
		writeFakeJSON(w, map[string]any{
			"spreadsheetId": fakeSpreadsheetID,
			"updates": map[string]any{
				"updatedRange": fmt.Sprintf("Tasks!A%d:G%d", first, first+len(body.Values)-1),
				"updatedRows":  len(body.Values),
			},
		})
	case r.Method == http.MethodPost && action == "clear":
		delete(f.rows, start)
		writeFakeJSON(w, map[string]any{"clearedRange": target})
	case r.Method == http.MethodPut:
		var body sheets.ValueRange
		_ = json.NewDecoder(r.Body).Decode(&body)
		if len(body.Values) > 0 {
			f.rows[start] = body.Values[0]
		}
		writeFakeJSON(w, map[string]any{"updatedRange": target})
	case r.Method == http.MethodGet:
		if end == 0 {
			end = f.lastRow()
		}
		values := [][]any{}
		for row := start; row <= end; row++ {
			if f.rows[row] == nil {
				values = append(values, []any{})
				continue
			}
			values = append(values, f.rows[row])
		}
		for len(values) > 0 && len(values[len(values)-1]) == 0 {
			values = values[:len(values)-1]
		}
		payload := map[string]any{"range": target, "majorDimension": "ROWS"}
		if len(values) > 0 {
			payload["values"] = values
		}
		writeFakeJSON(w, payload)
	default:
		http.Error(w, `{"error":{"code":405,"message":"unsupported"}}`, http.StatusMethodNotAllowed)
	}
}

func writeFakeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}

func newTestSheetsBackend(t *testing.T, sheet *fakeSheet) *SheetsBackend {
	t.Helper()
	return newNamedSheetsBackend(t, sheet, "")
}

func newNamedSheetsBackend(t *testing.T, sheet *fakeSheet, sheetName string) *SheetsBackend {
	t.Helper()
	server := httptest.NewServer(sheet)
	t.Cleanup(server.Close)
	service, err := sheets.NewService(context.Background(),
		option.WithEndpoint(server.URL+"/"),
		option.WithHTTPClient(server.Client()),
	)
	require.NoError(t, err)
	backend, err := NewSheetsBackendWithService(SheetsSettings{SpreadsheetID: fakeSpreadsheetID, SheetName: sheetName}, service)
	require.NoError(t, err)
	backend.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }
	return backend
}

func TestSheetsSaveTaskAppendsRow(t *testing.T) {
	sheet := newFakeSheet("id", "title", "description", "status", "priority", "due", "created")
	backend := newTestSheetsBackend(t, sheet)

	due := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	id, err := backend.SaveTask(context.Background(), taskrelay.Task{Title: "Pay invoice", Due: &due})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(id, "row_"), id)

	row := sheet.row(2)
	require.Len(t, row, 7)
	assert.Equal(t, []any{id, "Pay invoice", "", "pending", "medium", "2026-02-01T00:00:00Z", "2026-01-02T03:04:05Z"}, row)

	cached, ok := backend.rows.lookup(id)
	assert.True(t, ok)
	assert.Equal(t, 2, cached)
}

func TestSheetsSaveTasksUsesSingleAppend(t *testing.T) {
	sheet := newFakeSheet("id", "title")
	backend := newTestSheetsBackend(t, sheet)

	ids, err := taskrelay.SaveBatch(context.Background(), backend, []taskrelay.Task{{Title: "a"}, {Title: "b"}, {Title: "c"}})
	require.NoError(t, err)
	require.Len(t, ids, 3)
	assert.Equal(t, 1, sheet.appends)
	for i, id := range ids {
		row, ok := backend.rows.lookup(id)
		require.True(t, ok)
		assert.Equal(t, i+2, row)
	}
}

func TestSheetsUpdateKeepsCreatedColumn(t *testing.T) {
	sheet := newFakeSheet("id", "title")
	sheet.rows[2] = []any{"row_old", "Old title", "", "pending", "low", "", "2025-12-01T00:00:00Z"}
	backend := newTestSheetsBackend(t, sheet)

	found, err := backend.UpdateTask(context.Background(), "row_old", taskrelay.Task{
		Title:    "New title",
		Status:   taskrelay.TaskStatusCompleted,
		Priority: taskrelay.TaskPriorityHigh,
	})
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []any{"row_old", "New title", "", "completed", "high", "", "2025-12-01T00:00:00Z"}, sheet.row(2))

	found, err = backend.UpdateTask(context.Background(), "row_missing", taskrelay.Task{Title: "x"})
	require.NoError(t, err)
	assert.False(t, found)
}

func TestSheetsStaleCacheFallsBackToScan(t *testing.T) {
	sheet := newFakeSheet("id", "title")
	sheet.rows[2] = []any{"row_a", "A"}
	sheet.rows[3] = []any{"row_b", "B"}
	backend := newTestSheetsBackend(t, sheet)
	backend.rows.remember("row_b", 2)

	task, err := backend.GetTask(context.Background(), "row_b")
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, "B", task.Title)
	row, _ := backend.rows.lookup("row_b")
	assert.Equal(t, 3, row)
}

func TestSheetsDeleteClearsRow(t *testing.T) {
	sheet := newFakeSheet("id", "title")
	sheet.rows[2] = []any{"row_a", "A"}
	sheet.rows[3] = []any{"row_b", "B"}
	backend := newTestSheetsBackend(t, sheet)

	found, err := backend.DeleteTask(context.Background(), "row_a")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Nil(t, sheet.row(2))

	task, err := backend.GetTask(context.Background(), "row_b")
	require.NoError(t, err)
	require.NotNil(t, task)

	found, err = backend.DeleteTask(context.Background(), "row_a")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestSheetsImportAllSkipsIncompleteRows(t *testing.T) {
	sheet := newFakeSheet("id", "title")
	sheet.rows[2] = []any{"row_a", "A", "desc", "in_progress", "HIGH"}
	sheet.rows[3] = []any{"", "no id"}
	sheet.rows[5] = []any{"row_c", "C", "", "bogus", "bogus", "2026-03-03"}
	backend := newTestSheetsBackend(t, sheet)

	tasks, err := backend.ImportAll(context.Background())
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, taskrelay.TaskStatusInProgress, tasks[0].Status)
	assert.Equal(t, taskrelay.TaskPriorityHigh, tasks[0].Priority)
	assert.Equal(t, taskrelay.TaskStatusPending, tasks[1].Status)
	assert.Equal(t, taskrelay.TaskPriorityMedium, tasks[1].Priority)
	require.NotNil(t, tasks[1].Due)
	row, ok := backend.rows.lookup("row_c")
	require.True(t, ok)
	assert.Equal(t, 5, row)
}

func TestSheetsHealthCheck(t *testing.T) {
	backend := newTestSheetsBackend(t, newFakeSheet("id", "title"))
	assert.Equal(t, taskrelay.HealthHealthy, backend.HealthCheck(context.Background()).Status)

	empty := newTestSheetsBackend(t, newFakeSheet())
	assert.Equal(t, taskrelay.HealthDegraded, empty.HealthCheck(context.Background()).Status)

	broken := newFakeSheet("id")
	broken.failWith = http.StatusForbidden
	report := newTestSheetsBackend(t, broken).HealthCheck(context.Background())
	assert.Equal(t, taskrelay.HealthUnhealthy, report.Status)
	assert.Contains(t, report.Message, "status=403")
}

func TestSheetsAPIErrorsAreBackendErrors(t *testing.T) {
	sheet := newFakeSheet("id")
	sheet.failWith = http.StatusBadRequest
	backend := newTestSheetsBackend(t, sheet)

	_, err := backend.SaveTask(context.Background(), taskrelay.Task{Title: "x"})
	require.Error(t, err)
	assert.True(t, taskrelay.IsBackendError(err))
}

func TestFirstRowOfRange(t *testing.T) {
	row, ok := firstRowOfRange("Tasks!A12:G14")
	assert.True(t, ok)
	assert.Equal(t, 12, row)
	_, ok = firstRowOfRange("Tasks!A:G")
	assert.False(t, ok)
	row, ok = firstRowOfRange("'Q1!Plan'!A7:G7")
	assert.True(t, ok)
	assert.Equal(t, 7, row)
}

func TestSheetsQuotesSheetNames(t *testing.T) {
	sheet := newFakeSheet("id", "title")
	backend := newNamedSheetsBackend(t, sheet, "Team's Tasks")

	id, err := backend.SaveTask(context.Background(), taskrelay.Task{Title: "Plan offsite"})
	require.NoError(t, err)
	backend.rows.forget(id)
	found, err := backend.UpdateTask(context.Background(), id, taskrelay.Task{Title: "Plan offsite", Status: taskrelay.TaskStatusCompleted})
	require.NoError(t, err)
	assert.True(t, found)

	require.NotEmpty(t, sheet.ranges)
	for _, target := range sheet.ranges {
		assert.True(t, strings.HasPrefix(target, "'Team''s Tasks'!"), target)
	}
}

func TestNewSheetsBackendRejectsBadCredentials(t *testing.T) {
	_, err := NewSheetsBackend(taskrelay.Settings{"spreadsheetId": "s", "credentialsJson": "{not json"})
	require.ErrorIs(t, err, taskrelay.ErrInvalidSettings)

	_, err = NewSheetsBackend(taskrelay.Settings{"spreadsheetId": "s"})
	require.ErrorIs(t, err, taskrelay.ErrInvalidSettings)
}
