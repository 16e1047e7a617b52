package adapters

import (
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"

	"github.com/agentworkforce/taskrelay/internal/taskrelay"
)

const (
	SheetsBackendName      = "sheets"
	sheetsDefaultSheetName = "Tasks"
	sheetsDefaultHeaderRow = 1
	sheetsLastColumn       = "G"
	sheetsValueInputOption = "RAW"
	sheetsInsertDataOption = "INSERT_ROWS"
)

const sheetsSettingsSchema = `{
	"type": "object",
	"required": ["spreadsheetId"],
	"anyOf": [
		{"required": ["credentialsPath"]},
		{"required": ["credentialsJson"]}
	],
	"properties": {
		"credentialsPath": {"type": "string", "minLength": 1},
		"credentialsJson": {"type": "string", "minLength": 1},
		"spreadsheetId": {"type": "string", "minLength": 1},
		"sheetName": {"type": "string"},
		"headerRow": {"type": "integer", "minimum": 1},
		"endpoint": {"type": "string"}
	}
}`

type SheetsSettings struct {
	CredentialsPath string `json:"credentialsPath"`
	CredentialsJSON string `json:"credentialsJson"`
	SpreadsheetID   string `json:"spreadsheetId"`
	SheetName       string `json:"sheetName"`
	HeaderRow       int    `json:"headerRow"`
	Endpoint        string `json:"endpoint"`
}

// SheetsBackend appends one row per task to a Google Sheet. Columns A..G
// hold id, title, description, status, priority, due and created time.
type SheetsBackend struct {
	spreadsheetID string
	sheetName     string
	headerRow     int
	service       *sheets.Service
	now           func() time.Time
	rows          *rowIndex
}

func NewSheetsBackend(settings taskrelay.Settings) (*SheetsBackend, error) {
	parsed, err := taskrelay.DecodeSettings[SheetsSettings](settings)
	if err != nil {
		return nil, err
	}
	credentials := []byte(parsed.CredentialsJSON)
	if len(credentials) == 0 {
		path := strings.TrimSpace(parsed.CredentialsPath)
		if path == "" {
			return nil, fmt.Errorf("%w: sheets requires credentialsPath or credentialsJson", taskrelay.ErrInvalidSettings)
		}
		credentials, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("%w: read sheets credentials: %v", taskrelay.ErrInvalidSettings, err)
		}
	}
	ctx := context.Background()
	creds, err := google.CredentialsFromJSON(ctx, credentials, sheets.SpreadsheetsScope)
	if err != nil {
		return nil, fmt.Errorf("%w: parse sheets credentials: %v", taskrelay.ErrInvalidSettings, err)
	}
	client := oauth2.NewClient(ctx, creds.TokenSource)
	opts := []option.ClientOption{option.WithHTTPClient(client)}
	if endpoint := strings.TrimSpace(parsed.Endpoint); endpoint != "" {
		opts = append(opts, option.WithEndpoint(endpoint))
	}
	service, err := sheets.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create sheets service: %w", err)
	}
	return NewSheetsBackendWithService(parsed, service)
}

// NewSheetsBackendWithService builds the backend on an existing service,
// which lets callers supply their own transport.
func NewSheetsBackendWithService(settings SheetsSettings, service *sheets.Service) (*SheetsBackend, error) {
	if service == nil {
		return nil, fmt.Errorf("%w: sheets service is required", taskrelay.ErrInvalidSettings)
	}
	spreadsheetID := strings.TrimSpace(settings.SpreadsheetID)
	if spreadsheetID == "" {
		return nil, fmt.Errorf("%w: sheets requires spreadsheetId", taskrelay.ErrInvalidSettings)
	}
	sheetName := strings.TrimSpace(settings.SheetName)
	if sheetName == "" {
		sheetName = sheetsDefaultSheetName
	}
	headerRow := settings.HeaderRow
	if headerRow <= 0 {
		headerRow = sheetsDefaultHeaderRow
	}
	return &SheetsBackend{
		spreadsheetID: spreadsheetID,
		sheetName:     sheetName,
		headerRow:     headerRow,
		service:       service,
		now:           func() time.Time { return time.Now().UTC() },
		rows:          newRowIndex(),
	}, nil
}

func (b *SheetsBackend) Name() string {
	return SheetsBackendName
}

func (b *SheetsBackend) SaveTask(ctx context.Context, task taskrelay.Task) (string, error) {
	ids, err := b.appendRows(ctx, []taskrelay.Task{task})
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

func (b *SheetsBackend) SupportsBatch() bool {
	return true
}

// SaveTasks appends every task in a single append call.
func (b *SheetsBackend) SaveTasks(ctx context.Context, tasks []taskrelay.Task) ([]string, error) {
	if len(tasks) == 0 {
		return []string{}, nil
	}
	return b.appendRows(ctx, tasks)
}

func (b *SheetsBackend) UpdateTask(ctx context.Context, externalID string, task taskrelay.Task) (bool, error) {
	row, values, err := b.locate(ctx, externalID)
	if err != nil || row == 0 {
		return false, err
	}
	created := cellString(values, 6)
	if created == "" {
		created = b.now().Format(time.RFC3339)
	}
	updated := sheetsRow(externalID, task, created)
	_, err = b.service.Spreadsheets.Values.Update(b.spreadsheetID, b.rowRange(row), &sheets.ValueRange{
		Values: [][]interface{}{updated},
	}).ValueInputOption(sheetsValueInputOption).Context(ctx).Do()
	if err != nil {
		return false, b.wrap(err, "update row")
	}
	return true, nil
}

// DeleteTask clears the row so the row numbers of other tasks stay valid.
func (b *SheetsBackend) DeleteTask(ctx context.Context, externalID string) (bool, error) {
	row, _, err := b.locate(ctx, externalID)
	if err != nil || row == 0 {
		return false, err
	}
	_, err = b.service.Spreadsheets.Values.Clear(b.spreadsheetID, b.rowRange(row), &sheets.ClearValuesRequest{}).Context(ctx).Do()
	if err != nil {
		return false, b.wrap(err, "clear row")
	}
	b.rows.forget(externalID)
	return true, nil
}

func (b *SheetsBackend) GetTask(ctx context.Context, externalID string) (*taskrelay.Task, error) {
	row, values, err := b.locate(ctx, externalID)
	if err != nil || row == 0 {
		return nil, err
	}
	task := taskFromSheetsRow(values)
	return &task, nil
}

func (b *SheetsBackend) HealthCheck(ctx context.Context) taskrelay.HealthReport {
	started := time.Now()
	resp, err := b.service.Spreadsheets.Values.Get(b.spreadsheetID, b.rowRange(b.headerRow)).Context(ctx).Do()
	if err != nil {
		return taskrelay.UnhealthyReport(started, b.wrap(err, "read header row"))
	}
	if len(resp.Values) == 0 || len(resp.Values[0]) == 0 {
		return taskrelay.NewHealthReport(taskrelay.HealthDegraded, started, "sheet accessible but header row is empty")
	}
	return taskrelay.NewHealthReport(taskrelay.HealthHealthy, started, fmt.Sprintf("sheet %s accessible", b.sheetName))
}

// ImportAll reads every data row below the header. Rows without an id and
// title are skipped.
func (b *SheetsBackend) ImportAll(ctx context.Context) ([]taskrelay.Task, error) {
	rows, err := b.dataRows(ctx)
	if err != nil {
		return nil, err
	}
	tasks := make([]taskrelay.Task, 0, len(rows))
	for i, values := range rows {
		if cellString(values, 0) == "" || cellString(values, 1) == "" {
			continue
		}
		b.rows.remember(cellString(values, 0), b.headerRow+1+i)
		tasks = append(tasks, taskFromSheetsRow(values))
	}
	return tasks, nil
}

func (b *SheetsBackend) appendRows(ctx context.Context, tasks []taskrelay.Task) ([]string, error) {
	created := b.now().Format(time.RFC3339)
	ids := make([]string, 0, len(tasks))
	values := make([][]interface{}, 0, len(tasks))
	for _, task := range tasks {
		id := "row_" + uuid.NewString()
		ids = append(ids, id)
		values = append(values, sheetsRow(id, task, created))
	}
	resp, err := b.service.Spreadsheets.Values.Append(b.spreadsheetID, b.tableRange(), &sheets.ValueRange{
		Values: values,
	}).ValueInputOption(sheetsValueInputOption).InsertDataOption(sheetsInsertDataOption).Context(ctx).Do()
	if err != nil {
		return nil, b.wrap(err, "append rows")
	}
	if resp.Updates != nil {
		if first, ok := firstRowOfRange(resp.Updates.UpdatedRange); ok {
			for i, id := range ids {
				b.rows.remember(id, first+i)
			}
		}
	}
	return ids, nil
}

// locate returns the 1-based row holding externalID, or 0 when absent.
func (b *SheetsBackend) locate(ctx context.Context, externalID string) (int, []interface{}, error) {
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return 0, nil, nil
	}
	if row, ok := b.rows.lookup(externalID); ok {
		resp, err := b.service.Spreadsheets.Values.Get(b.spreadsheetID, b.rowRange(row)).Context(ctx).Do()
		if err != nil {
			return 0, nil, b.wrap(err, "read row")
		}
		if len(resp.Values) > 0 && cellString(resp.Values[0], 0) == externalID {
			return row, resp.Values[0], nil
		}
		b.rows.forget(externalID)
	}
	rows, err := b.dataRows(ctx)
	if err != nil {
		return 0, nil, err
	}
	for i, values := range rows {
		if cellString(values, 0) == externalID {
			row := b.headerRow + 1 + i
			b.rows.remember(externalID, row)
			return row, values, nil
		}
	}
	return 0, nil, nil
}

func (b *SheetsBackend) dataRows(ctx context.Context) ([][]interface{}, error) {
	readRange := fmt.Sprintf("%s!A%d:%s", quoteSheetName(b.sheetName), b.headerRow+1, sheetsLastColumn)
	resp, err := b.service.Spreadsheets.Values.Get(b.spreadsheetID, readRange).Context(ctx).Do()
	if err != nil {
		return nil, b.wrap(err, "read rows")
	}
	return resp.Values, nil
}

func (b *SheetsBackend) tableRange() string {
	return fmt.Sprintf("%s!A:%s", quoteSheetName(b.sheetName), sheetsLastColumn)
}

func (b *SheetsBackend) rowRange(row int) string {
	return fmt.Sprintf("%s!A%d:%s%d", quoteSheetName(b.sheetName), row, sheetsLastColumn, row)
}

// quoteSheetName quotes name for A1 notation, doubling embedded quotes.
func quoteSheetName(name string) string {
	return "'" + strings.ReplaceAll(name, "'", "''") + "'"
}

func (b *SheetsBackend) wrap(err error, message string) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		message = fmt.Sprintf("%s: status=%d", message, apiErr.Code)
	}
	return &taskrelay.BackendError{Backend: SheetsBackendName, Message: message, Err: err}
}

func sheetsRow(id string, task taskrelay.Task, created string) []interface{} {
	status := string(task.Status)
	if status == "" {
		status = string(taskrelay.TaskStatusPending)
	}
	priority := string(task.Priority)
	if priority == "" {
		priority = string(taskrelay.TaskPriorityMedium)
	}
	due := ""
	if task.Due != nil {
		due = task.Due.UTC().Format(time.RFC3339)
	}
	return []interface{}{id, task.Title, task.Description, status, priority, due, created}
}

func taskFromSheetsRow(values []interface{}) taskrelay.Task {
	task := taskrelay.Task{
		ID:          cellString(values, 0),
		Title:       cellString(values, 1),
		Description: cellString(values, 2),
		Status:      taskrelay.TaskStatus(cellString(values, 3)),
		Priority:    taskrelay.TaskPriority(strings.ToLower(cellString(values, 4))),
		Due:         parseFlexibleTime(cellString(values, 5)),
		Channel:     SheetsBackendName,
		Sender:      "sheets_sync",
	}
	if !task.Status.Valid() {
		task.Status = taskrelay.TaskStatusPending
	}
	if !task.Priority.Valid() || task.Priority == taskrelay.TaskPriorityNone {
		task.Priority = taskrelay.TaskPriorityMedium
	}
	return task
}

func cellString(values []interface{}, index int) string {
	if index < 0 || index >= len(values) || values[index] == nil {
		return ""
	}
	if text, ok := values[index].(string); ok {
		return strings.TrimSpace(text)
	}
	return strings.TrimSpace(fmt.Sprint(values[index]))
}

var a1RowPattern = regexp.MustCompile(`![A-Z]+(\d+)[^!]*$`)

func firstRowOfRange(a1 string) (int, bool) {
	match := a1RowPattern.FindStringSubmatch(a1)
	if len(match) != 2 {
		return 0, false
	}
	row, err := strconv.Atoi(match[1])
	if err != nil || row <= 0 {
		return 0, false
	}
	return row, true
}

// rowIndex caches external id to row number. Entries are verified before
// use, so a stale entry only costs a rescan.
type rowIndex struct {
	mu   sync.RWMutex
	rows map[string]int
}

func newRowIndex() *rowIndex {
	return &rowIndex{rows: map[string]int{}}
}

func (idx *rowIndex) lookup(id string) (int, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	row, ok := idx.rows[id]
	return row, ok
}

func (idx *rowIndex) remember(id string, row int) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.rows[id] = row
}

func (idx *rowIndex) forget(id string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	delete(idx.rows, id)
}
