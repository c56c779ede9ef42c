package storage

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/agentgate/agentgate/internal/order"
)

// Issue categories reported by ValidateStorage.
const (
	IssueJSONParse     = "json_parse"
	IssueSchemaInvalid = "schema_invalid"
	IssueIOError       = "io_error"
)

// Issue describes one invalid work-order file.
type Issue struct {
	WorkOrderID string `json:"workOrderId"`
	Path        string `json:"path"`
	Category    string `json:"category"`
	Detail      string `json:"detail"`
}

// ValidationReport summarizes a full storage scan.
type ValidationReport struct {
	Scanned int     `json:"scanned"`
	Valid   int     `json:"valid"`
	Issues  []Issue `json:"issues,omitempty"`
}

// OK reports whether the scan found no issues.
func (r *ValidationReport) OK() bool { return len(r.Issues) == 0 }

// ValidateStorage scans every work-order file and classifies failures.
// Files are never modified or removed; the report is advisory.
func (s *Store) ValidateStorage() (*ValidationReport, error) {
	entries, err := os.ReadDir(filepath.Join(s.dataDir, WorkOrdersDir))
	if err != nil {
		if os.IsNotExist(err) {
			return &ValidationReport{}, nil
		}
		return nil, err
	}

	report := &ValidationReport{}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		report.Scanned++

		id := strings.TrimSuffix(entry.Name(), ".json")
		path := filepath.Join(s.dataDir, WorkOrdersDir, entry.Name())

		data, err := os.ReadFile(path)
		if err != nil {
			report.Issues = append(report.Issues, Issue{
				WorkOrderID: id, Path: path,
				Category: IssueIOError, Detail: err.Error(),
			})
			continue
		}

		var wo order.WorkOrder
		if err := json.Unmarshal(data, &wo); err != nil {
			report.Issues = append(report.Issues, Issue{
				WorkOrderID: id, Path: path,
				Category: IssueJSONParse, Detail: err.Error(),
			})
			continue
		}

		if detail := schemaProblem(id, &wo); detail != "" {
			report.Issues = append(report.Issues, Issue{
				WorkOrderID: id, Path: path,
				Category: IssueSchemaInvalid, Detail: detail,
			})
			continue
		}

		report.Valid++
	}
	return report, nil
}

// schemaProblem checks the decoded record for structural problems that
// json.Unmarshal cannot catch.
func schemaProblem(fileID string, wo *order.WorkOrder) string {
	switch {
	case wo.ID == "":
		return "missing id"
	case wo.ID != fileID:
		return "id does not match file name"
	case wo.TaskPrompt == "":
		return "missing taskPrompt"
	case !wo.Status.Valid():
		return "unknown status " + string(wo.Status)
	case wo.CreatedAt.IsZero():
		return "missing createdAt"
	}
	if err := wo.WorkspaceSource.Validate(); err != nil {
		return "workspaceSource: " + err.Error()
	}
	return ""
}
