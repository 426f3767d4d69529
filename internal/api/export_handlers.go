package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/tealeg/xlsx"

	"github.com/protfolio666/GapOpsHub-sub000/internal/core"
)

// baseExportColumns are always present; template fields append after.
var baseExportColumns = []string{
	"Gap ID", "Title", "Description", "Status", "Priority", "Severity",
	"Department", "Reporter", "Assignee", "TAT Deadline", "Created At",
	"Resolved At", "Resolution Summary",
}

// handleExportExcel streams the caller's visible gaps as a workbook.
// ?templateId= appends one column per field of that template's schema,
// filled from each gap's form responses; ?status= and ?priority= filter
// the rows.
func (s *Server) handleExportExcel(w http.ResponseWriter, r *http.Request) {
	actor := mustUser(r)
	q := r.URL.Query()
	list, err := s.gaps.List(r.Context(), actor,
		core.GapStatus(q.Get("status")), core.Priority(q.Get("priority")))
	if err != nil {
		writeError(w, err)
		return
	}

	var fields []templateField
	if raw := q.Get("templateId"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, core.E(core.KindInvalid, "templateId must be an integer"))
			return
		}
		t, err := s.db.GetFormTemplate(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		fields = schemaFields(t.Schema)
	}

	users := s.userNames(r, list)

	wb := xlsx.NewFile()
	sheet, err := wb.AddSheet("Gaps")
	if err != nil {
		writeError(w, core.Wrap(core.KindInternal, "build workbook", err))
		return
	}

	header := sheet.AddRow()
	for _, col := range baseExportColumns {
		header.AddCell().SetString(col)
	}
	for _, f := range fields {
		header.AddCell().SetString(f.Label)
	}

	for i := range list {
		g := &list[i]
		row := sheet.AddRow()
		row.AddCell().SetString(g.GapID)
		row.AddCell().SetString(g.Title)
		row.AddCell().SetString(g.Description)
		row.AddCell().SetString(string(g.Status))
		row.AddCell().SetString(string(g.Priority))
		row.AddCell().SetString(strDeref(g.Severity))
		row.AddCell().SetString(strDeref(g.Department))
		row.AddCell().SetString(users[g.ReporterID])
		if g.AssignedToID != nil {
			row.AddCell().SetString(users[*g.AssignedToID])
		} else {
			row.AddCell().SetString("")
		}
		row.AddCell().SetString(timeStr(g.TatDeadline))
		row.AddCell().SetString(g.CreatedAt.Format(time.RFC3339))
		row.AddCell().SetString(timeStr(g.ResolvedAt))
		row.AddCell().SetString(strDeref(g.ResolutionSummary))
		for _, f := range fields {
			row.AddCell().SetString(responseStr(g.FormResponses, f.ID))
		}
	}

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", "gaps-"+time.Now().Format("2006-01-02")+".xlsx"))
	if err := wb.Write(w); err != nil {
		s.logger.Error("excel stream aborted", "error", err)
	}
}

// userNames resolves reporter/assignee ids to display names in one pass.
func (s *Server) userNames(r *http.Request, list []core.Gap) map[int64]string {
	names := map[int64]string{}
	resolve := func(id int64) {
		if _, ok := names[id]; ok {
			return
		}
		if u, err := s.db.GetUser(r.Context(), id); err == nil {
			names[id] = u.Name
		} else {
			names[id] = fmt.Sprintf("user %d", id)
		}
	}
	for i := range list {
		resolve(list[i].ReporterID)
		if list[i].AssignedToID != nil {
			resolve(*list[i].AssignedToID)
		}
	}
	return names
}

// templateField is one column contributed by a form template schema.
type templateField struct {
	ID    string
	Label string
}

// schemaFields extracts the ordered field list from a template schema
// of the shape {"fields": [{"id": ..., "label": ...}, ...]}. Entries
// without an id are skipped; a missing label falls back to the id.
func schemaFields(schema core.JSONMap) []templateField {
	raw, ok := schema["fields"].([]interface{})
	if !ok {
		return nil
	}
	out := make([]templateField, 0, len(raw))
	for _, entry := range raw {
		m, ok := entry.(map[string]interface{})
		if !ok {
			continue
		}
		id, _ := m["id"].(string)
		if id == "" {
			continue
		}
		label, _ := m["label"].(string)
		if label == "" {
			label = id
		}
		out = append(out, templateField{ID: id, Label: label})
	}
	return out
}

// responseStr renders a form response value for a cell.
func responseStr(responses core.JSONMap, key string) string {
	v, ok := responses[key]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprintf("%v", t)
	}
}

func strDeref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func timeStr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.RFC3339)
}
