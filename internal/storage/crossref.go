package storage

import (
	"database/sql"

	"github.com/pyindex/pyindexd/internal/errs"
	"github.com/pyindex/pyindexd/internal/pyparse"
)

// callerSpan is one candidate caller entity for innermost-match
// resolution (spec §4.4: "find the innermost entity ... whose
// [start_line, end_line] contains the call line. Prefer method >
// function > class on overlap").
type callerSpan struct {
	kind      string // "method", "function", or "class"
	id        int64
	start     int
	end       int
}

// buildCrossReferences resolves parsed.CallSites into entity_cross_ref
// rows and inserts them inside tx, per spec §4.4. It runs inside the
// same atomic update as the artifact writes so it observes the rows
// IndexFile just inserted (spec §5: "Cross-reference build observes
// the artifacts it just wrote because it runs inside the same atomic
// update as the artifact writes").
func buildCrossReferences(tx *sql.Tx, fileID int64, projectID string, parsed *ParsedFile, classIDs, methodIDs, functionIDs map[string]int64) error {
	if len(parsed.CallSites) == 0 {
		return nil
	}

	var spans []callerSpan
	for qual, id := range methodIDs {
		for _, m := range parsed.Methods {
			if m.QualName == qual {
				spans = append(spans, callerSpan{kind: "method", id: id, start: m.StartLine, end: m.EndLine})
			}
		}
	}
	for qual, id := range functionIDs {
		for _, f := range parsed.Functions {
			if f.QualName == qual {
				spans = append(spans, callerSpan{kind: "function", id: id, start: f.StartLine, end: f.EndLine})
			}
		}
	}
	for qual, id := range classIDs {
		for _, c := range parsed.Classes {
			if c.QualName == qual {
				spans = append(spans, callerSpan{kind: "class", id: id, start: c.StartLine, end: c.EndLine})
			}
		}
	}

	priority := map[string]int{"method": 0, "function": 1, "class": 2}

	for _, cs := range parsed.CallSites {
		caller := resolveCaller(spans, cs.Line, priority)
		if caller == nil {
			// no enclosing entity (e.g. a module-level call); skip per
			// spec's "unresolved callees are skipped" analog for callers.
			continue
		}

		calleeKind, calleeID, ok := resolveCallee(tx, projectID, fileID, cs)
		if !ok {
			continue
		}

		var callerClassID, callerMethodID, callerFunctionID *int64
		switch caller.kind {
		case "class":
			id := caller.id
			callerClassID = &id
		case "method":
			id := caller.id
			callerMethodID = &id
		case "function":
			id := caller.id
			callerFunctionID = &id
		}

		var calleeClassID, calleeMethodID, calleeFunctionID *int64
		switch calleeKind {
		case "class":
			id := calleeID
			calleeClassID = &id
		case "method":
			id := calleeID
			calleeMethodID = &id
		case "function":
			id := calleeID
			calleeFunctionID = &id
		}

		_, err := tx.Exec(`INSERT INTO entity_cross_ref
			(caller_class_id, caller_method_id, caller_function_id,
			 callee_class_id, callee_method_id, callee_function_id,
			 ref_kind, file_id, line)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			callerClassID, callerMethodID, callerFunctionID,
			calleeClassID, calleeMethodID, calleeFunctionID,
			string(cs.Kind), fileID, cs.Line)
		if err != nil {
			return errs.Wrap(errs.StorageError, "inserting cross-reference", err)
		}
	}

	return nil
}

// resolveCaller finds the innermost span containing line, preferring
// method > function > class on overlap (tie-break by narrowest span).
func resolveCaller(spans []callerSpan, line int, priority map[string]int) *callerSpan {
	var best *callerSpan
	for i := range spans {
		s := &spans[i]
		if line < s.start || line > s.end {
			continue
		}
		if best == nil {
			best = s
			continue
		}
		if priority[s.kind] < priority[best.kind] {
			best = s
			continue
		}
		if priority[s.kind] == priority[best.kind] && (s.end-s.start) < (best.end-best.start) {
			best = s
		}
	}
	return best
}

// resolveCallee looks up a call-site target by (kind-compatible) name
// within the project, preferring same-file matches on ties (spec
// §4.4: "prefer same-file matches on ties").
func resolveCallee(tx *sql.Tx, projectID string, fileID int64, cs pyparse.CallSite) (string, int64, bool) {
	switch cs.Kind {
	case pyparse.CallSiteInstantiation, pyparse.CallSiteInherit:
		if id, ok := lookupByName(tx, "classes", "name", projectID, fileID, cs.TargetName); ok {
			return "class", id, true
		}
		return "", 0, false
	case pyparse.CallSiteAttribute:
		if cs.OwnerClass != "" {
			if id, ok := lookupMethodOnClass(tx, projectID, fileID, cs.OwnerClass, cs.TargetName); ok {
				return "method", id, true
			}
		}
		if id, ok := lookupByName(tx, "methods", "name", projectID, fileID, cs.TargetName); ok {
			return "method", id, true
		}
		return "", 0, false
	default: // CallSiteCall
		if id, ok := lookupByName(tx, "functions", "name", projectID, fileID, cs.TargetName); ok {
			return "function", id, true
		}
		if id, ok := lookupByName(tx, "methods", "name", projectID, fileID, cs.TargetName); ok {
			return "method", id, true
		}
		return "", 0, false
	}
}

func lookupByName(tx *sql.Tx, table, col, projectID string, fileID int64, name string) (int64, bool) {
	query := `SELECT t.` + table2PK(table) + ` FROM ` + table + ` t
		JOIN files f ON f.file_id = t.file_id
		WHERE f.project_id = ? AND t.` + col + ` = ?
		ORDER BY (t.file_id = ?) DESC LIMIT 1`
	var id int64
	err := tx.QueryRow(query, projectID, name, fileID).Scan(&id)
	if err != nil {
		return 0, false
	}
	return id, true
}

func lookupMethodOnClass(tx *sql.Tx, projectID string, fileID int64, className, methodName string) (int64, bool) {
	query := `SELECT m.method_id FROM methods m
		JOIN classes c ON c.class_id = m.class_id
		JOIN files f ON f.file_id = m.file_id
		WHERE f.project_id = ? AND c.name = ? AND m.name = ?
		ORDER BY (m.file_id = ?) DESC LIMIT 1`
	var id int64
	err := tx.QueryRow(query, projectID, className, methodName, fileID).Scan(&id)
	if err != nil {
		return 0, false
	}
	return id, true
}

func table2PK(table string) string {
	switch table {
	case "classes":
		return "class_id"
	case "methods":
		return "method_id"
	case "functions":
		return "function_id"
	default:
		return "rowid"
	}
}
