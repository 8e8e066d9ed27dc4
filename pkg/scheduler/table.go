package scheduler

import (
	"fmt"
	"strings"
)

// table is the parsed fixed-width output of a scheduler list command.
type table struct {
	columns []string
	rows    []map[string]string
}

type span struct {
	start, end int // end < 0 means to end of line
}

// parseTable reads fixed-width listing output. The header is the first line
// containing every required column title. Column boundaries come from the
// dashed separator line under the header when present, otherwise from the
// positions of the header words.
//
// Multi-core jobs may print continuation rows with blank cells; blanks are
// filled from the preceding row.
func parseTable(out string, required []string) (table, error) {
	lines := strings.Split(strings.ReplaceAll(out, "\r\n", "\n"), "\n")

	header := -1
	for i, line := range lines {
		if containsAll(line, required) {
			header = i
			break
		}
	}
	if header < 0 {
		return table{}, fmt.Errorf("header with columns %v not found", required)
	}

	body := header + 1
	var spans []span
	if body < len(lines) && isSeparator(lines[body]) {
		spans = separatorSpans(lines[body])
		body++
	} else {
		spans = wordSpans(lines[header])
	}

	t := table{columns: make([]string, len(spans))}
	for i, s := range spans {
		t.columns[i] = strings.TrimSpace(cut(lines[header], s))
	}
	for _, req := range required {
		if indexOf(t.columns, req) < 0 {
			return table{}, fmt.Errorf("column %q not aligned in header %q", req, lines[header])
		}
	}

	var prev map[string]string
	for _, line := range lines[body:] {
		if strings.TrimSpace(line) == "" || isSeparator(line) {
			continue
		}
		row := make(map[string]string, len(spans))
		for i, s := range spans {
			v := strings.TrimSpace(cut(line, s))
			if v == "" && prev != nil {
				v = prev[t.columns[i]]
			}
			row[t.columns[i]] = v
		}
		t.rows = append(t.rows, row)
		prev = row
	}
	return t, nil
}

func containsAll(line string, titles []string) bool {
	for _, title := range titles {
		if !strings.Contains(line, title) {
			return false
		}
	}
	return len(titles) > 0
}

func isSeparator(line string) bool {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return false
	}
	return strings.Trim(trimmed, "- +") == ""
}

func separatorSpans(line string) []span {
	var spans []span
	start := -1
	for i, r := range line {
		if r == '-' {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 {
			spans = append(spans, span{start: start, end: i})
			start = -1
		}
	}
	if start >= 0 {
		spans = append(spans, span{start: start, end: len(line)})
	}
	// The last column may hold values longer than its dashes.
	if n := len(spans); n > 0 {
		spans[n-1].end = -1
	}
	return spans
}

func wordSpans(line string) []span {
	var starts []int
	inWord := false
	for i, r := range line {
		if r == ' ' || r == '\t' {
			inWord = false
			continue
		}
		if !inWord {
			starts = append(starts, i)
			inWord = true
		}
	}
	spans := make([]span, len(starts))
	for i, s := range starts {
		end := -1
		if i+1 < len(starts) {
			end = starts[i+1]
		}
		spans[i] = span{start: s, end: end}
	}
	return spans
}

func cut(line string, s span) string {
	if s.start >= len(line) {
		return ""
	}
	if s.end < 0 || s.end > len(line) {
		return line[s.start:]
	}
	return line[s.start:s.end]
}

func indexOf(values []string, want string) int {
	for i, v := range values {
		if v == want {
			return i
		}
	}
	return -1
}
