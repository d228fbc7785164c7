package source

import (
	"bufio"
	"context"
	"io"
	"path"
	"strings"

	"github.com/xuri/excelize/v2"
)

// listEntry extracts the reference from one line of a reference list. CSV lists
// contribute their first column. Blank lines and '#' comments yield "".
func listEntry(line string, csv bool) string {
	line = strings.TrimSpace(strings.TrimPrefix(line, "\ufeff"))
	if line == "" || strings.HasPrefix(line, "#") {
		return ""
	}
	if csv {
		line, _, _ = strings.Cut(line, ",")
		line = strings.Trim(strings.TrimSpace(line), `"`)
	}
	return line
}

func (r *Resolver) resolveList(ctx context.Context, n node, rd io.Reader, yield func(*Image, error) bool) bool {
	csv := strings.EqualFold(path.Ext(n.name), ".csv")
	sc := bufio.NewScanner(rd)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for sc.Scan() {
		if ctx.Err() != nil {
			return false
		}
		ref := listEntry(sc.Text(), csv)
		if ref == "" {
			continue
		}
		if !r.resolveRef(ctx, ref, n, yield) {
			return false
		}
	}
	if err := sc.Err(); err != nil {
		return yield(nil, &ResolutionError{Ref: n.ref, Err: err})
	}
	return true
}

// resolveSpreadsheet treats the first column of every sheet as a reference list.
func (r *Resolver) resolveSpreadsheet(ctx context.Context, n node, rd io.Reader, yield func(*Image, error) bool) bool {
	f, err := excelize.OpenReader(rd)
	if err != nil {
		return yield(nil, &ResolutionError{Ref: n.ref, Err: err})
	}
	defer f.Close()
	for _, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil {
			if !yield(nil, &ResolutionError{Ref: n.ref + "#" + sheet, Err: err}) {
				return false
			}
			continue
		}
		for _, row := range rows {
			if ctx.Err() != nil {
				return false
			}
			if len(row) == 0 {
				continue
			}
			ref := listEntry(row[0], false)
			if ref == "" {
				continue
			}
			if !r.resolveRef(ctx, ref, n, yield) {
				return false
			}
		}
	}
	return true
}
