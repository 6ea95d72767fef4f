package filter

import (
	"regexp"

	slog "github.com/vearne/simplelog"

	"github.com/vearne/tcptap/model"
)

// LabelMatchIncludeFilter passes only records whose connection label
// matches the expression, e.g. "SERVER.*:2222".
type LabelMatchIncludeFilter struct {
	r *regexp.Regexp
}

func NewLabelMatchIncludeFilter(expr string) *LabelMatchIncludeFilter {
	var f LabelMatchIncludeFilter
	var err error
	f.r, err = regexp.Compile(expr)
	if err != nil {
		slog.Fatal("expr error:%v", err)
	}
	return &f
}

// Filter :If ok is true, it means that the record can pass
func (f *LabelMatchIncludeFilter) Filter(rec *model.Record) (*model.Record, bool) {
	if f.r.MatchString(rec.Label) {
		return rec, true
	}
	return nil, false
}
