package filter

import (
	"strings"

	"github.com/vearne/tcptap/model"
)

// LabelExcludeFilter drops records whose connection label contains the
// given substring.
type LabelExcludeFilter struct {
	exclude string
}

func NewLabelExcludeFilter(exclude string) *LabelExcludeFilter {
	var f LabelExcludeFilter
	f.exclude = exclude
	return &f
}

// Filter :If ok is true, it means that the record can pass
func (f *LabelExcludeFilter) Filter(rec *model.Record) (*model.Record, bool) {
	if strings.Contains(rec.Label, f.exclude) {
		return nil, false
	}
	return rec, true
}
