package biz

import (
	"github.com/vearne/tcptap/config"
	"github.com/vearne/tcptap/filter"
)

func NewFilterChain(settings *config.AppSettings) (filter.Filter, error) {
	c := filter.NewFilterChain()

	if len(settings.IncludeFilterLabelMatch) > 0 {
		f := filter.NewLabelMatchIncludeFilter(settings.IncludeFilterLabelMatch)
		c.AddIncludeFilter(f)
	}
	if len(settings.ExcludeFilterLabelMatch) > 0 {
		c.AddExcludeFilters(filter.NewLabelExcludeFilter(settings.ExcludeFilterLabelMatch))
	}
	return c, nil
}
