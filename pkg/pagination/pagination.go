package pagination

import (
	"math"
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	DefaultPage     = 1
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// Params holds 1-indexed page parameters extracted from a request.
type Params struct {
	Page     int
	PageSize int
}

// New normalizes page and pageSize: non-positive values fall back to the
// defaults and pageSize is capped at MaxPageSize.
func New(page, pageSize int) Params {
	if page <= 0 {
		page = DefaultPage
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}
	return Params{Page: page, PageSize: pageSize}
}

// FromContext extracts pagination parameters from the echo context. Both
// camelCase and snake_case page size names are accepted.
func FromContext(c echo.Context) Params {
	page, _ := strconv.Atoi(c.QueryParam("page"))
	size, _ := strconv.Atoi(c.QueryParam("pageSize"))
	if size <= 0 {
		size, _ = strconv.Atoi(c.QueryParam("page_size"))
	}
	return New(page, size)
}

// Offset returns the index of the first item on the page. It saturates at
// math.MaxInt instead of wrapping for very large pages.
func (p Params) Offset() int {
	if p.Page <= 1 || p.PageSize <= 0 {
		return 0
	}
	if p.Page-1 > math.MaxInt/p.PageSize {
		return math.MaxInt
	}
	return (p.Page - 1) * p.PageSize
}

// Info describes where a page sits in the full, unsliced result.
type Info struct {
	Page       int `json:"page"`
	PageSize   int `json:"pageSize"`
	TotalCount int `json:"totalCount"`
	TotalPages int `json:"totalPages"`
}

// TotalPages returns ceil(total / pageSize).
func (p Params) TotalPages(total int) int {
	if p.PageSize <= 0 || total <= 0 {
		return 0
	}
	return (total + p.PageSize - 1) / p.PageSize
}

// Info builds the page descriptor for a result of total items.
func (p Params) Info(total int) Info {
	return Info{
		Page:       p.Page,
		PageSize:   p.PageSize,
		TotalCount: total,
		TotalPages: p.TotalPages(total),
	}
}

// HasNext returns true if there are more results after the current page.
func (p Params) HasNext(total int) bool {
	return p.Page < p.TotalPages(total)
}

// Slice returns the items on page p of items, which must already be filtered
// and sorted. A page past the end yields an empty, non-nil slice.
func Slice[T any](items []T, p Params) ([]T, Info) {
	info := p.Info(len(items))
	if p.Page > info.TotalPages {
		return []T{}, info
	}
	start := p.Offset()
	end := start + p.PageSize
	if end > len(items) {
		end = len(items)
	}
	return items[start:end], info
}

// Response wraps a paginated API response.
type Response[T any] struct {
	Data       []T  `json:"data"`
	Pagination Info `json:"pagination"`
}
