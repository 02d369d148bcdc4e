// Package utils holds small helpers shared by the HTTP and service layers.
package utils

import "strconv"

// Page bounds for list endpoints.
const (
	DefaultPage     = 1
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// Page is a 1-based page window.
type Page struct {
	Number int
	Size   int
}

// ParsePage reads a page window from raw query values. Missing or malformed
// values fall back to the defaults; the result is always within bounds.
func ParsePage(number, size string) Page {
	return Page{
		Number: atoiDefault(number, DefaultPage),
		Size:   atoiDefault(size, DefaultPageSize),
	}.Clamp()
}

// Clamp returns p with Number >= 1 and Size in [1, MaxPageSize]. A zero size
// means the default.
func (p Page) Clamp() Page {
	if p.Number < 1 {
		p.Number = 1
	}
	switch {
	case p.Size == 0:
		p.Size = DefaultPageSize
	case p.Size < 1:
		p.Size = 1
	case p.Size > MaxPageSize:
		p.Size = MaxPageSize
	}
	return p
}

// Offset is the number of rows before the page.
func (p Page) Offset() int { return (p.Number - 1) * p.Size }

// TotalPages is the number of pages needed for total rows.
func (p Page) TotalPages(total int64) int {
	if p.Size <= 0 || total <= 0 {
		return 0
	}
	return int((total + int64(p.Size) - 1) / int64(p.Size))
}

func atoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return def
}
