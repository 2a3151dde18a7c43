package shared

// Page size bounds for list endpoints.
const (
	DefaultPageSize = 20
	MaxPageSize     = 200
)

// PageRequest is a 1-based page of a listing.
type PageRequest struct {
	Number int
	Size   int
}

// NewPageRequest clamps number and size into range. Non-positive values fall
// back to the first page and the default size.
func NewPageRequest(number, size int) PageRequest {
	if number <= 0 {
		number = 1
	}
	switch {
	case size <= 0:
		size = DefaultPageSize
	case size > MaxPageSize:
		size = MaxPageSize
	}
	return PageRequest{Number: number, Size: size}
}

// Offset is the number of rows that precede the page.
func (p PageRequest) Offset() int {
	return (p.Number - 1) * p.Size
}
