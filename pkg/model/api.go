package model

import "time"

// Response is the envelope of every introspection API reply.
type Response struct {
	Status     string      `json:"status"`
	RequestID  string      `json:"request_id"`
	Timestamp  time.Time   `json:"timestamp"`
	Data       any         `json:"data"`
	Pagination *Pagination `json:"pagination,omitempty"`
	Error      *APIError   `json:"error"`
}

// Pagination describes one page of a list reply.
type Pagination struct {
	Total   int  `json:"total"`
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	HasMore bool `json:"has_more"`
}

// ListOptions bounds list queries against the run store.
type ListOptions struct {
	Limit  int
	Offset int
}

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// DefaultListOptions returns the first page at the default size.
func DefaultListOptions() ListOptions {
	return ListOptions{Limit: defaultPageSize}
}

// Clamp keeps Limit within [1, 100] and Offset non-negative.
func (o *ListOptions) Clamp() {
	o.Limit = min(o.Limit, maxPageSize)
	if o.Limit <= 0 {
		o.Limit = defaultPageSize
	}
	o.Offset = max(o.Offset, 0)
}

// Page describes the page o selects out of total rows.
func (o ListOptions) Page(total int) *Pagination {
	return &Pagination{
		Total:   total,
		Limit:   o.Limit,
		Offset:  o.Offset,
		HasMore: o.Offset+o.Limit < total,
	}
}
