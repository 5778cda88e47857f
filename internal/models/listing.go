package models

type SortMode string

const (
	SortTrending SortMode = "trending"
	SortRecent   SortMode = "recent"
	SortVotes    SortMode = "votes"
)

func (m SortMode) Valid() bool {
	switch m {
	case SortTrending, SortRecent, SortVotes:
		return true
	}
	return false
}

// ListQuery 列表查询条件，Page 从 1 开始
type ListQuery struct {
	Subject  string
	Sort     SortMode
	Page     int
	PageSize int
}

// Offset skip = (page-1) * pageSize
func (q ListQuery) Offset() int {
	if q.Page < 1 {
		return 0
	}
	return (q.Page - 1) * q.PageSize
}
