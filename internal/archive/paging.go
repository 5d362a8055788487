package archive

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/askhatbaimukhamedov/Metrics-processing-is74/internal/parser"
	"github.com/askhatbaimukhamedov/Metrics-processing-is74/pkg/protocol"
)

var ErrStaleArchiveDate = errors.New("归档日期早于设备当前页")

// MonthlyPage 计算月归档页号，nil 对应 0 页
func MonthlyPage(t *time.Time) int {
	if t == nil {
		return 0
	}
	idx := ((t.Year()-2000)*12 + int(t.Month()) - 1) % protocol.MonthArchiveSize
	if idx < 0 {
		idx += protocol.MonthArchiveSize
	}
	return idx
}

// PageDelta 返回从 last 页到当前页需要读取的页数
func PageDelta(last int, now time.Time) (int, error) {
	current := MonthlyPage(&now)
	delta := current - last
	if delta < 0 {
		return 0, fmt.Errorf("当前页 %d, 上次页 %d: %w", current, last, ErrStaleArchiveDate)
	}
	return delta, nil
}

// Chunk 一次读取请求
type Chunk struct {
	Page  int
	Count int
}

// Plan 将 count 页切分为不超过 MaxPagesPerRead 的请求
func Plan(start, count int) []Chunk {
	var chunks []Chunk
	page := start % protocol.MonthArchiveSize
	for count > 0 {
		n := count
		if n > protocol.MaxPagesPerRead {
			n = protocol.MaxPagesPerRead
		}
		chunks = append(chunks, Chunk{Page: page, Count: n})
		page = (page + n) % protocol.MonthArchiveSize
		count -= n
	}
	return chunks
}

// Args 月归档请求参数：长度, 页号低字节, 页号高字节, 页数
func (c Chunk) Args() []int {
	return []int{3, c.Page & 0xFF, c.Page >> 8, c.Count}
}

// written 写入标志为 0 的页尚未写入
func written(rec parser.Record) bool {
	v, ok := rec.Float(protocol.FieldArchive)
	return !ok || v != 0
}

// Page 已读取的月归档页
type Page struct {
	Month  time.Time
	Record parser.Record
}

// PageReader 读取一批归档页
type PageReader interface {
	ReadArchive(ctx context.Context, cmd byte, args []int) ([]parser.Record, error)
}

// FetchMonthly 读取 last 所在月到当前月之前的所有已写入页
func FetchMonthly(ctx context.Context, r PageReader, last *time.Time, now time.Time) ([]Page, error) {
	start := MonthlyPage(last)
	count, err := PageDelta(start, now)
	if err != nil {
		return nil, err
	}
	month := monthStart(now).AddDate(0, -count, 0)
	var pages []Page
	for _, chunk := range Plan(start, count) {
		records, err := r.ReadArchive(ctx, protocol.CmdReadMonthArch, chunk.Args())
		if err != nil {
			return nil, err
		}
		for i, rec := range records {
			if written(rec) {
				pages = append(pages, Page{Month: month.AddDate(0, i, 0), Record: rec})
			}
		}
		month = month.AddDate(0, chunk.Count, 0)
	}
	return pages, nil
}

// 日/小时归档固定读取窗口 lo=0 hi=1
var (
	DayWindow  = []int{3, 0, 1, 2}
	HourWindow = []int{3, 0, 1, 3}
)

func monthStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location())
}
