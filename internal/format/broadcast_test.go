package format

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"drawbot/internal/draw"
)

func rec(k int64, nums ...int) draw.Record {
	return draw.New(draw.Key(k), time.Time{}, nums, 0)
}

func TestBroadcastLayout(t *testing.T) {
	t.Parallel()

	latest := rec(102, 5, 4, 6)
	history := []draw.Record{rec(100, 1, 1, 1), rec(101, 2, 7, 9), latest}

	got := Broadcast(latest, history)
	lines := strings.Split(strings.TrimRight(got, "\n"), "\n")
	require.GreaterOrEqual(t, len(lines), 8)

	assert.Equal(t, "📊 开奖播报", lines[0])
	assert.Equal(t, "🔥 最新开奖 102期", lines[2])
	assert.Equal(t, "号码: `5+4+6`", lines[3])
	assert.Equal(t, "和值: `15`", lines[4])
	assert.Equal(t, "组合: `大单` `顺子`", lines[5])
	assert.Equal(t, "📈 历史记录:", lines[7])
	assert.Equal(t, "• `101`期: `2+7+9`=`18` `大双` `杂六`", lines[8])
	assert.Equal(t, "• `100`期: `1+1+1`=`03` `小单` `豹子`", lines[9])
}

func TestBroadcastCapsHistory(t *testing.T) {
	t.Parallel()

	var history []draw.Record
	for k := int64(1); k <= 20; k++ {
		history = append(history, rec(k, 1, 2, 4))
	}
	got := Broadcast(rec(21, 1, 2, 4), history)
	assert.Equal(t, HistoryLines, strings.Count(got, "• "))
	assert.Contains(t, got, "`20`期")
	assert.NotContains(t, got, "`11`期")
}

func TestBroadcastEmptyHistory(t *testing.T) {
	t.Parallel()

	got := Broadcast(rec(5, 0, 0, 1), nil)
	assert.Contains(t, got, "暂无历史记录")
	assert.Equal(t, "暂无开奖记录", Broadcast(draw.Record{}, nil))
}

func TestBroadcastIsDeterministic(t *testing.T) {
	t.Parallel()

	latest := rec(9, 3, 3, 4)
	h := []draw.Record{rec(8, 1, 2, 3), rec(7, 9, 9, 9)}
	assert.Equal(t, Broadcast(latest, h), Broadcast(latest, h))
}

func TestPlain(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "号码: 1+2+3", Plain("号码: `1+2+3`"))
}
