// Package format renders draw records into chat text. Output is a pure
// function of its inputs and uses Telegram Markdown.
package format

import (
	"fmt"
	"sort"
	"strings"

	"drawbot/internal/draw"
)

// HistoryLines caps the history section of a broadcast.
const HistoryLines = 9

const (
	header      = "📊 开奖播报"
	noRecords   = "暂无开奖记录"
	noHistory   = "暂无历史记录"
	historyHead = "📈 历史记录:"
)

// Broadcast renders the announcement for latest followed by up to
// HistoryLines older records, newest first. Records at or after latest are ignored.
func Broadcast(latest draw.Record, history []draw.Record) string {
	if latest.Key == 0 && len(latest.Numbers) == 0 {
		return noRecords
	}

	var b strings.Builder
	b.WriteString(header)
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "🔥 最新开奖 %d期\n", latest.Key)
	fmt.Fprintf(&b, "号码: `%s`\n", latest.NumbersText())
	fmt.Fprintf(&b, "和值: `%02d`\n", latest.Sum)
	fmt.Fprintf(&b, "组合: `%s` `%s`\n\n", latest.SizeParity(), latest.Combo)

	b.WriteString(historyHead)
	b.WriteString("\n")

	older := make([]draw.Record, 0, len(history))
	for _, r := range draw.SortAscending(history) {
		if r.Key < latest.Key {
			older = append(older, r)
		}
	}
	if len(older) == 0 {
		b.WriteString(noHistory)
		b.WriteString("\n")
		return b.String()
	}
	sort.SliceStable(older, func(i, j int) bool { return older[i].Key > older[j].Key })
	if len(older) > HistoryLines {
		older = older[:HistoryLines]
	}
	for _, r := range older {
		fmt.Fprintf(&b, "• `%d`期: `%s`=`%02d` `%s` `%s`\n", r.Key, r.NumbersText(), r.Sum, r.SizeParity(), r.Combo)
	}
	return b.String()
}

// Plain strips Markdown markers, used when the provider refuses the entities.
func Plain(text string) string {
	return strings.NewReplacer("`", "", "*", "", "_", "").Replace(text)
}
