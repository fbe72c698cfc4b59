package budget

import (
	"time"

	"github.com/BaSui01/costguard/policy"
)

// PeriodBounds 计算包含 ref 的记账周期窗口 [start, end)。
//
// 所有边界均基于 UTC 墙钟计算：
//   - hourly:  [H:00, (H+1):00)
//   - daily:   [00:00, 次日 00:00)
//   - weekly:  [周一 00:00, 下周一 00:00)
//   - monthly: [当月 1 日, 次月 1 日)，12 月翻转至次年 1 月
//
// 周期枚举在策略加载时已校验，未知值按 monthly 处理。
func PeriodBounds(period policy.Period, ref time.Time) (start, end time.Time) {
	ref = ref.UTC()

	switch period {
	case policy.PeriodHourly:
		start = time.Date(ref.Year(), ref.Month(), ref.Day(), ref.Hour(), 0, 0, 0, time.UTC)
		end = start.Add(time.Hour)

	case policy.PeriodDaily:
		start = time.Date(ref.Year(), ref.Month(), ref.Day(), 0, 0, 0, 0, time.UTC)
		end = start.AddDate(0, 0, 1)

	case policy.PeriodWeekly:
		// time.Weekday 以周日为 0，这里折算为距周一的天数。
		sinceMonday := (int(ref.Weekday()) + 6) % 7
		start = time.Date(ref.Year(), ref.Month(), ref.Day(), 0, 0, 0, 0, time.UTC)
		start = start.AddDate(0, 0, -sinceMonday)
		end = start.AddDate(0, 0, 7)

	default: // monthly
		start = time.Date(ref.Year(), ref.Month(), 1, 0, 0, 0, 0, time.UTC)
		if start.Month() == time.December {
			end = time.Date(start.Year()+1, time.January, 1, 0, 0, 0, 0, time.UTC)
		} else {
			end = time.Date(start.Year(), start.Month()+1, 1, 0, 0, 0, 0, time.UTC)
		}
	}

	return start, end
}
