package builtin

import (
	"context"
	"fmt"
	"time"

	"github.com/mohammad-safakhou/linsight/internal/tools"
)

// CurrentTime reports the time in an optional IANA zone.
func CurrentTime(now func() time.Time) tools.Tool {
	if now == nil {
		now = time.Now
	}
	return &tools.Func{
		ToolName:        "current_time",
		ToolDescription: "Return the current date and time, optionally in an IANA time zone like \"Asia/Tokyo\".",
		Parameters: tools.ObjectSchema(map[string]interface{}{
			"timezone": tools.Prop("string", "IANA time zone name; defaults to UTC"),
		}),
		Fn: func(ctx context.Context, args map[string]interface{}) (string, error) {
			zone, _ := args["timezone"].(string)
			loc := time.UTC
			if zone != "" {
				l, err := time.LoadLocation(zone)
				if err != nil {
					return "", fmt.Errorf("unknown timezone %q", zone)
				}
				loc = l
			}
			t := now().In(loc)
			return fmt.Sprintf("%s (%s)", t.Format(time.RFC3339), t.Weekday()), nil
		},
	}
}
