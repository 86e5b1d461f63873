package tools

import (
	"context"
	"fmt"
	"time"
)

// GetTimeTool reports the current time, optionally in a named zone.
type GetTimeTool struct{}

func NewGetTimeTool() *GetTimeTool { return &GetTimeTool{} }

func (t *GetTimeTool) Name() string        { return "get_time" }
func (t *GetTimeTool) Description() string { return "Get the current date and time" }

func (t *GetTimeTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"timezone": map[string]any{
				"type":        "string",
				"description": "IANA timezone name, e.g. Asia/Ho_Chi_Minh. Defaults to local time.",
			},
		},
	}
}

func (t *GetTimeTool) Execute(ctx context.Context, args map[string]any) *Result {
	now := time.Now()
	if tz, _ := args["timezone"].(string); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return ErrorResult(fmt.Sprintf("unknown timezone: %s", tz))
		}
		now = now.In(loc)
	}
	return NewResult(now.Format("Monday, 2006-01-02 15:04:05 MST"))
}
