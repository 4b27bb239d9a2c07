package tool

import (
	"context"
	"fmt"
	"time"
	_ "time/tzdata"
)

// RegisterBuiltins adds the demo tools every agent can use. now may be nil.
func RegisterBuiltins(r *Registry, now func() time.Time) {
	if now == nil {
		now = time.Now
	}

	r.Register(Function("get_weather", "Get current weather for a location", Properties{
		"location": {Type: "string", Description: "The city and state, e.g. San Francisco, CA"},
	}, "location"), Func(getWeather))

	minDays, maxDays := 1.0, 7.0
	r.Register(Function("get_weather_forecast", "Get weather forecast for multiple days", Properties{
		"location": {Type: "string", Description: "The city and state"},
		"days":     {Type: "integer", Description: "Number of days to forecast (1-7)", Minimum: &minDays, Maximum: &maxDays},
	}, "location"), Func(getWeatherForecast))

	currentTime := Func(func(ctx context.Context, args timeArgs) (any, error) {
		return getCurrentTime(now(), args.Timezone)
	})
	r.Register(Function("get_time", "Get current time", nil), currentTime)
	r.Register(Function("get_current_time", "Get current time and date", Properties{
		"timezone": {Type: "string", Description: "Timezone name (optional)"},
	}), currentTime)
}

type weatherArgs struct {
	Location string `json:"location"`
	Days     int    `json:"days"`
}

type timeArgs struct {
	Timezone string `json:"timezone"`
}

// weather data is mocked
func getWeather(_ context.Context, args weatherArgs) (any, error) {
	return map[string]any{
		"location":    args.Location,
		"temperature": "72°F",
		"condition":   "Sunny",
		"humidity":    "45%",
		"wind_speed":  "8 mph",
		"description": fmt.Sprintf("It's a beautiful sunny day in %s with comfortable temperatures.", args.Location),
	}, nil
}

func getWeatherForecast(_ context.Context, args weatherArgs) (any, error) {
	days := args.Days
	if days == 0 {
		days = 3
	}
	if days < 1 || days > 7 {
		return nil, fmt.Errorf("days must be between 1 and 7, got %d", days)
	}

	forecast := []map[string]string{
		{"day": "Today", "high": "75°F", "low": "58°F", "condition": "Sunny"},
		{"day": "Tomorrow", "high": "73°F", "low": "60°F", "condition": "Partly Cloudy"},
		{"day": "Day 3", "high": "71°F", "low": "55°F", "condition": "Light Rain"},
	}
	return map[string]any{
		"location":      args.Location,
		"forecast_days": days,
		"forecast":      forecast[:min(days, len(forecast))],
	}, nil
}

func getCurrentTime(now time.Time, timezone string) (any, error) {
	name := "UTC"
	loc := time.UTC
	if timezone != "" {
		l, err := time.LoadLocation(timezone)
		if err != nil {
			return nil, fmt.Errorf("unknown timezone %q", timezone)
		}
		name, loc = timezone, l
	}
	t := now.In(loc)

	return map[string]any{
		"current_time":   t.Format(time.DateTime),
		"date":           t.Format("Monday, January 02, 2006"),
		"time":           t.Format("03:04 PM"),
		"timezone":       name,
		"unix_timestamp": t.Unix(),
		"day_of_week":    t.Weekday().String(),
		"month":          t.Month().String(),
	}, nil
}
