package model_test

import (
	"testing"
	"time"

	"github.com/CZERTAINLY/Fabsim/internal/model"
	"github.com/stretchr/testify/require"
)

func TestParseISODuration(t *testing.T) {
	t.Parallel()
	type then struct {
		d   time.Duration
		err bool
	}
	var testCases = []struct {
		scenario string
		given    string
		then     then
	}{
		{"seconds", "PT1S", then{time.Second, false}},
		{"zero", "PT0S", then{0, false}},
		{"fraction", "PT0.5S", then{500 * time.Millisecond, false}},
		{"comma fraction", "PT1,25S", then{1250 * time.Millisecond, false}},
		{"hours and minutes", "PT1H30M", then{90 * time.Minute, false}},
		{"day", "P1D", then{24 * time.Hour, false}},
		{"day and time", "P1DT1H", then{25 * time.Hour, false}},
		{"empty", "", then{0, true}},
		{"only P", "P", then{0, true}},
		{"only PT", "PT", then{0, true}},
		{"dangling T", "P2DT", then{0, true}},
		{"month is ambiguous", "P2M", then{0, true}},
		{"garbage", "1h", then{0, true}},
	}
	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			d, err := model.ParseISODuration(tc.given)
			if tc.then.err {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.then.d, d)
		})
	}
}

func TestTimerSchedule(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		scenario string
		given    model.TimerSchedule
		err      bool
	}{
		{"empty", model.TimerSchedule{}, false},
		{"cron", model.TimerSchedule{Cron: "*/15 * * * *"}, false},
		{"macro", model.TimerSchedule{Cron: "@hourly"}, false},
		{"every", model.TimerSchedule{Cron: "@every 5m"}, false},
		{"duration", model.TimerSchedule{Duration: "PT30S"}, false},
		{"both", model.TimerSchedule{Cron: "@hourly", Duration: "PT30S"}, true},
		{"six fields", model.TimerSchedule{Cron: "0 */2 * * * *"}, true},
		{"out of range", model.TimerSchedule{Cron: "* * 32 * *"}, true},
		{"zero duration", model.TimerSchedule{Duration: "PT0S"}, true},
	}
	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			err := tc.given.Validate()
			if tc.err {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}
