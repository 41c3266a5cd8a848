package hub_test

import (
	"sync"
	"testing"
	"time"

	"github.com/CZERTAINLY/Fabsim/internal/hub"
	"github.com/CZERTAINLY/Fabsim/internal/model"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func status(taskID string, state model.TaskState) model.Event {
	return model.StatusEvent(taskID, state, "", time.Now())
}

func drain(s *hub.ChanSink) []model.Event {
	var ret []model.Event
	for {
		select {
		case ev := <-s.C():
			ret = append(ret, ev)
		default:
			return ret
		}
	}
}

func TestNoReplay(t *testing.T) {
	t.Parallel()
	h := hub.New()
	topic := hub.TaskTopic("t1")

	early := hub.NewChanSink(8)
	h.Subscribe(topic, early)

	require.Equal(t, 1, h.Publish(t.Context(), topic, status("t1", model.TaskRunning)))

	late := hub.NewChanSink(8)
	h.Subscribe(topic, late)

	require.Len(t, drain(early), 1)
	require.Empty(t, drain(late), "late subscriber must not get earlier events")

	require.Equal(t, 2, h.Publish(t.Context(), topic, status("t1", model.TaskCompleted)))
	require.Len(t, drain(early), 1)
	got := drain(late)
	require.Len(t, got, 1)
	require.Equal(t, string(topic), got[0].Topic)
	require.Equal(t, model.TaskCompleted, got[0].Status)
}

func TestTopics(t *testing.T) {
	t.Parallel()
	h := hub.New()

	global := hub.NewChanSink(8)
	task1 := hub.NewChanSink(8)
	task2 := hub.NewChanSink(8)
	gid := h.Subscribe(hub.GlobalStatus, global)
	h.Subscribe(hub.TaskTopic("t1"), task1)
	h.Subscribe(hub.TaskTopic("t2"), task2)

	h.Publish(t.Context(), hub.TaskTopic("t1"), status("t1", model.TaskRunning))
	h.Publish(t.Context(), hub.GlobalStatus, status("t1", model.TaskRunning))
	h.Publish(t.Context(), hub.GlobalStatus, status("t2", model.TaskRunning))

	require.Len(t, drain(task1), 1)
	require.Empty(t, drain(task2))
	got := drain(global)
	require.Len(t, got, 2)
	require.Equal(t, gid, got[0].SubscriptionID)

	require.True(t, h.Unsubscribe(gid))
	require.False(t, h.Unsubscribe(gid))
	require.Zero(t, h.Publish(t.Context(), hub.GlobalStatus, status("t1", model.TaskCompleted)))
}

func TestDeadSink(t *testing.T) {
	t.Parallel()
	h := hub.New()
	topic := hub.TaskTopic("t1")

	dead := hub.NewChanSink(1)
	alive := hub.NewChanSink(8)
	h.Subscribe(topic, dead)
	h.Subscribe(topic, alive)
	dead.Close()

	require.Equal(t, 1, h.Publish(t.Context(), topic, status("t1", model.TaskRunning)))
	require.Equal(t, 1, h.Subscribers(topic), "closed sink is pruned")

	full := hub.NewChanSink(1)
	h.Subscribe(topic, full)
	require.Equal(t, 2, h.Publish(t.Context(), topic, status("t1", model.TaskRunning)))
	require.Equal(t, 1, h.Publish(t.Context(), topic, status("t1", model.TaskRunning)))
	require.Equal(t, 2, h.Subscribers(topic), "full sink is kept")
}

func TestParseTopic(t *testing.T) {
	t.Parallel()

	var testCases = []struct {
		given string
		then  hub.Topic
		fail  bool
	}{
		{"global-status", hub.GlobalStatus, false},
		{"task:abc", hub.TaskTopic("abc"), false},
		{"task:", "", true},
		{"tasks", "", true},
		{"", "", true},
	}
	for _, tt := range testCases {
		t.Run(tt.given, func(t *testing.T) {
			got, err := hub.ParseTopic(tt.given)
			if tt.fail {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.then, got)
		})
	}
}

func TestConcurrent(t *testing.T) {
	t.Parallel()
	h := hub.New()
	topic := hub.TaskTopic("t1")

	const publishers, subscribers, events = 4, 16, 50
	var wg sync.WaitGroup
	sinks := make([]*hub.ChanSink, subscribers)
	for i := range sinks {
		sinks[i] = hub.NewChanSink(publishers * events)
		h.Subscribe(topic, sinks[i])
	}

	for range publishers {
		wg.Go(func() {
			for range events {
				h.Publish(t.Context(), topic, status("t1", model.TaskRunning))
			}
		})
	}
	for range subscribers {
		wg.Go(func() {
			for range events {
				id := h.Subscribe(topic, hub.NewChanSink(1))
				h.Unsubscribe(id)
			}
		})
	}
	wg.Wait()

	for _, s := range sinks {
		require.Len(t, drain(s), publishers*events)
	}
	require.Equal(t, subscribers, h.Subscribers(topic))
}
