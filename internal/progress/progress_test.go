package progress

import (
	"testing"

	"github.com/iyulab/orbitmesh/internal/job"
)

func TestService_Record_UpdatesLatestAndHistory(t *testing.T) {
	s := New(10)
	s.Record(job.Progress{JobID: "j1", Sequence: 1, Percentage: 10})
	s.Record(job.Progress{JobID: "j1", Sequence: 2, Percentage: 50})

	latest, ok := s.Latest("j1")
	if !ok || latest.Percentage != 50 {
		t.Fatalf("Latest() = %v, %v, want percentage 50", latest, ok)
	}
	if hist := s.History("j1"); len(hist) != 2 || hist[0].Percentage != 10 {
		t.Errorf("History() = %v, want [10%% 50%%] oldest first", hist)
	}
}

func TestService_Record_HistoryBoundedByMaxSize(t *testing.T) {
	s := New(3)
	for i := 0; i < 5; i++ {
		s.Record(job.Progress{JobID: "j1", Sequence: int64(i + 1), Percentage: i})
	}
	hist := s.History("j1")
	if len(hist) != 3 {
		t.Fatalf("History() length = %d, want bounded to 3", len(hist))
	}
	if hist[0].Percentage != 2 || hist[2].Percentage != 4 {
		t.Errorf("History() = %v, want the most recent 3 entries, oldest first", hist)
	}
}

func TestService_Subscribe_ReceivesUpdatesUntilUnsubscribed(t *testing.T) {
	s := New(10)
	var received []job.Progress
	unsubscribe := s.Subscribe("j1", func(p job.Progress) {
		received = append(received, p)
	})

	s.Record(job.Progress{JobID: "j1", Sequence: 1, Percentage: 10})
	unsubscribe()
	s.Record(job.Progress{JobID: "j1", Sequence: 2, Percentage: 90})

	if len(received) != 1 || received[0].Percentage != 10 {
		t.Errorf("subscriber received %v, want exactly one update (before unsubscribe)", received)
	}
}

func TestService_Subscribe_PanickingSubscriberDoesNotBlockOthers(t *testing.T) {
	s := New(10)
	var calledSecond bool
	s.Subscribe("j1", func(p job.Progress) { panic("boom") })
	s.Subscribe("j1", func(p job.Progress) { calledSecond = true })

	s.Record(job.Progress{JobID: "j1", Sequence: 1, Percentage: 10})

	if !calledSecond {
		t.Error("a panicking subscriber prevented a later subscriber from being called")
	}
}

func TestService_Forget_ClearsAllState(t *testing.T) {
	s := New(10)
	s.Record(job.Progress{JobID: "j1", Sequence: 1, Percentage: 10})
	s.Forget("j1")

	if _, ok := s.Latest("j1"); ok {
		t.Error("Latest() found a result after Forget(), want none")
	}
	if hist := s.History("j1"); hist != nil {
		t.Errorf("History() = %v after Forget(), want nil", hist)
	}
}
