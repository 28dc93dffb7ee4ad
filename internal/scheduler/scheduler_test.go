package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/odvcencio/agenttree/internal/errs"
)

// S1: three explore agents spawned simultaneously all run concurrently.
func TestReadOnlyAgentsRunInParallel(t *testing.T) {
	s := New(Config{}, nil)

	var concurrent int32
	var maxConcurrent int32
	var wg sync.WaitGroup
	results := make([]*Result, 3)

	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			res, err := s.Run(context.Background(), idName(idx), Explore, 0, func(ctx context.Context) (string, error) {
				n := atomic.AddInt32(&concurrent, 1)
				for {
					cur := atomic.LoadInt32(&maxConcurrent)
					if n <= cur || atomic.CompareAndSwapInt32(&maxConcurrent, cur, n) {
						break
					}
				}
				time.Sleep(30 * time.Millisecond)
				atomic.AddInt32(&concurrent, -1)
				return "ok", nil
			})
			require.NoError(t, err)
			results[idx] = res
		}(i)
	}
	wg.Wait()

	require.EqualValues(t, 3, maxConcurrent)
	for _, r := range results {
		require.Equal(t, Completed, r.State)
	}
}

// S2: writer excludes readers, and a new reader arriving while the writer
// is pending queues behind it.
func TestWriterExclusionAndPreference(t *testing.T) {
	s := New(Config{}, nil)

	readerAStarted := make(chan struct{})
	readerARelease := make(chan struct{})
	readerBStarted := make(chan struct{})
	readerBRelease := make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = s.Run(context.Background(), "readerA", Explore, 0, func(ctx context.Context) (string, error) {
			close(readerAStarted)
			<-readerARelease
			return "a", nil
		})
	}()
	go func() {
		defer wg.Done()
		_, _ = s.Run(context.Background(), "readerB", Explore, 0, func(ctx context.Context) (string, error) {
			close(readerBStarted)
			<-readerBRelease
			return "b", nil
		})
	}()

	<-readerAStarted
	<-readerBStarted

	editorAdmitted := make(chan struct{})
	editorDone := make(chan struct{})
	var editorResult *Result
	go func() {
		res, _ := s.Run(context.Background(), "editor", Editor, 0, func(ctx context.Context) (string, error) {
			close(editorAdmitted)
			return "edited", nil
		})
		editorResult = res
		close(editorDone)
	}()

	// Give the editor time to enqueue and confirm it has NOT been admitted
	// while readers are still running.
	time.Sleep(20 * time.Millisecond)
	select {
	case <-editorAdmitted:
		t.Fatal("editor admitted while readers still running")
	default:
	}

	// A third reader arriving now must queue behind the pending editor.
	readerCAdmitted := make(chan struct{})
	readerCDone := make(chan struct{})
	go func() {
		_, _ = s.Run(context.Background(), "readerC", Explore, 0, func(ctx context.Context) (string, error) {
			close(readerCAdmitted)
			return "c", nil
		})
		close(readerCDone)
	}()

	time.Sleep(20 * time.Millisecond)
	select {
	case <-readerCAdmitted:
		t.Fatal("reader C admitted ahead of pending writer")
	default:
	}

	close(readerARelease)
	close(readerBRelease)
	wg.Wait()

	<-editorAdmitted
	<-editorDone
	require.Equal(t, Completed, editorResult.State)

	<-readerCAdmitted
	<-readerCDone
}

func TestCancelPendingAgentIsSynchronousAndIdempotent(t *testing.T) {
	s := New(Config{}, nil)

	blockerStarted := make(chan struct{})
	blockerRelease := make(chan struct{})
	go func() {
		_, _ = s.Run(context.Background(), "blocker", Editor, 0, func(ctx context.Context) (string, error) {
			close(blockerStarted)
			<-blockerRelease
			return "", nil
		})
	}()
	<-blockerStarted

	resultCh := make(chan *Result, 1)
	go func() {
		res, _ := s.Run(context.Background(), "pending-reader", Explore, 0, func(ctx context.Context) (string, error) {
			return "should not run", nil
		})
		resultCh <- res
	}()

	time.Sleep(10 * time.Millisecond)
	s.Cancel("pending-reader")
	s.Cancel("pending-reader") // idempotent

	res := <-resultCh
	require.Equal(t, Cancelled, res.State)

	close(blockerRelease)
}

func TestDrainIsIdempotentAndWaitsForRunningAgents(t *testing.T) {
	s := New(Config{}, nil)

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_, _ = s.Run(context.Background(), "runner", Explore, 0, func(ctx context.Context) (string, error) {
			close(started)
			<-release
			return "done", nil
		})
	}()
	<-started

	drained := make(chan struct{})
	go func() {
		s.Drain()
		close(drained)
	}()

	select {
	case <-drained:
		t.Fatal("drain returned before running agent finished")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	<-drained

	// Second drain call must return immediately.
	done := make(chan struct{})
	go func() {
		s.Drain()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("second drain call did not return promptly")
	}
}

func TestAdmissionRefusedAfterDrain(t *testing.T) {
	s := New(Config{}, nil)
	s.Drain()

	_, err := s.Run(context.Background(), "late", Explore, 0, func(ctx context.Context) (string, error) {
		return "", nil
	})
	require.True(t, errs.Is(err, errs.SchedulerDrained))
}

// A writer running past its deadline is reported through
// OnWriterDeadlineExceeded with an errs.WriterDeadlineWarning-coded error,
// without being preempted: the writer keeps running to completion.
func TestWriterDeadlineExceededReportsWarningWithoutPreemption(t *testing.T) {
	var gotID string
	var gotErr error
	warned := make(chan struct{})

	s := New(Config{
		WriterDeadline: 10 * time.Millisecond,
		OnWriterDeadlineExceeded: func(agentID string, err error) {
			gotID = agentID
			gotErr = err
			close(warned)
		},
	}, nil)

	res, err := s.Run(context.Background(), "slow-writer", Editor, 0, func(ctx context.Context) (string, error) {
		<-warned
		return "done", nil
	})
	require.NoError(t, err)
	require.Equal(t, Completed, res.State)
	require.Equal(t, "slow-writer", gotID)
	require.True(t, errs.Is(gotErr, errs.WriterDeadlineWarning))
}

func idName(i int) string {
	return []string{"r0", "r1", "r2"}[i]
}
