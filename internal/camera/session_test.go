package camera

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SergueiMoscow/surveillance/internal/service"
	"github.com/SergueiMoscow/surveillance/internal/video"
)

func TestSession_NoMotionNoSegment(t *testing.T) {
	src := newFakeSource(still(5)...)
	h := newHarness(t, &fakeOpener{sources: []*fakeSource{src}}, nil, 0)

	stop := h.run(t)
	waitDrained(t, src)

	st := h.session.Status()
	assert.Equal(t, StateStreaming, st.State)
	assert.Equal(t, int64(5), st.FramesPulled)
	assert.Equal(t, int64(5), st.FramesProcessed)
	assert.False(t, st.Recording)
	assert.Equal(t, "rtsp://redacted@10.0.0.5/stream", st.Source)

	stop()

	assert.Empty(t, h.sinks.all())
	entry, ok := h.cache.Entry("cam")
	require.True(t, ok)
	assert.Equal(t, uint64(4), entry.Seq, "cold start frame is not published")
	assert.Equal(t, StateStopped, h.session.Status().State)
	assert.True(t, src.isClosed())
}

func TestSession_RecordsConsecutiveQualifyingFrames(t *testing.T) {
	frames := append(alternating(6), white(), white())
	src := newFakeSource(frames...)
	h := newHarness(t, &fakeOpener{sources: []*fakeSource{src}}, nil, 0)

	opened := h.bus.Subscribe(service.EventTypeSegmentOpened)
	closed := h.bus.Subscribe(service.EventTypeSegmentClosed)

	stop := h.run(t)
	waitDrained(t, src)

	sinks := h.sinks.all()
	require.Len(t, sinks, 1)
	n, isClosed := sinks[0].snapshot()
	assert.Equal(t, 5, n)
	assert.True(t, isClosed, "segment closes once the condition turns false")
	assert.False(t, h.session.Status().Recording)
	stop()

	openEvt := <-opened
	closeEvt := <-closed
	assert.Equal(t, sinks[0].path, openEvt.Data["path"])
	assert.Equal(t, sinks[0].path, closeEvt.Data["path"])
	assert.Equal(t, 5, closeEvt.Data["frames"])
	assert.Equal(t, "cam", closeEvt.Data["camera_id"])
	assert.FileExists(t, sinks[0].path)
}

func TestSession_CapStartsNewSegment(t *testing.T) {
	src := newFakeSource(alternating(video.DefaultMaxFrames + 2)...)
	h := newHarness(t, &fakeOpener{sources: []*fakeSource{src}}, nil, 0)

	stop := h.run(t)
	waitDrained(t, src)

	sinks := h.sinks.all()
	require.Len(t, sinks, 2)
	first, firstClosed := sinks[0].snapshot()
	second, secondClosed := sinks[1].snapshot()
	assert.Equal(t, video.DefaultMaxFrames, first)
	assert.True(t, firstClosed)
	assert.Equal(t, 1, second)
	assert.False(t, secondClosed)
	assert.NotEqual(t, sinks[0].path, sinks[1].path)

	st := h.session.Status()
	assert.True(t, st.Recording)
	assert.Equal(t, 1, st.SegmentFrames)

	stop()
	_, secondClosed = sinks[1].snapshot()
	assert.True(t, secondClosed, "shutdown closes the open segment")
}

func TestSession_ObjectToggleSplitsSegments(t *testing.T) {
	src := newFakeSource(alternating(6)...)
	classifier := &scriptedClassifier{verdicts: []bool{true, true, false, true, true}}
	h := newHarness(t, &fakeOpener{sources: []*fakeSource{src}}, classifier, 0)

	stop := h.run(t)
	waitDrained(t, src)
	stop()

	sinks := h.sinks.all()
	require.Len(t, sinks, 2)
	for _, s := range sinks {
		n, closed := s.snapshot()
		assert.Equal(t, 2, n)
		assert.True(t, closed)
		assert.FileExists(t, s.path)
	}
	assert.NotEqual(t, sinks[0].path, sinks[1].path)
}

func TestSession_ReconnectsAfterOpenFailures(t *testing.T) {
	src := newFakeSource(still(2)...)
	opener := &fakeOpener{sources: []*fakeSource{nil, nil, nil, src}}
	h := newHarness(t, opener, nil, 0)

	stop := h.run(t)
	waitDrained(t, src)

	st := h.session.Status()
	assert.Equal(t, StateStreaming, st.State)
	assert.GreaterOrEqual(t, st.Reconnects, int64(3))
	assert.Equal(t, 4, opener.callCount())
	assert.Empty(t, st.LastError, "a successful connect clears the last error")
	assert.Empty(t, h.sinks.all())

	stop()
}

func TestSession_StaysConnectingWhileOpenFails(t *testing.T) {
	opener := &fakeOpener{}
	h := newHarness(t, opener, nil, 0)

	stop := h.run(t)
	require.Eventually(t, func() bool { return opener.callCount() >= 3 }, 5*time.Second, 5*time.Millisecond)

	st := h.session.Status()
	assert.Equal(t, StateConnecting, st.State)
	assert.Contains(t, st.LastError, "connection refused")
	assert.Equal(t, 0, h.classifier.calls)

	stop()
	assert.Empty(t, h.sinks.all())
}

func TestSession_PullErrorReconnects(t *testing.T) {
	first := newFakeSource(alternating(3)...)
	first.endErr = fmt.Errorf("%w: ffmpeg exited", video.ErrSourceClosed)
	second := newFakeSource(still(1)...)
	opener := &fakeOpener{sources: []*fakeSource{first, second}}
	h := newHarness(t, opener, nil, 0)

	disconnected := h.bus.Subscribe(service.EventTypeCameraDisconnected)

	stop := h.run(t)
	waitDrained(t, second)

	assert.Equal(t, 2, opener.callCount())
	assert.True(t, first.isClosed())

	sinks := h.sinks.all()
	require.Len(t, sinks, 1)
	n, closed := sinks[0].snapshot()
	assert.Equal(t, 2, n)
	assert.True(t, closed, "losing the source closes the open segment")

	stop()

	evt := <-disconnected
	assert.Contains(t, evt.Data["reason"], "ffmpeg exited")
}

func TestSession_TransientPullErrorsDoNotReconnect(t *testing.T) {
	src := &fakeSource{
		drained: make(chan struct{}),
		results: []pullResult{
			{err: fmt.Errorf("%w: status 500", video.ErrFrameUnavailable)},
			{frame: black()},
			{err: video.ErrFrameUnavailable},
			{frame: black()},
		},
	}
	opener := &fakeOpener{sources: []*fakeSource{src}}
	h := newHarness(t, opener, nil, 0)

	stop := h.run(t)
	waitDrained(t, src)

	assert.Equal(t, 1, opener.callCount())
	st := h.session.Status()
	assert.Equal(t, int64(2), st.FramesPulled)
	assert.Equal(t, int64(0), st.Reconnects)
	stop()
}

func TestSession_ClassifierErrorMeansNoObject(t *testing.T) {
	src := newFakeSource(alternating(4)...)
	classifier := &scriptedClassifier{err: errors.New("inference service down")}
	h := newHarness(t, &fakeOpener{sources: []*fakeSource{src}}, classifier, 0)

	stop := h.run(t)
	waitDrained(t, src)
	stop()

	assert.Empty(t, h.sinks.all())
	_, ok := h.cache.Get("cam")
	assert.True(t, ok, "frames are still published without annotation")
}

func TestSession_PanicReleasesSource(t *testing.T) {
	src := newFakeSource(alternating(4)...)
	classifier := &scriptedClassifier{panicMsg: "model crashed"}
	h := newHarness(t, &fakeOpener{sources: []*fakeSource{src}}, classifier, 0)

	assert.PanicsWithValue(t, "model crashed", func() {
		_ = h.session.Run(context.Background())
	})
	assert.True(t, src.isClosed(), "a restarted session must not leak the previous source")
	assert.Equal(t, StateStopped, h.session.Status().State)
	assert.Empty(t, h.sinks.all())
}

func TestSession_WriteFailureDropsSegment(t *testing.T) {
	src := newFakeSource(alternating(4)...)
	h := newHarness(t, &fakeOpener{sources: []*fakeSource{src}}, nil, 0)
	h.sinks.failNext = true

	stop := h.run(t)
	waitDrained(t, src)

	sinks := h.sinks.all()
	require.Len(t, sinks, 2)
	n, closed := sinks[0].snapshot()
	assert.Equal(t, 0, n)
	assert.True(t, closed)
	n, _ = sinks[1].snapshot()
	assert.Equal(t, 2, n)
	assert.True(t, h.session.Status().Recording)

	stop()
}

func TestSession_SkipFrames(t *testing.T) {
	src := newFakeSource(alternating(4)...)
	h := newHarness(t, &fakeOpener{sources: []*fakeSource{src}}, nil, 0)
	h.session.cfg.SkipFrames = 1

	stop := h.run(t)
	waitDrained(t, src)

	st := h.session.Status()
	assert.Equal(t, int64(4), st.FramesPulled)
	assert.Equal(t, int64(2), st.FramesProcessed)
	stop()

	// only the two white frames were processed, so there was no motion
	assert.Empty(t, h.sinks.all())
}

func TestSession_ShutdownDuringBackoff(t *testing.T) {
	opener := &fakeOpener{}
	h := newHarness(t, opener, nil, 0)
	h.session.cfg.ReconnectBackoff = time.Hour

	stop := h.run(t)
	require.Eventually(t, func() bool { return opener.callCount() == 1 }, 5*time.Second, 5*time.Millisecond)

	start := time.Now()
	stop()
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, StateStopped, h.session.Status().State)
}

func TestSession_TrackRepeats(t *testing.T) {
	h := newHarness(t, &fakeOpener{}, nil, 0)
	s := h.session

	s.trackRepeats([]byte{1, 2, 3})
	s.trackRepeats([]byte{1, 2, 3})
	s.trackRepeats([]byte{1, 2, 3})
	assert.Equal(t, 2, s.repeatCount)

	s.trackRepeats([]byte{4})
	assert.Equal(t, 0, s.repeatCount)

	s.trackRepeats(nil)
	s.trackRepeats(nil)
	assert.Equal(t, 0, s.repeatCount, "frames without source bytes are not compared")
}
