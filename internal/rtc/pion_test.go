package rtc

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/require"
)

func TestPionOfferIsAudioOnly(t *testing.T) {
	f := &PionFactory{GatherTimeout: 2 * time.Second}
	tr, err := f.NewTransport([]string{"stun:127.0.0.1:3478"})
	require.NoError(t, err)
	defer tr.Close()

	_, err = tr.AddAudioTrack()
	require.NoError(t, err)
	ch, err := tr.CreateDataChannel(DefaultSignalingLabel, func([]byte) {})
	require.NoError(t, err)
	defer ch.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	offer, err := tr.CreateOffer(ctx)
	require.NoError(t, err)

	assert.Contains(t, offer, "m=audio")
	assert.Contains(t, offer, "PCMU/8000")
	assert.Contains(t, offer, "m=application")
	assert.False(t, strings.Contains(offer, "m=video"), "offer must not request video")
}

func TestPionRejectsMalformedAnswer(t *testing.T) {
	f := &PionFactory{GatherTimeout: time.Second}
	tr, err := f.NewTransport([]string{"stun:127.0.0.1:3478"})
	require.NoError(t, err)
	defer tr.Close()

	_, err = tr.AddAudioTrack()
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err = tr.CreateOffer(ctx)
	require.NoError(t, err)

	assert.Error(t, tr.SetAnswer("garbage"))
}

func TestPionWriteFrameEncodes(t *testing.T) {
	f := &PionFactory{}
	tr, err := f.NewTransport([]string{"stun:127.0.0.1:3478"})
	require.NoError(t, err)
	defer tr.Close()

	w, err := tr.AddAudioTrack()
	require.NoError(t, err)
	// Unbound tracks accept samples without sending anything.
	assert.NoError(t, w.WriteFrame(make([]int16, 160)))
}

func newLossRecorder(grace time.Duration) (*lossWatch, chan error) {
	got := make(chan error, 4)
	w := &lossWatch{grace: grace}
	w.setReport(func(err error) { got <- err })
	return w, got
}

func TestLossWatchReportsRemoteClose(t *testing.T) {
	w, got := newLossRecorder(time.Hour)
	w.observe(webrtc.PeerConnectionStateConnected)
	w.observe(webrtc.PeerConnectionStateClosed)
	require.Len(t, got, 1)
	assert.Contains(t, (<-got).Error(), "closed by remote")

	w.observe(webrtc.PeerConnectionStateFailed)
	assert.Len(t, got, 0, "a loss is reported once")
}

func TestLossWatchIgnoresLocalClose(t *testing.T) {
	w, got := newLossRecorder(time.Hour)
	w.observe(webrtc.PeerConnectionStateConnected)
	w.close()
	w.observe(webrtc.PeerConnectionStateClosed)
	assert.Len(t, got, 0)
}

func TestLossWatchReportsFailed(t *testing.T) {
	w, got := newLossRecorder(time.Hour)
	w.observe(webrtc.PeerConnectionStateFailed)
	require.Len(t, got, 1)
	assert.Contains(t, (<-got).Error(), "failed")
}

func TestLossWatchDisconnectGrace(t *testing.T) {
	t.Run("recovers", func(t *testing.T) {
		w, got := newLossRecorder(30 * time.Millisecond)
		w.observe(webrtc.PeerConnectionStateDisconnected)
		w.observe(webrtc.PeerConnectionStateConnected)
		time.Sleep(80 * time.Millisecond)
		assert.Len(t, got, 0)
	})
	t.Run("persists", func(t *testing.T) {
		w, got := newLossRecorder(10 * time.Millisecond)
		w.observe(webrtc.PeerConnectionStateDisconnected)
		w.observe(webrtc.PeerConnectionStateDisconnected)
		select {
		case err := <-got:
			assert.Contains(t, err.Error(), "disconnected")
		case <-time.After(time.Second):
			t.Fatal("lasting disconnect not reported")
		}
		time.Sleep(30 * time.Millisecond)
		assert.Len(t, got, 0)
	})
	t.Run("closed while disconnected", func(t *testing.T) {
		w, got := newLossRecorder(10 * time.Millisecond)
		w.observe(webrtc.PeerConnectionStateDisconnected)
		w.close()
		time.Sleep(40 * time.Millisecond)
		assert.Len(t, got, 0)
	})
}
