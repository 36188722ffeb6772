package audio_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/petems/plant-recorder/internal/audio"
	"github.com/petems/plant-recorder/internal/audio/audiotest"
	"github.com/petems/plant-recorder/internal/queue"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var devices = []audio.Device{
	{Index: 0, Name: "HDA Intel PCH: ALC3246 Analog", DefaultSampleRate: 48000, MaxInputChannels: 2},
	{Index: 1, Name: "HDMI 0", DefaultSampleRate: 384000, MaxInputChannels: 0},
	{Index: 2, Name: "UltraMic384K", DefaultSampleRate: 384000, MaxInputChannels: 1},
	{Index: 3, Name: "UltraMic384K EVO", DefaultSampleRate: 384000, MaxInputChannels: 1},
	{Index: 4, Name: "Dodotronic 500K", DefaultSampleRate: 500000, MaxInputChannels: 1},
}

func TestSelect(t *testing.T) {
	tests := []struct {
		name      string
		devices   []audio.Device // defaults to the package device list
		filter    audio.Filter
		wantIndex int
		wantErr   bool
	}{
		{
			name:      "exact picks first match in enumeration order",
			filter:    audio.Filter{Index: -1, SampleRate: 384000, Policy: audio.RateExact, Channels: 1},
			wantIndex: 2,
		},
		{
			name: "device without input channels is skipped",
			devices: []audio.Device{
				{Index: 7, Name: "USB Audio Out", DefaultSampleRate: 768000, MaxInputChannels: 0},
				{Index: 8, Name: "UltraMic384K", DefaultSampleRate: 384000, MaxInputChannels: 1},
			},
			filter:    audio.Filter{Index: -1, SampleRate: 384000, Policy: audio.RateThreshold, Channels: 1},
			wantIndex: 8,
		},
		{
			name: "no input device at all",
			devices: []audio.Device{
				{Index: 7, Name: "USB Audio Out", DefaultSampleRate: 768000, MaxInputChannels: 0},
			},
			filter:  audio.Filter{Index: -1, SampleRate: 384000, Policy: audio.RateThreshold, Channels: 1},
			wantErr: true,
		},
		{
			name:      "threshold accepts higher rates",
			filter:    audio.Filter{Index: -1, SampleRate: 400000, Policy: audio.RateThreshold, Channels: 1},
			wantIndex: 4,
		},
		{
			name:    "exact rejects higher rates",
			filter:  audio.Filter{Index: -1, SampleRate: 400000, Policy: audio.RateExact, Channels: 1},
			wantErr: true,
		},
		{
			name:      "empty policy behaves as exact",
			filter:    audio.Filter{Index: -1, SampleRate: 48000, Channels: 2},
			wantIndex: 0,
		},
		{
			name:    "channel count is honoured",
			filter:  audio.Filter{Index: -1, SampleRate: 384000, Policy: audio.RateThreshold, Channels: 2},
			wantErr: true,
		},
		{
			name:      "explicit index skips rate matching",
			filter:    audio.Filter{Index: 3, SampleRate: 8000, Policy: audio.RateExact, Channels: 1},
			wantIndex: 3,
		},
		{
			name:    "explicit index must exist",
			filter:  audio.Filter{Index: 9, SampleRate: 384000, Channels: 1},
			wantErr: true,
		},
		{
			name:    "explicit index must have input channels",
			filter:  audio.Filter{Index: 1, SampleRate: 384000, Channels: 1},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			list := tt.devices
			if list == nil {
				list = devices
			}
			got, err := audio.Select(list, tt.filter)
			if tt.wantErr {
				assert.ErrorIs(t, err, audio.ErrNoMicrophoneFound)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantIndex, got.Index)
		})
	}
}

func TestSelectNoDevices(t *testing.T) {
	_, err := audio.Select(nil, audio.Filter{Index: -1, SampleRate: 384000, Policy: audio.RateThreshold})
	assert.ErrorIs(t, err, audio.ErrNoMicrophoneFound)
}

func TestParseRatePolicy(t *testing.T) {
	p, err := audio.ParseRatePolicy("threshold")
	require.NoError(t, err)
	assert.Equal(t, audio.RateThreshold, p)

	p, err = audio.ParseRatePolicy("")
	require.NoError(t, err)
	assert.Equal(t, audio.RateExact, p)

	_, err = audio.ParseRatePolicy("nearest")
	assert.Error(t, err)
}

func TestBlockAppendBytesLittleEndian(t *testing.T) {
	b := audio.Block{Channels: 2, Samples: []int16{1, -1, 0x1234, -32768}}

	assert.Equal(t, 2, b.Frames())
	assert.Equal(t, 8, b.ByteLen())
	assert.Equal(t,
		[]byte{0x01, 0x00, 0xff, 0xff, 0x34, 0x12, 0x00, 0x80},
		b.AppendBytes(nil))
	assert.Equal(t, 32768, b.Peak())
}

func TestStreamParams(t *testing.T) {
	p := audio.StreamParams{SampleRate: 384000, Channels: 2, BlockFrames: 3840}
	assert.Equal(t, 7680, p.BlockSamples())
	assert.Equal(t, 10*time.Millisecond, p.BlockDuration())
}

type sliceSink struct {
	mu     sync.Mutex
	blocks []audio.Block
}

func (s *sliceSink) Put(b audio.Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocks = append(s.blocks, b)
	return nil
}

func (s *sliceSink) snapshot() []audio.Block {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]audio.Block(nil), s.blocks...)
}

type countingObserver struct {
	mu        sync.Mutex
	captured  int
	overflows []uint64
	dropped   []uint64
}

func (o *countingObserver) BlockCaptured(audio.Block) {
	o.mu.Lock()
	o.captured++
	o.mu.Unlock()
}

func (o *countingObserver) Overflow(seq uint64) {
	o.mu.Lock()
	o.overflows = append(o.overflows, seq)
	o.mu.Unlock()
}

func (o *countingObserver) CaptureDropped(seq uint64) {
	o.mu.Lock()
	o.dropped = append(o.dropped, seq)
	o.mu.Unlock()
}

func TestSourceCapturesFixedSizeBlocks(t *testing.T) {
	backend := &audiotest.Backend{DeviceList: devices, Blocks: 5}
	obs := &countingObserver{}
	src := audio.NewSource(backend, zerolog.Nop(), obs)
	sink := &sliceSink{}

	params := audio.StreamParams{SampleRate: 384000, Channels: 1, BlockFrames: 3840}
	require.NoError(t, src.Start(devices[2], params, sink))
	require.NoError(t, src.Wait())

	blocks := sink.snapshot()
	require.Len(t, blocks, 5)
	for i, b := range blocks {
		assert.Equal(t, uint64(i), b.Seq)
		assert.Equal(t, 3840, b.Frames())
		want := make([]int16, 3840)
		audiotest.Fill(want, i)
		assert.Equal(t, want, b.Samples)
	}
	assert.Equal(t, uint64(5), src.Captured())
	assert.Equal(t, 5, obs.captured)

	opened := backend.Opened()
	require.Len(t, opened, 1)
	assert.Equal(t, 2, opened[0].Device.Index)
	assert.Equal(t, params, opened[0].Params)
}

func TestSourceOverflowIsReportedNotFatal(t *testing.T) {
	backend := &audiotest.Backend{DeviceList: devices, Blocks: 6, OverflowEvery: 3}
	obs := &countingObserver{}
	src := audio.NewSource(backend, zerolog.Nop(), obs)
	sink := &sliceSink{}

	require.NoError(t, src.Start(devices[2], audio.StreamParams{SampleRate: 384000, Channels: 1, BlockFrames: 16}, sink))
	require.NoError(t, src.Wait())

	blocks := sink.snapshot()
	require.Len(t, blocks, 6)
	assert.True(t, blocks[2].Overflow)
	assert.True(t, blocks[5].Overflow)
	assert.False(t, blocks[0].Overflow)
	assert.Equal(t, uint64(2), src.Overflows())
	assert.Equal(t, []uint64{2, 5}, obs.overflows)
}

func TestSourceCountsBlocksLostAtSink(t *testing.T) {
	backend := &audiotest.Backend{DeviceList: devices, Blocks: 6}
	obs := &countingObserver{}
	src := audio.NewSource(backend, zerolog.Nop(), obs)
	q := queue.New[audio.Block](2, queue.PolicyDropOldest)

	require.NoError(t, src.Start(devices[2], audio.StreamParams{SampleRate: 384000, Channels: 1, BlockFrames: 16}, q))
	require.NoError(t, src.Wait())

	assert.Equal(t, uint64(6), src.Captured())
	assert.Equal(t, uint64(4), src.Dropped())
	assert.Equal(t, []uint64{2, 3, 4, 5}, obs.dropped)
	assert.Equal(t, uint64(4), q.Dropped())

	b, err := q.Get(time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), b.Seq)
}

func TestSourceStopIsCooperative(t *testing.T) {
	backend := &audiotest.Backend{DeviceList: devices, Blocks: -1, Pace: time.Millisecond}
	src := audio.NewSource(backend, zerolog.Nop(), nil)
	sink := &sliceSink{}

	require.NoError(t, src.Start(devices[2], audio.StreamParams{SampleRate: 384000, Channels: 1, BlockFrames: 16}, sink))
	time.Sleep(20 * time.Millisecond)
	src.Stop()
	src.Stop()
	require.NoError(t, src.Wait())

	captured := src.Captured()
	assert.Positive(t, captured)
	assert.Len(t, sink.snapshot(), int(captured))

	time.Sleep(5 * time.Millisecond)
	assert.Equal(t, captured, src.Captured(), "no blocks after the loop exited")
}

func TestSourceReadErrorEndsCapture(t *testing.T) {
	readErr := errors.New("device unplugged")
	backend := &audiotest.Backend{DeviceList: devices, Blocks: -1, FailAfter: 3, ReadErr: readErr}
	src := audio.NewSource(backend, zerolog.Nop(), nil)
	sink := &sliceSink{}

	require.NoError(t, src.Start(devices[2], audio.StreamParams{SampleRate: 384000, Channels: 1, BlockFrames: 16}, sink))
	err := src.Wait()
	assert.ErrorIs(t, err, readErr)
	assert.Len(t, sink.snapshot(), 3)
}

func TestSourceOpenErrorIsSynchronous(t *testing.T) {
	openErr := errors.New("device busy")
	backend := &audiotest.Backend{DeviceList: devices, OpenErr: openErr}
	src := audio.NewSource(backend, zerolog.Nop(), nil)

	err := src.Start(devices[2], audio.StreamParams{SampleRate: 384000, Channels: 1, BlockFrames: 16}, &sliceSink{})
	assert.ErrorIs(t, err, openErr)
	assert.NoError(t, src.Wait())
}

func TestSourceSelectUsesBackendDevices(t *testing.T) {
	src := audio.NewSource(&audiotest.Backend{DeviceList: devices}, zerolog.Nop(), nil)

	dev, err := src.Select(audio.Filter{Index: -1, SampleRate: 384000, Policy: audio.RateExact, Channels: 1})
	require.NoError(t, err)
	assert.Equal(t, "UltraMic384K", dev.Name)

	_, err = src.Select(audio.Filter{Index: -1, SampleRate: 768000, Policy: audio.RateThreshold, Channels: 1})
	assert.ErrorIs(t, err, audio.ErrNoMicrophoneFound)
}
