package bridge

import (
	"bytes"
	"context"
	"encoding/binary"
	"math"
	"testing"
	"time"

	"github.com/faiface/beep"
	"github.com/faiface/beep/wav"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// tone returns d of a sine at freq, slightly different per channel.
func tone(sr beep.SampleRate, d time.Duration, freq float64) beep.Streamer {
	total := sr.N(d)
	pos := 0
	return beep.StreamerFunc(func(samples [][2]float64) (int, bool) {
		if pos >= total {
			return 0, false
		}
		n := 0
		for n < len(samples) && pos < total {
			v := 0.5 * math.Sin(2*math.Pi*freq*float64(pos)/float64(sr))
			samples[n] = [2]float64{v, v * 0.25}
			n++
			pos++
		}
		return n, true
	})
}

func encodeWAV(t *testing.T, s beep.Streamer, format beep.Format) []byte {
	t.Helper()
	var buf seekBuffer
	require.NoError(t, wav.Encode(&buf, s, format))
	return append([]byte(nil), buf.Bytes()...)
}

type wavHeader struct {
	formatType uint16
	channels   uint16
	sampleRate uint32
	bits       uint16
	dataSize   uint32
}

func parseWAVHeader(t *testing.T, b []byte) wavHeader {
	t.Helper()
	require.GreaterOrEqual(t, len(b), 44)
	require.Equal(t, "RIFF", string(b[0:4]))
	require.Equal(t, "WAVE", string(b[8:12]))
	require.Equal(t, "fmt ", string(b[12:16]))
	require.Equal(t, "data", string(b[36:40]))
	le := binary.LittleEndian
	return wavHeader{
		formatType: le.Uint16(b[20:22]),
		channels:   le.Uint16(b[22:24]),
		sampleRate: le.Uint32(b[24:28]),
		bits:       le.Uint16(b[34:36]),
		dataSize:   le.Uint32(b[40:44]),
	}
}

func TestTranscode_Profile(t *testing.T) {
	inputs := []struct {
		name   string
		format beep.Format
	}{
		{"cd stereo", beep.Format{SampleRate: 44100, NumChannels: 2, Precision: 2}},
		{"22k mono 8-bit", beep.Format{SampleRate: 22050, NumChannels: 1, Precision: 1}},
		{"48k stereo 24-bit", beep.Format{SampleRate: 48000, NumChannels: 2, Precision: 3}},
		{"already 8k", beep.Format{SampleRate: 8000, NumChannels: 1, Precision: 2}},
	}

	for _, tc := range inputs {
		t.Run(tc.name, func(t *testing.T) {
			src := encodeWAV(t, tone(tc.format.SampleRate, time.Second, 440), tc.format)

			out, err := Transcode(context.Background(), src)
			require.NoError(t, err)

			h := parseWAVHeader(t, out)
			assert.Equal(t, uint16(1), h.formatType, "PCM")
			assert.Equal(t, uint16(1), h.channels)
			assert.Equal(t, uint32(8000), h.sampleRate)
			assert.Equal(t, uint16(8), h.bits)
			assert.Equal(t, len(out)-44, int(h.dataSize))
			assert.InDelta(t, 8000, int(h.dataSize), 400, "one second at 8 kHz, one byte per frame")

			_, format, err := wav.Decode(bytes.NewReader(out))
			require.NoError(t, err)
			assert.Equal(t, TargetFormat, format)
		})
	}
}

func TestTranscode_Deterministic(t *testing.T) {
	src := encodeWAV(t, tone(44100, 500*time.Millisecond, 880), beep.Format{SampleRate: 44100, NumChannels: 2, Precision: 2})

	first, err := Transcode(context.Background(), src)
	require.NoError(t, err)
	second, err := Transcode(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestTranscode_SilenceIsMidScale(t *testing.T) {
	format := beep.Format{SampleRate: 8000, NumChannels: 1, Precision: 2}
	src := encodeWAV(t, beep.Take(800, beep.Silence(-1)), format)

	out, err := Transcode(context.Background(), src)
	require.NoError(t, err)
	require.Len(t, out, 44+800)
	for i, b := range out[44:] {
		if b != 127 && b != 128 {
			t.Fatalf("sample %d = %d; want unsigned mid-scale", i, b)
		}
	}
}

func TestTranscode_NotAudio(t *testing.T) {
	inputs := map[string][]byte{
		"html":          []byte("<!doctype html><html><body>Access denied</body></html>"),
		"empty":         nil,
		"riff not wave": []byte("RIFF\x24\x00\x00\x00AVI LIST"),
		"broken wav":    []byte("RIFF\x24\x00\x00\x00WAVEfmt \x10\x00\x00\x00"),
	}
	for name, data := range inputs {
		t.Run(name, func(t *testing.T) {
			out, err := Transcode(context.Background(), data)
			require.ErrorIs(t, err, ErrDecode)
			assert.Nil(t, out)
		})
	}
}

func TestTranscode_AACNamesSupportedFormats(t *testing.T) {
	adts := append([]byte{0xFF, 0xF1, 0x50, 0x80, 0x02, 0x1F, 0xFC}, make([]byte, 64)...)

	_, err := Transcode(context.Background(), adts)
	require.ErrorIs(t, err, ErrDecode)
	assert.Contains(t, err.Error(), "wav, mp3, ogg vorbis or flac")
}

func TestTranscode_Cancelled(t *testing.T) {
	src := encodeWAV(t, tone(44100, time.Second, 440), beep.Format{SampleRate: 44100, NumChannels: 2, Precision: 2})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Transcode(ctx, src)
	require.ErrorIs(t, err, context.Canceled)
}

func TestSniff(t *testing.T) {
	tests := []struct {
		data []byte
		want Container
	}{
		{[]byte("RIFF\x00\x00\x00\x00WAVEfmt "), ContainerWAV},
		{[]byte("ID3\x04\x00"), ContainerMP3},
		{[]byte{0xFF, 0xFB, 0x90, 0x64}, ContainerMP3},
		{[]byte("OggS\x00\x02"), ContainerVorbis},
		{[]byte("fLaC\x00\x00"), ContainerFLAC},
		{[]byte{0xFF, 0xF3, 0x64, 0xC4}, ContainerMP3},
		{[]byte{0xFF, 0xF1, 0x50, 0x80}, ContainerUnknown},
		{[]byte{0xFF, 0xF9, 0x50, 0x80}, ContainerUnknown},
		{[]byte("\x00\x00\x00\x20ftypM4A "), ContainerUnknown},
		{[]byte("RIFF\x00\x00\x00\x00AVI "), ContainerUnknown},
		{[]byte("{\"error\":1}"), ContainerUnknown},
		{nil, ContainerUnknown},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, Sniff(tc.data), "data %q", tc.data)
	}
}

func TestSeekBuffer(t *testing.T) {
	var b seekBuffer
	_, err := b.Write([]byte("hello world"))
	require.NoError(t, err)

	pos, err := b.Seek(0, 0)
	require.NoError(t, err)
	assert.Zero(t, pos)
	_, err = b.Write([]byte("HELLO"))
	require.NoError(t, err)

	end, err := b.Seek(0, 2)
	require.NoError(t, err)
	assert.EqualValues(t, 11, end)
	_, err = b.Write([]byte("!"))
	require.NoError(t, err)
	assert.Equal(t, "HELLO world!", string(b.Bytes()))

	_, err = b.Seek(-1, 0)
	assert.Error(t, err)
}
