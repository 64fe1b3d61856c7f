// Package bridge converts remote audio into the fixed 8 kHz mono 8-bit WAV
// profile the robot firmware can play and serves it over HTTP.
//
// Accepted sources are WAV (PCM), MP3, Ogg Vorbis and FLAC. AAC and MP4/M4A
// are not decoded and fail with ErrDecode.
package bridge

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/faiface/beep"
	"github.com/faiface/beep/flac"
	"github.com/faiface/beep/mp3"
	"github.com/faiface/beep/vorbis"
	"github.com/faiface/beep/wav"
)

// TargetFormat is the only output profile: 8000 Hz, mono, unsigned 8-bit.
var TargetFormat = beep.Format{
	SampleRate:  8000,
	NumChannels: 1,
	Precision:   1,
}

const resampleQuality = 4

// ErrDecode is returned when the source bytes are not decodable audio.
var ErrDecode = errors.New("decode audio")

// Container identifies a sniffed input format.
type Container string

const (
	ContainerUnknown Container = ""
	ContainerWAV     Container = "wav"
	ContainerMP3     Container = "mp3"
	ContainerVorbis  Container = "vorbis"
	ContainerFLAC    Container = "flac"
)

// Sniff detects the audio container from the leading bytes of data.
func Sniff(data []byte) Container {
	switch {
	case len(data) >= 12 && bytes.Equal(data[0:4], []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WAVE")):
		return ContainerWAV
	case bytes.HasPrefix(data, []byte("OggS")):
		return ContainerVorbis
	case bytes.HasPrefix(data, []byte("fLaC")):
		return ContainerFLAC
	case bytes.HasPrefix(data, []byte("ID3")):
		return ContainerMP3
	case len(data) >= 2 && data[0] == 0xFF && data[1]&0xE0 == 0xE0 &&
		data[1]&0x18 != 0x08 && data[1]&0x06 != 0:
		// MPEG audio frame sync with a valid version and layer. ADTS AAC
		// shares the sync word but always has layer bits 00.
		return ContainerMP3
	}
	return ContainerUnknown
}

func decode(data []byte) (beep.StreamSeekCloser, beep.Format, error) {
	r := bytes.NewReader(data)
	switch c := Sniff(data); c {
	case ContainerWAV:
		return wav.Decode(r)
	case ContainerMP3:
		return mp3.Decode(io.NopCloser(r))
	case ContainerVorbis:
		return vorbis.Decode(io.NopCloser(r))
	case ContainerFLAC:
		return flac.Decode(r)
	default:
		return nil, beep.Format{}, errors.New("unsupported audio format (want wav, mp3, ogg vorbis or flac)")
	}
}

// Transcode decodes data and re-encodes it as an 8 kHz mono 8-bit PCM WAV.
// It holds no state and is safe for concurrent use. The output is a pure
// function of the input bytes.
func Transcode(ctx context.Context, data []byte) ([]byte, error) {
	stream, format, err := decode(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	defer stream.Close()

	if format.SampleRate <= 0 || format.NumChannels <= 0 {
		return nil, fmt.Errorf("%w: invalid source format %+v", ErrDecode, format)
	}

	src := &ctxStreamer{ctx: ctx, s: stream}
	var s beep.Streamer = src
	if format.SampleRate != TargetFormat.SampleRate {
		s = beep.Resample(resampleQuality, format.SampleRate, TargetFormat.SampleRate, src)
	}

	var out seekBuffer
	if err := wav.Encode(&out, s, TargetFormat); err != nil {
		return nil, fmt.Errorf("encode wav: %w", err)
	}
	if err := src.Err(); err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return out.Bytes(), nil
}

// ctxStreamer ends the stream early once ctx is done.
type ctxStreamer struct {
	ctx context.Context
	s   beep.StreamSeekCloser
	err error
}

func (c *ctxStreamer) Stream(samples [][2]float64) (int, bool) {
	if err := c.ctx.Err(); err != nil {
		c.err = err
		return 0, false
	}
	return c.s.Stream(samples)
}

func (c *ctxStreamer) Err() error {
	if c.err != nil {
		return c.err
	}
	return c.s.Err()
}
