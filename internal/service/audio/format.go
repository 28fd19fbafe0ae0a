// Package audio slices the inbound PCM stream of a call into fixed-size
// chunks for transcription.
package audio

import "time"

// Format describes raw little-endian PCM audio.
type Format struct {
	SampleRate  int // samples per second
	SampleWidth int // bytes per sample
	Channels    int
}

// Telephony16k is the mono 16 kHz 16-bit stream FreeSWITCH forks to us.
var Telephony16k = Format{SampleRate: 16000, SampleWidth: 2, Channels: 1}

func (f Format) channels() int {
	if f.Channels <= 0 {
		return 1
	}
	return f.Channels
}

// BytesPerSecond returns the byte rate of the stream.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.SampleWidth * f.channels()
}

// BytesInDuration returns the number of bytes covering d, rounded down to a
// whole frame.
func (f Format) BytesInDuration(d time.Duration) int {
	frame := f.SampleWidth * f.channels()
	if frame == 0 {
		return 0
	}
	n := int(int64(f.BytesPerSecond()) * int64(d) / int64(time.Second))
	return n - n%frame
}

// Duration returns the play time of n bytes.
func (f Format) Duration(n int) time.Duration {
	bps := f.BytesPerSecond()
	if bps == 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(bps))
}
