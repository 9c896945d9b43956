// Package audio measures the length of call recordings.
package audio

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math"
	"net"
	"net/http"
	"time"

	"github.com/carlmjohnson/requests"
	"github.com/hajimehoshi/go-mp3"
	"github.com/rotisserie/eris"
	"github.com/youpy/go-wav"

	"github.com/sells-group/callscore/internal/resilience"
)

// ErrUnsupported is returned for recordings that are neither WAV nor MP3.
var ErrUnsupported = eris.New("audio: unsupported format")

// Prober downloads a recording and returns its duration in whole seconds.
type Prober interface {
	Duration(ctx context.Context, url string) (int, error)
}

type httpProber struct {
	http    *http.Client
	maxSize int64
}

// Option configures the prober.
type Option func(*httpProber)

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(p *httpProber) {
		p.http = hc
	}
}

// WithMaxSize caps how many bytes of a recording are downloaded.
func WithMaxSize(n int64) Option {
	return func(p *httpProber) {
		p.maxSize = n
	}
}

// NewProber creates a Prober.
func NewProber(opts ...Option) Prober {
	p := &httpProber{
		http: &http.Client{
			Timeout: 2 * time.Minute,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: 10 * time.Second}).DialContext,
			},
		},
		maxSize: 200 << 20,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *httpProber) Duration(ctx context.Context, url string) (int, error) {
	var buf bytes.Buffer
	err := requests.
		URL(url).
		Client(p.http).
		Handle(func(res *http.Response) error {
			if res.ContentLength > p.maxSize {
				return eris.Errorf("audio: recording of %d bytes exceeds %d", res.ContentLength, p.maxSize)
			}
			if _, err := buf.ReadFrom(io.LimitReader(res.Body, p.maxSize+1)); err != nil {
				return err
			}
			if int64(buf.Len()) > p.maxSize {
				return eris.Errorf("audio: recording exceeds %d bytes", p.maxSize)
			}
			return nil
		}).
		Fetch(ctx)
	if err != nil {
		var re *requests.ResponseError
		if errors.As(err, &re) {
			return 0, resilience.HTTPError("audio", "download", re.StatusCode, "")
		}
		return 0, resilience.CallError("audio", "download", err)
	}
	d, err := Decode(buf.Bytes())
	if err != nil {
		return 0, err
	}
	return int(math.Round(d.Seconds())), nil
}

// Decode returns the duration of an in-memory WAV or MP3 recording.
func Decode(data []byte) (time.Duration, error) {
	switch {
	case len(data) >= 12 && string(data[:4]) == "RIFF" && string(data[8:12]) == "WAVE":
		return wavDuration(data)
	case looksLikeMP3(data):
		return mp3Duration(data)
	default:
		return 0, ErrUnsupported
	}
}

func looksLikeMP3(data []byte) bool {
	if len(data) >= 3 && string(data[:3]) == "ID3" {
		return true
	}
	// MPEG frame sync: eleven set bits.
	return len(data) >= 2 && data[0] == 0xFF && data[1]&0xE0 == 0xE0
}

func wavDuration(data []byte) (time.Duration, error) {
	d, err := wav.NewReader(bytes.NewReader(data)).Duration()
	if err != nil {
		return 0, eris.Wrap(err, "audio: read wav")
	}
	return d, nil
}

// go-mp3 always decodes to 16-bit stereo.
const mp3BytesPerFrame = 4

func mp3Duration(data []byte) (time.Duration, error) {
	dec, err := mp3.NewDecoder(bytes.NewReader(data))
	if err != nil {
		return 0, eris.Wrap(err, "audio: read mp3")
	}
	n := dec.Length()
	if n <= 0 || dec.SampleRate() <= 0 {
		return 0, eris.New("audio: mp3 length unknown")
	}
	samples := float64(n) / mp3BytesPerFrame
	return time.Duration(samples / float64(dec.SampleRate()) * float64(time.Second)), nil
}
