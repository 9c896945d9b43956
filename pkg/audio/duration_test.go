package audio

import (
	"bytes"
	"context"
	"encoding/binary"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/callscore/internal/resilience"
)

// pcmWAV builds a mono 16-bit PCM WAV of the given length.
func pcmWAV(t *testing.T, sampleRate uint32, seconds int) []byte {
	t.Helper()
	dataSize := sampleRate * 2 * uint32(seconds)
	var b bytes.Buffer
	w := func(v any) { require.NoError(t, binary.Write(&b, binary.LittleEndian, v)) }

	b.WriteString("RIFF")
	w(uint32(36 + dataSize))
	b.WriteString("WAVE")
	b.WriteString("fmt ")
	w(uint32(16))
	w(uint16(1)) // PCM
	w(uint16(1)) // mono
	w(sampleRate)
	w(sampleRate * 2) // byte rate
	w(uint16(2))      // block align
	w(uint16(16))
	b.WriteString("data")
	w(dataSize)
	b.Write(make([]byte, dataSize))
	return b.Bytes()
}

func TestDecode_WAV(t *testing.T) {
	d, err := Decode(pcmWAV(t, 8000, 3))
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, d)
}

func TestDecode_Unsupported(t *testing.T) {
	_, err := Decode([]byte("OggS\x00\x02"))
	assert.ErrorIs(t, err, ErrUnsupported)

	_, err = Decode(nil)
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestDecode_BrokenMP3(t *testing.T) {
	_, err := Decode([]byte("ID3 not really an mp3"))
	assert.Error(t, err)
}

func TestProber_Duration(t *testing.T) {
	wavData := pcmWAV(t, 8000, 45)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "audio/wav")
		w.Write(wavData) //nolint:errcheck
	}))
	defer ts.Close()

	secs, err := NewProber().Duration(context.Background(), ts.URL+"/rec.wav")
	require.NoError(t, err)
	assert.Equal(t, 45, secs)
}

func TestProber_TooLarge(t *testing.T) {
	wavData := pcmWAV(t, 8000, 2)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write(wavData) //nolint:errcheck
	}))
	defer ts.Close()

	_, err := NewProber(WithMaxSize(1024)).Duration(context.Background(), ts.URL)
	assert.ErrorContains(t, err, "exceeds")
}

func TestProber_NotFound(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	defer ts.Close()

	_, err := NewProber().Duration(context.Background(), ts.URL)
	require.Error(t, err)
	assert.Equal(t, http.StatusNotFound, resilience.StatusCode(err))
}
