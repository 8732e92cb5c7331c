package track

import (
	"testing"

	"github.com/cyclopcam/orchard/pkg/nn"
	"github.com/stretchr/testify/require"
)

func det(class int, conf float32, x, y, w, h int32) nn.ObjectDetection {
	return nn.ObjectDetection{
		Class:      class,
		Confidence: conf,
		Box:        nn.Rect{X: x, Y: y, Width: w, Height: h},
	}
}

func TestParseKind(t *testing.T) {
	for _, c := range []struct {
		in   string
		kind Kind
	}{
		{"bytetrack", KindByteTrack},
		{"bytetrack.yaml", KindByteTrack},
		{"BoTSORT.yaml", KindBoTSORT},
		{"botsort", KindBoTSORT},
		{"", KindNone},
		{"none", KindNone},
	} {
		k, err := ParseKind(c.in)
		require.NoError(t, err, c.in)
		require.Equal(t, c.kind, k, c.in)
	}
	_, err := ParseKind("deepsort")
	require.Error(t, err)

	var k Kind
	require.NoError(t, k.UnmarshalText([]byte("botsort.yaml")))
	require.Equal(t, KindBoTSORT, k)
	b, err := KindByteTrack.MarshalText()
	require.NoError(t, err)
	require.Equal(t, "bytetrack", string(b))
}

func TestStationaryObjectKeepsID(t *testing.T) {
	for _, kind := range []Kind{KindByteTrack, KindBoTSORT} {
		tr := NewTracker(kind, DefaultSettings())
		frame := []nn.ObjectDetection{
			det(0, 0.9, 100, 100, 50, 50),
			det(1, 0.7, 400, 200, 60, 40),
		}
		first := tr.Update(frame, 720)
		require.NotEqual(t, uint32(0), first[0].TrackID)
		require.NotEqual(t, uint32(0), first[1].TrackID)
		require.NotEqual(t, first[0].TrackID, first[1].TrackID)

		for i := 0; i < 5; i++ {
			next := tr.Update(frame, 720)
			require.Equal(t, first[0].TrackID, next[0].TrackID, kind.String())
			require.Equal(t, first[1].TrackID, next[1].TrackID, kind.String())
		}
		require.Equal(t, 2, tr.NumTracks())
	}
}

func TestMovingObjectKeepsID(t *testing.T) {
	tr := NewTracker(KindBoTSORT, DefaultSettings())
	var id uint32
	for i := int32(0); i < 10; i++ {
		out := tr.Update([]nn.ObjectDetection{det(2, 0.8, 50+i*20, 80, 40, 40)}, 720)
		if i == 0 {
			id = out[0].TrackID
		}
		require.Equal(t, id, out[0].TrackID)
	}
}

func TestClassMustMatch(t *testing.T) {
	tr := NewTracker(KindByteTrack, DefaultSettings())
	a := tr.Update([]nn.ObjectDetection{det(0, 0.9, 100, 100, 50, 50)}, 720)
	b := tr.Update([]nn.ObjectDetection{det(1, 0.9, 100, 100, 50, 50)}, 720)
	require.NotEqual(t, a[0].TrackID, b[0].TrackID)
	require.Equal(t, 2, tr.NumTracks())
}

func TestByteTrackHighConfidenceFirst(t *testing.T) {
	tr := NewTracker(KindByteTrack, DefaultSettings())
	first := tr.Update([]nn.ObjectDetection{det(0, 0.9, 100, 100, 50, 50)}, 720)

	// Two candidates overlap the existing track. The low confidence one is listed first,
	// but the high confidence one must win the existing identity.
	next := tr.Update([]nn.ObjectDetection{
		det(0, 0.3, 102, 102, 50, 50),
		det(0, 0.8, 110, 110, 50, 50),
	}, 720)
	require.Equal(t, first[0].TrackID, next[1].TrackID)
	require.NotEqual(t, first[0].TrackID, next[0].TrackID)
}

func TestTracksExpire(t *testing.T) {
	s := DefaultSettings()
	s.MaxAge = 2
	tr := NewTracker(KindBoTSORT, s)
	first := tr.Update([]nn.ObjectDetection{det(0, 0.9, 100, 100, 50, 50)}, 720)
	tr.Update(nil, 720)
	tr.Update(nil, 720)
	require.Equal(t, 1, tr.NumTracks())
	tr.Update(nil, 720)
	require.Equal(t, 0, tr.NumTracks())
	again := tr.Update([]nn.ObjectDetection{det(0, 0.9, 100, 100, 50, 50)}, 720)
	require.NotEqual(t, first[0].TrackID, again[0].TrackID)
}

func TestReset(t *testing.T) {
	tr := NewTracker(KindByteTrack, DefaultSettings())
	first := tr.Update([]nn.ObjectDetection{det(0, 0.9, 100, 100, 50, 50)}, 720)
	tr.Reset()
	require.Equal(t, 0, tr.NumTracks())
	again := tr.Update([]nn.ObjectDetection{det(0, 0.9, 100, 100, 50, 50)}, 720)
	require.NotEqual(t, first[0].TrackID, again[0].TrackID)
}

func TestKindNoneLeavesIDsEmpty(t *testing.T) {
	tr := NewTracker(KindNone, DefaultSettings())
	out := tr.Update([]nn.ObjectDetection{det(0, 0.9, 100, 100, 50, 50)}, 720)
	require.Equal(t, uint32(0), out[0].TrackID)
	require.Equal(t, 0, tr.NumTracks())
}
