// Package hlstest serves a synthetic live HLS origin for tests.
package hlstest

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"

	"github.com/Eyevinn/hls-m3u8/m3u8"
)

// Rendition describes one variant served by the origin
type Rendition struct {
	Name       string
	Bandwidth  uint32
	Resolution string
}

type segment struct {
	seq      uint64
	duration float64
}

// Origin is a live origin with a sliding window of segments shared by all renditions.
// Segments are only added by Advance, so tests control the live edge.
type Origin struct {
	server *httptest.Server

	mu         sync.Mutex
	renditions []Rendition
	window     int
	duration   float64
	segments   []segment
	total      uint64
	ended      bool
	failures   map[string]int
	requests   map[string]int
}

// NewOrigin starts an origin keeping window segments of the given duration
func NewOrigin(window int, segmentDuration float64, renditions ...Rendition) *Origin {
	if window < 1 {
		window = 1
	}
	if len(renditions) == 0 {
		renditions = []Rendition{{Name: "main", Bandwidth: 1_000_000, Resolution: "1280x720"}}
	}
	o := &Origin{
		renditions: renditions,
		window:     window,
		duration:   segmentDuration,
		failures:   make(map[string]int),
		requests:   make(map[string]int),
	}
	o.server = httptest.NewServer(http.HandlerFunc(o.serve))
	return o
}

// MasterURL returns the master playlist URL, carrying a token query like a signed URL
func (o *Origin) MasterURL() string {
	return o.server.URL + "/master.m3u8?tok=1"
}

// MediaURL returns the media playlist URL of a rendition
func (o *Origin) MediaURL(name string) string {
	return o.server.URL + "/" + name + "/index.m3u8"
}

// Client returns a client for the origin
func (o *Origin) Client() *http.Client {
	return o.server.Client()
}

// Close shuts the origin down
func (o *Origin) Close() {
	o.server.Close()
}

// Advance appends n segments to the live window, pruning the oldest
func (o *Origin) Advance(n int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i := 0; i < n; i++ {
		o.segments = append(o.segments, segment{seq: o.total, duration: o.duration})
		o.total++
	}
	if len(o.segments) > o.window {
		o.segments = o.segments[len(o.segments)-o.window:]
	}
}

// End marks the stream finished so playlists carry ENDLIST
func (o *Origin) End() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ended = true
}

// Fail makes requests for path answer with status until cleared
func (o *Origin) Fail(path string, status int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failures[path] = status
}

// Clear removes all injected failures
func (o *Origin) Clear() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failures = make(map[string]int)
}

// Requests returns how many times path was requested
func (o *Origin) Requests(path string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.requests[path]
}

// SegmentPath returns the request path of a segment in a rendition
func SegmentPath(rendition string, seq uint64) string {
	return fmt.Sprintf("/%s/seg-%d.ts", rendition, seq)
}

func (o *Origin) serve(w http.ResponseWriter, r *http.Request) {
	o.mu.Lock()
	o.requests[r.URL.Path]++
	status, failing := o.failures[r.URL.Path]
	o.mu.Unlock()

	if failing {
		http.Error(w, http.StatusText(status), status)
		return
	}

	if r.URL.Path == "/master.m3u8" {
		o.writeMaster(w)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) != 2 || !o.hasRendition(parts[0]) {
		http.NotFound(w, r)
		return
	}

	if parts[1] == "index.m3u8" {
		o.writeMedia(w)
		return
	}

	if strings.HasPrefix(parts[1], "seg-") && strings.HasSuffix(parts[1], ".ts") {
		seq, err := strconv.ParseUint(strings.TrimSuffix(strings.TrimPrefix(parts[1], "seg-"), ".ts"), 10, 64)
		if err != nil || !o.inWindow(seq) {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "video/mp2t")
		_, _ = fmt.Fprintf(w, "%s:%d", parts[0], seq)
		return
	}

	http.NotFound(w, r)
}

func (o *Origin) hasRendition(name string) bool {
	for _, r := range o.renditions {
		if r.Name == name {
			return true
		}
	}
	return false
}

func (o *Origin) inWindow(seq uint64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, s := range o.segments {
		if s.seq == seq {
			return true
		}
	}
	return false
}

func (o *Origin) writeMaster(w http.ResponseWriter) {
	master := m3u8.NewMasterPlaylist()
	for _, r := range o.renditions {
		master.Append(r.Name+"/index.m3u8", nil, m3u8.VariantParams{
			Bandwidth:  r.Bandwidth,
			Resolution: r.Resolution,
		})
	}
	w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	_, _ = w.Write(master.Encode().Bytes())
}

func (o *Origin) writeMedia(w http.ResponseWriter) {
	o.mu.Lock()
	segs := make([]segment, len(o.segments))
	copy(segs, o.segments)
	ended := o.ended
	o.mu.Unlock()

	capacity := uint(len(segs))
	if capacity == 0 {
		capacity = 1
	}
	playlist, err := m3u8.NewMediaPlaylist(0, capacity)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	playlist.TargetDuration = uint(o.duration + 0.999)
	if len(segs) > 0 {
		playlist.SeqNo = segs[0].seq
	}
	for _, s := range segs {
		if err := playlist.AppendSegment(&m3u8.MediaSegment{
			SeqId:    s.seq,
			URI:      fmt.Sprintf("seg-%d.ts", s.seq),
			Duration: s.duration,
		}); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}
	if ended {
		playlist.Close()
	}

	w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	_, _ = w.Write(playlist.Encode().Bytes())
}
