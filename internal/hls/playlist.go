package hls

import (
	"bytes"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Eyevinn/hls-m3u8/m3u8"
	"github.com/stwalsh4118/vivo/internal/streaming"
)

// variant is one rendition from a master playlist with its resolved media playlist URL
type variant struct {
	level streaming.QualityLevel
	uri   string
}

type mediaSegment struct {
	seq      uint64
	uri      string
	duration time.Duration
}

// mediaWindow is the set of segments a live media playlist currently advertises
type mediaWindow struct {
	seqNo    uint64
	target   time.Duration
	segments []mediaSegment
	ended    bool
}

func (w *mediaWindow) last() uint64 {
	return w.seqNo + uint64(len(w.segments)) - 1
}

// parsePlaylist decodes body fetched from base. Exactly one of the results is set:
// variants for a master playlist, or a window for a media playlist.
func parsePlaylist(base string, body []byte) ([]variant, *mediaWindow, error) {
	baseURL, err := url.Parse(base)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid playlist url: %w", err)
	}

	playlist, listType, err := m3u8.DecodeFrom(bytes.NewReader(body), false)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to decode playlist: %w", err)
	}

	switch listType {
	case m3u8.MASTER:
		master, ok := playlist.(*m3u8.MasterPlaylist)
		if !ok {
			return nil, nil, fmt.Errorf("unexpected master playlist type %T", playlist)
		}
		variants, err := masterVariants(baseURL, master)
		return variants, nil, err
	case m3u8.MEDIA:
		media, ok := playlist.(*m3u8.MediaPlaylist)
		if !ok {
			return nil, nil, fmt.Errorf("unexpected media playlist type %T", playlist)
		}
		window, err := mediaSegments(baseURL, media)
		return nil, window, err
	default:
		return nil, nil, fmt.Errorf("unknown playlist type")
	}
}

func masterVariants(base *url.URL, master *m3u8.MasterPlaylist) ([]variant, error) {
	variants := make([]variant, 0, len(master.Variants))
	for _, v := range master.Variants {
		if v == nil || v.URI == "" {
			continue
		}
		uri, err := resolve(base, v.URI)
		if err != nil {
			return nil, err
		}
		width, height := parseResolution(v.Resolution)
		variants = append(variants, variant{
			level: streaming.QualityLevel{
				Index:      len(variants),
				Height:     height,
				Width:      width,
				BitrateBps: int(v.Bandwidth),
				Label:      streaming.LevelLabel(height),
			},
			uri: uri,
		})
	}
	if len(variants) == 0 {
		return nil, fmt.Errorf("master playlist has no variants")
	}
	return variants, nil
}

func mediaSegments(base *url.URL, media *m3u8.MediaPlaylist) (*mediaWindow, error) {
	window := &mediaWindow{
		seqNo:  media.SeqNo,
		target: time.Duration(media.TargetDuration) * time.Second,
		ended:  media.Closed,
	}
	for _, seg := range media.Segments {
		if seg == nil {
			break
		}
		uri, err := resolve(base, seg.URI)
		if err != nil {
			return nil, err
		}
		window.segments = append(window.segments, mediaSegment{
			seq:      media.SeqNo + uint64(len(window.segments)),
			uri:      uri,
			duration: time.Duration(seg.Duration * float64(time.Second)),
		})
	}
	return window, nil
}

func resolve(base *url.URL, ref string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return "", fmt.Errorf("invalid playlist reference %q: %w", ref, err)
	}
	return base.ResolveReference(u).String(), nil
}

// parseResolution reads "1280x720"; unknown values yield zeros
func parseResolution(res string) (int, int) {
	w, h, ok := strings.Cut(strings.ToLower(res), "x")
	if !ok {
		return 0, 0
	}
	width, err := strconv.Atoi(w)
	if err != nil {
		return 0, 0
	}
	height, err := strconv.Atoi(h)
	if err != nil {
		return 0, 0
	}
	return width, height
}
