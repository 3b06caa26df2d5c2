package player

import (
	"time"

	"github.com/stwalsh4118/vivo/internal/availability"
	"github.com/stwalsh4118/vivo/internal/delivery"
	"github.com/stwalsh4118/vivo/internal/streaming"
	"github.com/stwalsh4118/vivo/internal/token"
)

// View is the capability surface the presentation layer renders
type View struct {
	ContentID           string                   `json:"content_id,omitempty"`
	Name                string                   `json:"name,omitempty"`
	Mode                delivery.Mode            `json:"mode,omitempty"`
	Status              streaming.Status         `json:"status"`
	Error               string                   `json:"error,omitempty"`
	ErrorCode           streaming.ErrorCode      `json:"error_code,omitempty"`
	QualityLevels       []streaming.QualityLevel `json:"quality_levels"`
	CurrentQualityIndex int                      `json:"current_quality_index"`
	CurrentQualityLabel string                   `json:"current_quality_label"`
	Muted               bool                     `json:"muted"`
	AutoplayBlocked     bool                     `json:"autoplay_blocked"`
	Retryable           bool                     `json:"retryable"`
	Availability        *availability.Result     `json:"availability,omitempty"`
	Token               *TokenView               `json:"token,omitempty"`
	Embed               *EmbedView               `json:"embed,omitempty"`
	Playback            *streaming.SinkStats     `json:"playback,omitempty"`
}

// TokenView is the public part of the scheduler state. The signed URL itself is not exposed.
type TokenView struct {
	Loading             bool       `json:"loading"`
	Error               string     `json:"error,omitempty"`
	IssuedAt            *time.Time `json:"issued_at,omitempty"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
}

// EmbedView describes the sandboxed provider embed
type EmbedView struct {
	Provider    string `json:"provider"`
	ContentID   string `json:"content_id"`
	URL         string `json:"url,omitempty"`
	Placeholder string `json:"placeholder,omitempty"`
}

// NewTokenView hides the signed URL of st
func NewTokenView(st token.State) TokenView {
	tv := TokenView{
		Loading:             st.Loading,
		Error:               st.Error,
		ConsecutiveFailures: st.ConsecutiveFailures,
	}
	if st.URL != nil {
		issued := st.URL.IssuedAt
		tv.IssuedAt = &issued
	}
	return tv
}

type statsSink interface {
	Stats() streaming.SinkStats
}

// View returns the current capability surface
func (p *Player) View() View {
	p.mu.Lock()
	pb := p.current
	p.mu.Unlock()

	v := View{
		Status:              streaming.StatusIdle,
		QualityLevels:       []streaming.QualityLevel{},
		CurrentQualityIndex: streaming.AutoQuality,
		CurrentQualityLabel: "Auto",
	}
	if pb == nil {
		return v
	}

	v.ContentID = pb.source.ID
	v.Name = pb.source.Name

	switch {
	case !pb.availability.Eligible:
		res := pb.availability
		v.Availability = &res
		v.Status = streaming.StatusError
		v.ErrorCode = streaming.CodeUnavailable
		v.Error = res.Reason
	case pb.decision.IsEmbedded():
		p.embedView(pb, &v)
	case pb.session != nil:
		adaptiveView(pb, &v)
	}
	return v
}

func (p *Player) embedView(pb *playback, v *View) {
	v.Mode = delivery.ModeEmbedded
	v.Status = streaming.StatusPlaying

	pb.embedMu.Lock()
	code, msg, muted := pb.embedCode, pb.embedMsg, pb.muted
	pb.embedMu.Unlock()

	v.Muted = muted
	v.Embed = &EmbedView{
		Provider:  pb.decision.Provider,
		ContentID: pb.decision.ContentID,
	}
	if code != "" {
		v.Status = streaming.StatusError
		v.ErrorCode = code
		v.Error = msg
		v.Embed.Placeholder = msg
		v.Retryable = true
		return
	}

	u, err := pb.embedURL()
	if err != nil {
		p.logger.Error().Err(err).Str("content_id", pb.source.ID).Msg("Embed url unavailable")
		v.Status = streaming.StatusError
		v.ErrorCode = streaming.CodeFatalOther
		v.Error = streaming.MsgFatal
		return
	}
	v.Embed.URL = u
}

func adaptiveView(pb *playback, v *View) {
	snap := pb.session.Snapshot()
	v.Mode = delivery.ModeAdaptive
	v.Status = snap.Status
	v.Error = snap.Error
	v.ErrorCode = snap.ErrorCode
	v.QualityLevels = snap.QualityLevels
	v.CurrentQualityIndex = snap.CurrentLevel
	v.CurrentQualityLabel = snap.QualityLabel
	v.Muted = snap.Muted
	v.AutoplayBlocked = snap.AutoplayBlock
	v.Retryable = snap.Retryable

	st := pb.scheduler.State()
	tv := NewTokenView(st)
	v.Token = &tv
	// a token failure before the first attach is the only error worth showing
	if v.Status == streaming.StatusIdle && st.Error != "" {
		v.Error = st.Error
	}

	if s, ok := pb.sink.(statsSink); ok {
		stats := s.Stats()
		v.Playback = &stats
	}
}
